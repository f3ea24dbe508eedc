package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vendaflow/atendimento-console/internal/middleware"
	"github.com/vendaflow/atendimento-console/internal/model"
	"github.com/vendaflow/atendimento-console/internal/service"
	"github.com/vendaflow/atendimento-console/pkg/logger"
)

// MessageHandler handles the per-conversation timeline endpoints. Each
// request acquires the caller's session, so state like the loaded window and
// the session-window anchor survives between calls.
type MessageHandler struct {
	sessions *service.SessionManager
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(sessions *service.SessionManager, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		sessions: sessions,
		logger:   log,
	}
}

// withSession resolves the caller's session for the conversation in the URL
// and releases it when the request is done.
func (h *MessageHandler) withSession(w http.ResponseWriter, r *http.Request, fn func(sess *service.Session, actorID string, role model.SenderKind)) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actorID := middleware.GetActorID(ctx)
	sess, err := h.sessions.Acquire(ctx, conversationID, actorID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	defer h.sessions.Release(conversationID, actorID)

	fn(sess, actorID, middleware.GetRole(ctx))
}

// Timeline handles GET /api/v1/conversations/:id/timeline
func (h *MessageHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(sess *service.Session, actorID string, role model.SenderKind) {
		writeJSON(w, http.StatusOK, sess.Timeline())
	})
}

// Send handles POST /api/v1/conversations/:id/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateSendRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.withSession(w, r, func(sess *service.Session, actorID string, role model.SenderKind) {
		msg, err := sess.Send(r.Context(), role, &req)
		if err != nil {
			if errors.Is(err, service.ErrStoreUnavailable) {
				writeError(w, http.StatusServiceUnavailable, "message not sent, try again")
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, &model.SendMessageResponse{Message: msg})
	})
}

// LoadOlder handles POST /api/v1/conversations/:id/messages/older
func (h *MessageHandler) LoadOlder(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(sess *service.Session, actorID string, role model.SenderKind) {
		resp, err := sess.LoadOlder(r.Context())
		if err != nil {
			h.logger.Error("failed to load older messages")
			writeError(w, http.StatusInternalServerError, "failed to load older messages")
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// MarkRead handles POST /api/v1/conversations/:id/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(sess *service.Session, actorID string, role model.SenderKind) {
		if err := sess.MarkRead(r.Context(), role, actorID); err != nil {
			h.logger.Error("failed to mark messages read")
			writeError(w, http.StatusInternalServerError, "failed to mark messages read")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"unread": sess.UnreadCount(role),
		})
	})
}

// Window handles GET /api/v1/conversations/:id/window
func (h *MessageHandler) Window(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(sess *service.Session, actorID string, role model.SenderKind) {
		writeJSON(w, http.StatusOK, sess.WindowState())
	})
}

// Presence handles GET /api/v1/conversations/:id/presence
func (h *MessageHandler) Presence(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(sess *service.Session, actorID string, role model.SenderKind) {
		writeJSON(w, http.StatusOK, sess.Presence())
	})
}

// typingRequest is the body of a typing signal.
type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// Typing handles POST /api/v1/conversations/:id/typing
func (h *MessageHandler) Typing(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.withSession(w, r, func(sess *service.Session, actorID string, role model.SenderKind) {
		if err := sess.SetTyping(actorID, role, req.IsTyping); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to publish typing signal")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
