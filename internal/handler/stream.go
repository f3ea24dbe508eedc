package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vendaflow/atendimento-console/internal/middleware"
	"github.com/vendaflow/atendimento-console/internal/model"
	"github.com/vendaflow/atendimento-console/internal/service"
	"github.com/vendaflow/atendimento-console/pkg/logger"
	"github.com/vendaflow/atendimento-console/pkg/metrics"
)

// StreamHandler handles the SSE streaming endpoint.
type StreamHandler struct {
	sessions *service.SessionManager
	logger   *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sessions *service.SessionManager, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		sessions: sessions,
		logger:   log,
	}
}

// ReplayCompleteEvent marks the end of the timeline replay: everything after
// it is live.
type ReplayCompleteEvent struct {
	MessageCount int               `json:"message_count"`
	HasMore      bool              `json:"has_more"`
	WindowState  model.WindowState `json:"window_state"`
}

// Stream handles GET /api/v1/conversations/:id/stream
//
// The stream replays the currently loaded timeline window first, then
// switches to live events. A client that missed events (dropped connection,
// slow consumer) reconnects and replays; the replay is the recovery
// mechanism, so live events carry no delivery guarantee of their own.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	done := ctx.Done()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conversationID,
	})

	// Replay the loaded window. The snapshot is taken after the session
	// subscribed, so anything not in it will arrive as a live event.
	snapshot := sess.Timeline()
	for i := range snapshot.Messages {
		select {
		case <-done:
			return
		default:
		}
		sendSSEEvent(w, flusher, string(model.EventMessage), &snapshot.Messages[i])
	}

	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		MessageCount: len(snapshot.Messages),
		HasMore:      snapshot.HasMore,
		WindowState:  snapshot.WindowState,
	})

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.logger.Info("SSE client disconnected",
				zap.String("conversation_id", conversationID),
				zap.String("actor_id", actorID))
			return

		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, string(ev.Type), eventPayload(&ev))

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

// eventPayload picks the populated branch of a timeline event.
func eventPayload(ev *model.TimelineEvent) interface{} {
	switch {
	case ev.Message != nil:
		return ev.Message
	case ev.Window != nil:
		return ev.Window
	case ev.Typing != nil:
		return ev.Typing
	}
	return ev
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
