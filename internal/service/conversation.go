package service

import (
	"context"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vendaflow/atendimento-console/internal/model"
	"github.com/vendaflow/atendimento-console/pkg/logger"
)

// unreadScanWindow bounds how many recent messages the list-view unread
// count inspects. Counting is windowed rather than scanning back to the
// start of history; anything older was read long ago or is noise.
const unreadScanWindow = 100

// ConversationService manages conversation (atendimento) records.
type ConversationService struct {
	convs  ConversationStore
	store  MessageStore
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(convs ConversationStore, store MessageStore, log *logger.Logger) *ConversationService {
	return &ConversationService{convs: convs, store: store, logger: log}
}

// Get retrieves a conversation by ID.
func (s *ConversationService) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return s.convs.Get(ctx, id)
}

// FindByCustomer returns the open (non-closed) conversation for a customer,
// or nil when the customer has none.
func (s *ConversationService) FindByCustomer(ctx context.Context, customerID string) (*model.Conversation, error) {
	all, err := s.convs.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		c := &all[i]
		if c.CustomerID == customerID && c.Status != model.StatusClosed {
			return c, nil
		}
	}
	return nil, nil
}

// EnsureForCustomer returns the open conversation for a customer, creating
// one in ai-handling if none exists. Used by the webhook path so a first
// contact always lands somewhere.
func (s *ConversationService) EnsureForCustomer(ctx context.Context, customerID, customerName string) (*model.Conversation, error) {
	if existing, err := s.FindByCustomer(ctx, customerID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:             uuid.Must(uuid.NewV7()).String(),
		CustomerID:     customerID,
		CustomerName:   customerName,
		Status:         model.StatusAIHandling,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.convs.Put(ctx, conv); err != nil {
		return nil, err
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("customer_id", customerID),
	)
	return conv, nil
}

// Update applies status / assignment / name changes.
func (s *ConversationService) Update(ctx context.Context, id string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	conv, err := s.convs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Status != "" {
		if !model.ValidConversationStatus(req.Status) {
			return nil, fmt.Errorf("unknown conversation status %q", req.Status)
		}
		conv.Status = req.Status
	}
	if req.AssignedAgentID != "" {
		conv.AssignedAgentID = req.AssignedAgentID
	}
	if req.CustomerName != "" {
		conv.CustomerName = req.CustomerName
	}

	if err := s.convs.Put(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// TouchActivity bumps a conversation's last-activity time. Message arrival
// calls this; losing the race between two concurrent bumps is harmless.
func (s *ConversationService) TouchActivity(ctx context.Context, id string, at time.Time) error {
	conv, err := s.convs.Get(ctx, id)
	if err != nil {
		return err
	}
	if at.After(conv.LastActivityAt) {
		conv.LastActivityAt = at
		return s.convs.Put(ctx, conv)
	}
	return nil
}

// UnreadCount counts unread messages for a viewer role without loading the
// conversation into a session: a read-only projection over the newest
// unreadScanWindow store records, for list views.
func (s *ConversationService) UnreadCount(ctx context.Context, conversationID string, viewerRole model.SenderKind) (int, error) {
	page, err := s.store.Query(ctx, conversationID, time.Time{}, unreadScanWindow)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range page {
		if page[i].Sender != viewerRole && page[i].ReadAt == nil {
			n++
		}
	}
	return n, nil
}

// List returns all conversations as list-view summaries, most recent
// activity first, with per-viewer unread counts and last message previews.
func (s *ConversationService) List(ctx context.Context, viewerRole model.SenderKind) (*model.ListConversationsResponse, error) {
	all, err := s.convs.List(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]model.ConversationSummary, 0, len(all))
	for i := range all {
		conv := all[i]

		summary := model.ConversationSummary{Conversation: conv}

		unread, err := s.UnreadCount(ctx, conv.ID, viewerRole)
		if err != nil {
			s.logger.Warn("failed to count unread", zap.Error(err), zap.String("conversation_id", conv.ID))
		} else {
			summary.UnreadCount = unread
		}

		if last, err := s.store.Query(ctx, conv.ID, time.Time{}, 1); err == nil && len(last) > 0 {
			summary.LastMessagePreview = preview(&last[0])
			summary.LastMessageAt = last[0].CreatedAt
		}

		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivityAt.After(summaries[j].LastActivityAt)
	})

	return &model.ListConversationsResponse{
		Conversations: summaries,
		Total:         len(summaries),
	}, nil
}

func preview(msg *model.Message) string {
	if msg.Body != "" {
		// Truncate on a rune boundary so accented text is never cut
		// mid-sequence.
		body := msg.Body
		if utf8.RuneCountInString(body) > 80 {
			runes := []rune(body)
			body = string(runes[:80])
		}
		return body
	}
	if msg.Attachment != nil {
		return "[" + string(msg.Attachment.Kind) + "]"
	}
	return ""
}
