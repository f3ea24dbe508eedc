// Package service provides business logic for the sales console: the
// per-viewer conversation sessions (optimistic send, backfill, read
// tracking, window policy), the conversation registry, and the AI responder.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/vendaflow/atendimento-console/internal/model"
)

// ErrStoreUnavailable wraps transient persistence failures. Callers may
// retry the same send unchanged; the provisional copy has already been
// discarded.
var ErrStoreUnavailable = errors.New("message store unavailable")

// Subscription is a live store-change feed for one conversation.
type Subscription interface {
	// Events delivers inserted and updated message records. Order across
	// reconnects is not guaranteed; consumers merge idempotently.
	Events() <-chan model.Message
	Close()
}

// MessageStore is the durable per-conversation message record set the
// engine builds on. Append is idempotent by message ID, and once it returns
// the record is visible to Query and to all subscribers (read-your-writes).
type MessageStore interface {
	Append(ctx context.Context, msg *model.Message) (*model.Message, error)
	Update(ctx context.Context, msg *model.Message) error

	// Query returns up to limit messages created strictly before the given
	// time (zero time means newest page), oldest-first within the page.
	Query(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error)
	TotalCount(ctx context.Context, conversationID string) (int, error)

	// LastCustomerMessage is the dedicated session-window anchor query. It
	// must consider the full conversation history, not a loaded page.
	LastCustomerMessage(ctx context.Context, conversationID string) (*model.Message, error)

	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
}

// ConversationStore persists conversation records.
type ConversationStore interface {
	Put(ctx context.Context, conv *model.Conversation) error
	Get(ctx context.Context, id string) (*model.Conversation, error)
	List(ctx context.Context) ([]model.Conversation, error)
}

// PresenceSubscription delivers typing signals for one conversation.
type PresenceSubscription interface {
	Signals() <-chan model.TypingSignal
	Close()
}

// Presence is the ephemeral typing/heartbeat side-channel.
type Presence interface {
	SetTyping(conversationID, actorID string, role model.SenderKind, isTyping bool) error
	Subscribe(conversationID string) (PresenceSubscription, error)
}
