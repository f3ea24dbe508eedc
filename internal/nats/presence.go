package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/vendaflow/atendimento-console/internal/model"
	"github.com/vendaflow/atendimento-console/pkg/logger"
)

// PresenceSubjectPrefix is the prefix for presence/typing subjects.
const PresenceSubjectPrefix = "wa.presence"

// PresenceBroadcaster publishes and receives typing/heartbeat signals over
// core NATS. Nothing here touches JetStream: the signals are ephemeral,
// at-least-once, best-effort, and may be lost on reconnect without
// correctness impact. Receivers expire stale signals themselves.
type PresenceBroadcaster struct {
	client *Client
	logger *logger.Logger
}

// NewPresenceBroadcaster creates a presence broadcaster.
func NewPresenceBroadcaster(client *Client, log *logger.Logger) *PresenceBroadcaster {
	return &PresenceBroadcaster{client: client, logger: log}
}

// PresenceSubject returns the subject for one conversation's signals.
func PresenceSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s", PresenceSubjectPrefix, conversationID)
}

// SetTyping publishes a typing signal for an actor in a conversation.
func (p *PresenceBroadcaster) SetTyping(conversationID, actorID string, role model.SenderKind, isTyping bool) error {
	signal := model.TypingSignal{
		ConversationID: conversationID,
		ActorID:        actorID,
		Role:           role,
		IsTyping:       isTyping,
		At:             time.Now(),
	}

	data, err := json.Marshal(&signal)
	if err != nil {
		return fmt.Errorf("failed to marshal typing signal: %w", err)
	}
	if err := p.client.Conn().Publish(PresenceSubject(conversationID), data); err != nil {
		return fmt.Errorf("failed to publish typing signal: %w", err)
	}
	return nil
}

// PresenceSubscription delivers the typing signals of one conversation.
type PresenceSubscription struct {
	signals chan model.TypingSignal
	sub     *nats.Subscription
}

// Signals returns the channel of received signals.
func (s *PresenceSubscription) Signals() <-chan model.TypingSignal {
	return s.signals
}

// Close unsubscribes and stops delivery.
func (s *PresenceSubscription) Close() {
	s.sub.Unsubscribe()
}

// Subscribe starts receiving typing signals for a conversation. Signals for
// a slow receiver are dropped rather than buffered: a stale typing signal is
// worthless.
func (p *PresenceBroadcaster) Subscribe(conversationID string) (*PresenceSubscription, error) {
	out := &PresenceSubscription{signals: make(chan model.TypingSignal, 64)}

	sub, err := p.client.Conn().Subscribe(PresenceSubject(conversationID), func(raw *nats.Msg) {
		var signal model.TypingSignal
		if err := json.Unmarshal(raw.Data, &signal); err != nil {
			p.logger.Warn("skipping undecodable typing signal", zap.Error(err))
			return
		}
		select {
		case out.signals <- signal:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to presence: %w", err)
	}
	out.sub = sub

	return out, nil
}
