package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/vendaflow/atendimento-console/internal/model"
	"github.com/vendaflow/atendimento-console/pkg/logger"
)

const (
	// StreamName is the name of the messages stream.
	StreamName = "MESSAGES"

	// SubjectPrefix is the prefix for all message subjects.
	SubjectPrefix = "wa.msg"

	// dedupWindow suppresses duplicate appends carrying the same Nats-Msg-Id
	// (retried sends, webhook redeliveries inside the window).
	dedupWindow = 2 * time.Minute

	fetchBatchSize = 200
)

// MessageStore is the durable per-conversation message record set, backed by
// a JetStream stream with one subject per message.
//
// Subject layout: wa.msg.<conversation>.<sender>.<message-id>. The stream
// keeps at most one entry per subject, so re-publishing a message record is
// a field update: the previous revision is dropped and subscribers see the
// new one. Duplicate appends collapse onto the same subject instead of
// growing the stream, which makes Append idempotent by message ID even after
// the dedup window has passed.
type MessageStore struct {
	client *Client
	logger *logger.Logger
}

// NewMessageStore creates a message store on the given client.
func NewMessageStore(client *Client, log *logger.Logger) *MessageStore {
	return &MessageStore{client: client, logger: log}
}

// EnsureStream creates the messages stream if it does not exist yet.
func (s *MessageStore) EnsureStream(ctx context.Context) error {
	js := s.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil // stream already exists
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:              StreamName,
		Subjects:          []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            365 * 24 * time.Hour,
		MaxMsgsPerSubject: 1,
		Duplicates:        dedupWindow,
		Storage:           jetstream.FileStorage,
		Replicas:          1,
		Compression:       jetstream.S2Compression,
		Description:       "Conversation message records, one subject per message, latest revision wins",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// MessageSubject returns the subject holding one message record.
func MessageSubject(msg *model.Message) string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, msg.ConversationID, msg.Sender, msg.ID)
}

// ConversationFilter returns the filter subject for all messages of a
// conversation.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, conversationID)
}

// SenderFilter returns the filter subject for one sender kind within a
// conversation.
func SenderFilter(conversationID string, sender model.SenderKind) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, conversationID, sender)
}

// Append persists a message and returns the authoritative record. An empty
// ID gets a fresh time-ordered one; callers that need cross-retry
// idempotency supply a deterministic ID instead. Once Append returns, the
// record is visible to Query and to every live Subscribe listener.
func (s *MessageStore) Append(ctx context.Context, msg *model.Message) (*model.Message, error) {
	persisted := *msg
	if persisted.ID == "" {
		persisted.ID = uuid.Must(uuid.NewV7()).String()
	}
	persisted.Provisional = false
	if persisted.Status == "" || persisted.Status == model.StatusSending {
		persisted.Status = model.StatusSent
	}
	if persisted.CreatedAt.IsZero() {
		persisted.CreatedAt = time.Now()
	}

	data, err := json.Marshal(&persisted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := s.client.JetStream().Publish(ctx, MessageSubject(&persisted), data,
		jetstream.WithMsgID(persisted.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	persisted.Sequence = ack.Sequence

	return &persisted, nil
}

// Update re-publishes the full record of an already-persisted message. The
// stream drops the previous revision and notifies subscribers; downstream
// timelines treat it as a field update, not a new message.
func (s *MessageStore) Update(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("cannot update a message without an id")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// No msg-id header: an update is a deliberate re-publish and must not be
	// swallowed by the append dedup window.
	if _, err := s.client.JetStream().Publish(ctx, MessageSubject(msg), data); err != nil {
		return fmt.Errorf("failed to publish update: %w", err)
	}
	return nil
}

// Query returns up to limit messages created strictly before the given
// timestamp, oldest-first within the page. A zero timestamp means "newest
// page". The page is the newest limit messages among those older than
// before, which is what backward pagination wants.
func (s *MessageStore) Query(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	all, err := s.scan(ctx, ConversationFilter(conversationID))
	if err != nil {
		return nil, err
	}

	var eligible []model.Message
	for _, m := range all {
		if before.IsZero() || m.CreatedAt.Before(before) {
			eligible = append(eligible, m)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Before(&eligible[j])
	})

	if len(eligible) > limit {
		eligible = eligible[len(eligible)-limit:]
	}
	return eligible, nil
}

// TotalCount returns the number of distinct messages in a conversation.
// With one subject per message, that is the stream's subject count under the
// conversation filter.
func (s *MessageStore) TotalCount(ctx context.Context, conversationID string) (int, error) {
	stream, err := s.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return 0, fmt.Errorf("failed to look up stream: %w", err)
	}

	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(ConversationFilter(conversationID)))
	if err != nil {
		return 0, fmt.Errorf("failed to get stream info: %w", err)
	}
	return len(info.State.Subjects), nil
}

// LastCustomerMessage returns the most recent customer-sent message of a
// conversation, or nil if the customer never wrote. This is the dedicated
// session-window anchor query: it scans the full customer history of the
// conversation, never just the loaded page window.
func (s *MessageStore) LastCustomerMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	msgs, err := s.scan(ctx, SenderFilter(conversationID, model.SenderCustomer))
	if err != nil {
		return nil, err
	}

	var last *model.Message
	for i := range msgs {
		if last == nil || last.Before(&msgs[i]) {
			last = &msgs[i]
		}
	}
	if last == nil {
		return nil, nil
	}
	out := *last
	return &out, nil
}

// scan reads every stored record matching the filter through an ephemeral
// consumer. Revisions of the same message collapse to the newest one.
func (s *MessageStore) scan(ctx context.Context, filter string) ([]model.Message, error) {
	js := s.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: filter,
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer info: %w", err)
	}
	remaining := int(info.NumPending)

	byID := make(map[string]model.Message)
	for remaining > 0 {
		batchSize := fetchBatchSize
		if remaining < batchSize {
			batchSize = remaining
		}

		batch, err := consumer.Fetch(batchSize, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		got := 0
		for raw := range batch.Messages() {
			got++
			var msg model.Message
			if err := json.Unmarshal(raw.Data(), &msg); err != nil {
				s.logger.Warn("skipping undecodable record", zap.Error(err), zap.String("subject", raw.Subject()))
				continue
			}
			if meta, err := raw.Metadata(); err == nil {
				msg.Sequence = meta.Sequence.Stream
			}
			if prev, ok := byID[msg.ID]; !ok || msg.Sequence >= prev.Sequence {
				byID[msg.ID] = msg
			}
		}
		if batch.Error() != nil && batch.Error() != context.DeadlineExceeded {
			return nil, fmt.Errorf("batch error: %w", batch.Error())
		}
		if got == 0 {
			break
		}
		remaining -= got
	}

	out := make([]model.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	return out, nil
}

// StoreSubscription streams inserted and updated message records for one
// conversation from the live edge. Close it when the viewer leaves.
type StoreSubscription struct {
	events  chan model.Message
	consume jetstream.ConsumeContext
}

// Events returns the channel of store-change notifications. Delivery order
// across reconnects is not guaranteed; consumers must merge idempotently.
func (s *StoreSubscription) Events() <-chan model.Message {
	return s.events
}

// Close stops the subscription and releases its consumer.
func (s *StoreSubscription) Close() {
	s.consume.Stop()
}

// Subscribe opens a live store-change subscription for one conversation.
func (s *MessageStore) Subscribe(ctx context.Context, conversationID string) (*StoreSubscription, error) {
	js := s.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: ConversationFilter(conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription consumer: %w", err)
	}

	sub := &StoreSubscription{events: make(chan model.Message, 1024)}

	cc, err := consumer.Consume(func(raw jetstream.Msg) {
		var msg model.Message
		if err := json.Unmarshal(raw.Data(), &msg); err != nil {
			s.logger.Warn("skipping undecodable notification", zap.Error(err), zap.String("subject", raw.Subject()))
			return
		}
		if meta, err := raw.Metadata(); err == nil {
			msg.Sequence = meta.Sequence.Stream
		}
		sub.events <- msg
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	sub.consume = cc

	return sub, nil
}
