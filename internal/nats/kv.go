package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/vendaflow/atendimento-console/internal/model"
)

// BucketName is the KV bucket holding conversation records.
const BucketName = "ATENDIMENTOS"

// ErrConversationNotFound is returned when a conversation ID is unknown.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationBucket persists conversation records in a JetStream KV bucket
// keyed by conversation ID.
type ConversationBucket struct {
	kv jetstream.KeyValue
}

// NewConversationBucket creates (or binds to) the conversations bucket.
func NewConversationBucket(ctx context.Context, client *Client) (*ConversationBucket, error) {
	kv, err := client.JetStream().CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketName,
		Description: "Conversation (atendimento) records",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversations bucket: %w", err)
	}
	return &ConversationBucket{kv: kv}, nil
}

// Put stores a conversation record.
func (b *ConversationBucket) Put(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := b.kv.Put(ctx, conv.ID, data); err != nil {
		return fmt.Errorf("failed to store conversation: %w", err)
	}
	return nil
}

// Get retrieves a conversation by ID.
func (b *ConversationBucket) Get(ctx context.Context, id string) (*model.Conversation, error) {
	entry, err := b.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

// List returns all stored conversations.
func (b *ConversationBucket) List(ctx context.Context) ([]model.Conversation, error) {
	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation keys: %w", err)
	}

	var out []model.Conversation
	for key := range lister.Keys() {
		conv, err := b.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrConversationNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, nil
}
