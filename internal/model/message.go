package model

import (
	"time"
)

// SenderKind identifies who authored a message.
type SenderKind string

const (
	SenderAI         SenderKind = "ai"
	SenderCustomer   SenderKind = "customer"
	SenderAgent      SenderKind = "agent"
	SenderSupervisor SenderKind = "supervisor"
)

// MessageStatus is the local lifecycle of an outbound message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// StatusRank orders message statuses for forward-only transitions. Failed
// is terminal and outranks everything so a failure is never masked by a
// stale notification.
func StatusRank(s MessageStatus) int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	}
	return -1
}

// MediaKind is the attachment media type.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Attachment is an optional media payload on a message. Encoding and
// compression happen upstream; only the ready-to-send reference is stored.
type Attachment struct {
	URL      string    `json:"url"`
	Kind     MediaKind `json:"kind"`
	Filename string    `json:"filename,omitempty"`
}

// Message is one entry in a conversation timeline.
//
// A message is either persisted (authoritative, ID assigned at append time)
// or provisional (optimistic local copy awaiting persistence). Provisional is
// an explicit tag, never an ID naming convention.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Content
	Sender     SenderKind  `json:"sender"`
	Body       string      `json:"body"`
	Attachment *Attachment `json:"attachment,omitempty"`

	// Lifecycle
	Status      MessageStatus `json:"status"`
	Provisional bool          `json:"provisional,omitempty"`

	// WhatsApp-side identity, set once the transport confirms.
	ExternalID string `json:"external_id,omitempty"`

	// Timestamps. DeliveredAt/ReadAt are monotonic: read implies delivered
	// implies sent, and none of them ever move backward.
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	ReadBy      string     `json:"read_by,omitempty"`

	// JetStream metadata, populated on read.
	Sequence uint64 `json:"sequence,omitempty"`
}

// Before reports whether m sorts before other in the timeline total order:
// creation timestamp first, ID as the tie-break.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// SendMessageRequest is the request to send an outbound message.
type SendMessageRequest struct {
	Body       string      `json:"body"`
	Attachment *Attachment `json:"attachment,omitempty"`

	// ClientRef is an optional caller-supplied idempotency key. Two sends
	// with the same ref for the same conversation persist once.
	ClientRef string `json:"client_ref,omitempty"`
}

// SendMessageResponse is the response after a send is persisted.
type SendMessageResponse struct {
	Message *Message `json:"message"`
}

// TimelineResponse is the currently loaded window of a conversation.
type TimelineResponse struct {
	Messages    []Message   `json:"messages"`
	HasMore     bool        `json:"has_more"`
	WindowState WindowState `json:"window_state"`
}

// LoadOlderResponse reports the outcome of a backfill request.
type LoadOlderResponse struct {
	Appended int  `json:"appended"`
	HasMore  bool `json:"has_more"`
}
