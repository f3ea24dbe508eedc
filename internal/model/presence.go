package model

import (
	"time"
)

// TypingSignal is the ephemeral "who is typing" heartbeat for a conversation.
// It is never persisted; losing one on reconnect is harmless.
type TypingSignal struct {
	ConversationID string     `json:"conversation_id"`
	ActorID        string     `json:"actor_id"`
	Role           SenderKind `json:"role"`
	IsTyping       bool       `json:"is_typing"`
	At             time.Time  `json:"at"`
}

// PresenceState is a receiver-side view of who is active in a conversation.
// Entries expire when no refresh arrives within the typing timeout; there is
// no explicit "stopped typing" guarantee from senders.
type PresenceState struct {
	Actors map[string]ActorPresence `json:"actors"`
}

// ActorPresence is the last known signal for one actor.
type ActorPresence struct {
	Role       SenderKind `json:"role"`
	IsTyping   bool       `json:"is_typing"`
	LastSeenAt time.Time  `json:"last_seen_at"`
}
