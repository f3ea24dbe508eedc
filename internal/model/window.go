package model

import (
	"time"
)

// SessionWindowHours is how long the WhatsApp session window stays open
// after the last customer-initiated message.
const SessionWindowHours = 24

// WindowState is the derived 24-hour session-window state of a conversation.
// It is recomputed from message history, never stored.
type WindowState struct {
	IsOpen                bool       `json:"is_open"`
	LastCustomerMessageAt *time.Time `json:"last_customer_message_at"`
	HoursSinceLast        float64    `json:"hours_since_last"`
}
