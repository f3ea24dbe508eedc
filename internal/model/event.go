package model

import (
	"time"
)

// EventType classifies an event pushed to viewer streams.
type EventType string

const (
	EventMessage EventType = "message" // inserted or updated timeline entry
	EventRemoved EventType = "removed" // provisional entry discarded after a failed send
	EventWindow  EventType = "window"  // session window opened or closed
	EventTyping  EventType = "typing"  // ephemeral presence signal
	EventError   EventType = "error"
)

// TimelineEvent is one event on a viewer's SSE stream.
type TimelineEvent struct {
	Type    EventType     `json:"type"`
	Message *Message      `json:"message,omitempty"`
	Window  *WindowState  `json:"window,omitempty"`
	Typing  *TypingSignal `json:"typing,omitempty"`
}

// ErrorEvent reports a stream-side failure to the viewer.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent keeps SSE connections alive through proxies.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
