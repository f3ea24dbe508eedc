// Package model defines data structures for the sales console.
package model

import (
	"time"
)

// ConversationStatus is the lifecycle stage of an atendimento.
type ConversationStatus string

const (
	StatusAIHandling       ConversationStatus = "ai-handling"
	StatusAwaitingCustomer ConversationStatus = "awaiting-customer"
	StatusAgentIntervening ConversationStatus = "agent-intervening"
	StatusAwaitingQuote    ConversationStatus = "awaiting-quote"
	StatusAwaitingClose    ConversationStatus = "awaiting-close"
	StatusClosed           ConversationStatus = "closed"
)

// ValidConversationStatus reports whether s is a known lifecycle stage.
func ValidConversationStatus(s ConversationStatus) bool {
	switch s {
	case StatusAIHandling, StatusAwaitingCustomer, StatusAgentIntervening,
		StatusAwaitingQuote, StatusAwaitingClose, StatusClosed:
		return true
	}
	return false
}

// Conversation is one customer thread (atendimento).
type Conversation struct {
	ID              string             `json:"id"`
	CustomerID      string             `json:"customer_id"` // WhatsApp phone / JID
	CustomerName    string             `json:"customer_name,omitempty"`
	AssignedAgentID string             `json:"assigned_agent_id,omitempty"`
	Status          ConversationStatus `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	LastActivityAt  time.Time          `json:"last_activity_at"`
}

// ConversationSummary is the list-view projection of a conversation:
// enough to render a chat list row without loading the timeline.
type ConversationSummary struct {
	Conversation
	UnreadCount        int       `json:"unread_count"`
	LastMessagePreview string    `json:"last_message_preview,omitempty"`
	LastMessageAt      time.Time `json:"last_message_at,omitempty"`
}

// UpdateConversationRequest changes mutable conversation fields.
type UpdateConversationRequest struct {
	Status          ConversationStatus `json:"status,omitempty"`
	AssignedAgentID string             `json:"assigned_agent_id,omitempty"`
	CustomerName    string             `json:"customer_name,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}
