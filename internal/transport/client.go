// Package transport provides outbound WhatsApp delivery clients.
//
// Transport failures are non-fatal to local message state: a message that
// persisted but failed to dispatch stays visible as "sent" with delivery
// fields unset, and is never rolled back. Callers must not retry
// automatically; manual resend is a UI concern.
package transport

import (
	"context"
	"fmt"
)

// SendResult is the transport-side identity of a dispatched message.
type SendResult struct {
	ExternalID string
}

// TextRequest dispatches a freeform text message.
type TextRequest struct {
	To   string // customer phone / JID
	Body string
}

// MediaRequest dispatches a media message with an optional caption.
type MediaRequest struct {
	To       string
	MediaURL string
	Kind     string // image, audio, document
	Filename string
	Caption  string
}

// Client is the interface for WhatsApp gateway providers.
type Client interface {
	// SendText dispatches a freeform text message.
	SendText(ctx context.Context, req *TextRequest) (*SendResult, error)

	// SendMedia dispatches a media message.
	SendMedia(ctx context.Context, req *MediaRequest) (*SendResult, error)

	// Name returns the provider name.
	Name() string
}

// Error is a transport-side failure. It never invalidates the locally
// persisted message.
type Error struct {
	Provider string
	Code     int
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s transport error (%d): %s", e.Provider, e.Code, e.Message)
}

// Provider is the type of WhatsApp gateway provider.
type Provider string

const (
	ProviderCloudAPI  Provider = "cloudapi"
	ProviderEvolution Provider = "evolution"
)

// CloudAPIConfig configures the Meta Cloud API client.
type CloudAPIConfig struct {
	BaseURL string
	Token   string
	PhoneID string
}

// EvolutionConfig configures the Evolution API client.
type EvolutionConfig struct {
	BaseURL  string
	APIKey   string
	Instance string
}

// NewClient creates a transport client based on provider.
func NewClient(provider Provider, cloud CloudAPIConfig, evo EvolutionConfig) (Client, error) {
	switch provider {
	case ProviderCloudAPI:
		return NewCloudAPIClient(cloud)
	case ProviderEvolution:
		return NewEvolutionClient(evo)
	default:
		return NewCloudAPIClient(cloud)
	}
}
