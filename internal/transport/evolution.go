package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vendaflow/atendimento-console/pkg/metrics"
)

// EvolutionClient sends messages through an Evolution API instance, the
// unofficial gateway used when no Cloud API number is provisioned.
type EvolutionClient struct {
	http     *resty.Client
	instance string
}

// NewEvolutionClient creates a new Evolution API client.
func NewEvolutionClient(cfg EvolutionConfig) (*EvolutionClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Evolution API key is required")
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(20 * time.Second).
		SetHeader("apikey", cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &EvolutionClient{http: client, instance: cfg.Instance}, nil
}

// Name returns the provider name.
func (c *EvolutionClient) Name() string {
	return string(ProviderEvolution)
}

type evolutionTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type evolutionMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	FileName  string `json:"fileName,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

type evolutionResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Message string `json:"message"`
}

// SendText dispatches a freeform text message.
func (c *EvolutionClient) SendText(ctx context.Context, req *TextRequest) (*SendResult, error) {
	return c.dispatch(ctx, fmt.Sprintf("/message/sendText/%s", c.instance), &evolutionTextRequest{
		Number: req.To,
		Text:   req.Body,
	})
}

// SendMedia dispatches a media message.
func (c *EvolutionClient) SendMedia(ctx context.Context, req *MediaRequest) (*SendResult, error) {
	return c.dispatch(ctx, fmt.Sprintf("/message/sendMedia/%s", c.instance), &evolutionMediaRequest{
		Number:    req.To,
		MediaType: req.Kind,
		Media:     req.MediaURL,
		FileName:  req.Filename,
		Caption:   req.Caption,
	})
}

func (c *EvolutionClient) dispatch(ctx context.Context, path string, payload interface{}) (*SendResult, error) {
	start := time.Now()

	var out evolutionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		SetError(&out).
		ForceContentType("application/json").
		Post(path)
	if err != nil {
		metrics.RecordTransport(c.Name(), "error", time.Since(start).Seconds())
		return nil, &Error{Provider: c.Name(), Message: err.Error()}
	}

	if resp.IsError() {
		metrics.RecordTransport(c.Name(), "error", time.Since(start).Seconds())
		msg := resp.Status()
		if out.Message != "" {
			msg = out.Message
		}
		return nil, &Error{Provider: c.Name(), Code: resp.StatusCode(), Message: msg}
	}

	metrics.RecordTransport(c.Name(), "ok", time.Since(start).Seconds())

	if out.Key.ID == "" {
		return nil, &Error{Provider: c.Name(), Code: resp.StatusCode(), Message: "response carried no message id"}
	}
	return &SendResult{ExternalID: out.Key.ID}, nil
}
