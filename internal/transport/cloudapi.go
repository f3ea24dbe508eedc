package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vendaflow/atendimento-console/pkg/metrics"
)

// CloudAPIClient sends messages through the Meta WhatsApp Cloud API.
type CloudAPIClient struct {
	http    *resty.Client
	phoneID string
}

// NewCloudAPIClient creates a new Cloud API client.
func NewCloudAPIClient(cfg CloudAPIConfig) (*CloudAPIClient, error) {
	if cfg.Token == "" {
		return nil, errors.New("Cloud API token is required")
	}
	if cfg.PhoneID == "" {
		return nil, errors.New("Cloud API phone number ID is required")
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(20 * time.Second).
		SetAuthToken(cfg.Token).
		SetHeader("Content-Type", "application/json")

	return &CloudAPIClient{http: client, phoneID: cfg.PhoneID}, nil
}

// Name returns the provider name.
func (c *CloudAPIClient) Name() string {
	return string(ProviderCloudAPI)
}

type cloudAPIText struct {
	Body string `json:"body"`
}

type cloudAPIMedia struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type cloudAPIRequest struct {
	MessagingProduct string         `json:"messaging_product"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Text             *cloudAPIText  `json:"text,omitempty"`
	Image            *cloudAPIMedia `json:"image,omitempty"`
	Audio            *cloudAPIMedia `json:"audio,omitempty"`
	Document         *cloudAPIMedia `json:"document,omitempty"`
}

type cloudAPIResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText dispatches a freeform text message.
func (c *CloudAPIClient) SendText(ctx context.Context, req *TextRequest) (*SendResult, error) {
	return c.dispatch(ctx, &cloudAPIRequest{
		MessagingProduct: "whatsapp",
		To:               req.To,
		Type:             "text",
		Text:             &cloudAPIText{Body: req.Body},
	})
}

// SendMedia dispatches a media message.
func (c *CloudAPIClient) SendMedia(ctx context.Context, req *MediaRequest) (*SendResult, error) {
	payload := &cloudAPIRequest{
		MessagingProduct: "whatsapp",
		To:               req.To,
		Type:             req.Kind,
	}
	media := &cloudAPIMedia{Link: req.MediaURL, Caption: req.Caption, Filename: req.Filename}
	switch req.Kind {
	case "image":
		payload.Image = media
	case "audio":
		media.Filename = ""
		media.Caption = ""
		payload.Audio = media
	case "document":
		payload.Document = media
	default:
		return nil, fmt.Errorf("unsupported media kind %q", req.Kind)
	}
	return c.dispatch(ctx, payload)
}

func (c *CloudAPIClient) dispatch(ctx context.Context, payload *cloudAPIRequest) (*SendResult, error) {
	start := time.Now()

	var out cloudAPIResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		SetError(&out).
		// Some gateways answer JSON without the content-type header; the
		// body must still unmarshal or the message id is lost.
		ForceContentType("application/json").
		Post(fmt.Sprintf("/%s/messages", c.phoneID))
	if err != nil {
		metrics.RecordTransport(c.Name(), "error", time.Since(start).Seconds())
		return nil, &Error{Provider: c.Name(), Message: err.Error()}
	}

	if resp.IsError() {
		metrics.RecordTransport(c.Name(), "error", time.Since(start).Seconds())
		msg := resp.Status()
		if out.Error != nil {
			msg = out.Error.Message
		}
		return nil, &Error{Provider: c.Name(), Code: resp.StatusCode(), Message: msg}
	}

	metrics.RecordTransport(c.Name(), "ok", time.Since(start).Seconds())

	if len(out.Messages) == 0 {
		return nil, &Error{Provider: c.Name(), Code: resp.StatusCode(), Message: "response carried no message id"}
	}
	return &SendResult{ExternalID: out.Messages[0].ID}, nil
}
