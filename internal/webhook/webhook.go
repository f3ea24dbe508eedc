// Package webhook receives WhatsApp Cloud API callbacks: inbound customer
// messages and delivery-status updates for outbound ones.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vendaflow/atendimento-console/internal/model"
	"github.com/vendaflow/atendimento-console/internal/service"
	"github.com/vendaflow/atendimento-console/pkg/logger"
	"github.com/vendaflow/atendimento-console/pkg/metrics"
)

// inboundNamespace derives stable message IDs from WhatsApp message IDs, so
// a redelivered webhook collapses onto the record the first delivery wrote.
var inboundNamespace = uuid.MustParse("3f1c6a2e-9d74-4b08-8c35-1e5b0a9f7c22")

// statusScanWindow bounds how far back a delivery-status callback looks for
// the outbound message it refers to.
const statusScanWindow = 200

// Handler serves the Cloud API webhook endpoints.
type Handler struct {
	convs       *service.ConversationService
	store       service.MessageStore
	responder   *service.AIResponder
	verifyToken string
	logger      *logger.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(
	convs *service.ConversationService,
	store service.MessageStore,
	responder *service.AIResponder,
	verifyToken string,
	log *logger.Logger,
) *Handler {
	return &Handler{
		convs:       convs,
		store:       store,
		responder:   responder,
		verifyToken: verifyToken,
		logger:      log,
	}
}

// Payload is the Cloud API webhook envelope.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one business-account entry in a webhook delivery.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one field change inside an entry.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value carries the actual messages and statuses.
type Value struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []Contact        `json:"contacts,omitempty"`
	Messages         []InboundMessage `json:"messages,omitempty"`
	Statuses         []StatusUpdate   `json:"statuses,omitempty"`
}

// Contact maps a WhatsApp ID to a profile name.
type Contact struct {
	WaID    string  `json:"wa_id"`
	Profile Profile `json:"profile"`
}

// Profile is the sender's WhatsApp profile.
type Profile struct {
	Name string `json:"name"`
}

// InboundMessage is one customer message in a webhook delivery.
type InboundMessage struct {
	From      string    `json:"from"`
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *TextBody `json:"text,omitempty"`
	Image     *Media    `json:"image,omitempty"`
	Audio     *Media    `json:"audio,omitempty"`
	Document  *Media    `json:"document,omitempty"`
}

// TextBody is the text payload of an inbound message.
type TextBody struct {
	Body string `json:"body"`
}

// Media is an inbound media reference.
type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	Link     string `json:"link,omitempty"`
}

// StatusUpdate is a delivery-status callback for an outbound message.
type StatusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Verify handles GET: the Cloud API subscription handshake.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == h.verifyToken {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	h.logger.Warn("webhook verification rejected", zap.String("mode", q.Get("hub.mode")))
	http.Error(w, "verification failed", http.StatusForbidden)
}

// Receive handles POST: inbound messages and status updates.
//
// Always answers 200 once the payload parses. The Cloud API redelivers on
// non-2xx, and redeliveries already converge through ID derivation, so a
// partial failure is logged rather than surfaced.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				metrics.WebhookDeliveriesTotal.WithLabelValues("ignored").Inc()
				continue
			}
			for i := range change.Value.Messages {
				h.handleMessage(ctx, &change.Value, &change.Value.Messages[i])
			}
			for i := range change.Value.Statuses {
				h.handleStatus(ctx, &change.Value.Statuses[i])
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleMessage(ctx context.Context, value *Value, in *InboundMessage) {
	conv, err := h.convs.EnsureForCustomer(ctx, in.From, contactName(value.Contacts, in.From))
	if err != nil {
		h.logger.Error("failed to resolve conversation for inbound message",
			zap.Error(err), zap.String("customer_id", in.From))
		return
	}

	record := &model.Message{
		ID:             uuid.NewSHA1(inboundNamespace, []byte(in.ID)).String(),
		ConversationID: conv.ID,
		Sender:         model.SenderCustomer,
		Status:         model.StatusDelivered,
		ExternalID:     in.ID,
		CreatedAt:      parseTimestamp(in.Timestamp),
	}

	switch {
	case in.Text != nil:
		record.Body = in.Text.Body
	case in.Image != nil:
		record.Body = in.Image.Caption
		record.Attachment = &model.Attachment{URL: in.Image.Link, Kind: model.MediaImage}
	case in.Audio != nil:
		record.Attachment = &model.Attachment{URL: in.Audio.Link, Kind: model.MediaAudio}
	case in.Document != nil:
		record.Body = in.Document.Caption
		record.Attachment = &model.Attachment{
			URL:      in.Document.Link,
			Kind:     model.MediaDocument,
			Filename: in.Document.Filename,
		}
	default:
		h.logger.Debug("unsupported inbound message type", zap.String("type", in.Type))
		metrics.WebhookDeliveriesTotal.WithLabelValues("ignored").Inc()
		return
	}

	persisted, err := h.store.Append(ctx, record)
	if err != nil {
		h.logger.Error("failed to persist inbound message",
			zap.Error(err), zap.String("wamid", in.ID))
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("message").Inc()
	metrics.MessagesTotal.WithLabelValues(string(model.SenderCustomer)).Inc()

	if err := h.convs.TouchActivity(ctx, conv.ID, persisted.CreatedAt); err != nil {
		h.logger.Warn("failed to bump conversation activity", zap.Error(err))
	}

	if h.responder != nil {
		// Reply drafting must not hold up the webhook response.
		go h.responder.CustomerMessage(context.WithoutCancel(ctx), conv, persisted)
	}
}

// handleStatus applies a delivery-status callback to the outbound message it
// names. Transitions are forward-only; a stale or duplicate callback is a
// no-op.
func (h *Handler) handleStatus(ctx context.Context, status *StatusUpdate) {
	newStatus, ok := mapStatus(status.Status)
	if !ok {
		metrics.WebhookDeliveriesTotal.WithLabelValues("ignored").Inc()
		return
	}

	conv, err := h.convs.FindByCustomer(ctx, status.RecipientID)
	if err != nil {
		h.logger.Warn("failed to resolve conversation for status update", zap.Error(err))
		return
	}
	if conv == nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("ignored").Inc()
		return
	}

	page, err := h.store.Query(ctx, conv.ID, time.Time{}, statusScanWindow)
	if err != nil {
		h.logger.Warn("failed to scan for status target", zap.Error(err))
		return
	}
	var target *model.Message
	for i := range page {
		if page[i].ExternalID == status.ID {
			target = &page[i]
			break
		}
	}
	if target == nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("ignored").Inc()
		return
	}
	if model.StatusRank(newStatus) <= model.StatusRank(target.Status) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("ignored").Inc()
		return
	}

	ts := parseTimestamp(status.Timestamp)
	updated := *target
	updated.Status = newStatus
	switch newStatus {
	case model.StatusDelivered:
		if updated.DeliveredAt == nil {
			updated.DeliveredAt = &ts
		}
	case model.StatusRead:
		if updated.DeliveredAt == nil {
			updated.DeliveredAt = &ts
		}
		if updated.ReadAt == nil {
			updated.ReadAt = &ts
		}
	}

	if err := h.store.Update(ctx, &updated); err != nil {
		h.logger.Warn("failed to persist status update",
			zap.Error(err), zap.String("wamid", status.ID))
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("status").Inc()
}

func mapStatus(s string) (model.MessageStatus, bool) {
	switch s {
	case "sent":
		return model.StatusSent, true
	case "delivered":
		return model.StatusDelivered, true
	case "read":
		return model.StatusRead, true
	case "failed":
		return model.StatusFailed, true
	}
	return "", false
}

func contactName(contacts []Contact, waID string) string {
	for _, c := range contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	return ""
}

// parseTimestamp decodes the Cloud API's unix-seconds string, falling back
// to now for anything unparseable.
func parseTimestamp(ts string) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}
