package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vendaflow/atendimento-console/internal/llm"
	"github.com/vendaflow/atendimento-console/internal/model"
	"github.com/vendaflow/atendimento-console/internal/timeline"
	"github.com/vendaflow/atendimento-console/internal/transport"
	"github.com/vendaflow/atendimento-console/pkg/logger"
	"github.com/vendaflow/atendimento-console/pkg/metrics"
)

const aiSystemPrompt = `Você é um atendente de vendas pelo WhatsApp. Responda de forma curta,
cordial e objetiva, em português. Quando o cliente pedir orçamento ou quiser falar com uma
pessoa, diga que um vendedor vai assumir a conversa.`

const aiHistoryDepth = 20

// AIResponder drafts and sends replies while a conversation is in
// ai-handling. It runs outside any viewer session: replies go through the
// same store-then-transport path as human sends, and every open session
// picks them up through its subscription.
type AIResponder struct {
	convs     *ConversationService
	store     MessageStore
	transport transport.Client
	llm       llm.Client
	logger    *logger.Logger
}

// NewAIResponder creates an AI responder. A nil llm client disables it.
func NewAIResponder(
	convs *ConversationService,
	store MessageStore,
	tc transport.Client,
	client llm.Client,
	log *logger.Logger,
) *AIResponder {
	return &AIResponder{convs: convs, store: store, transport: tc, llm: client, logger: log}
}

// CustomerMessage handles a freshly appended customer message: if the
// conversation is ai-handling and the session window is open, draft a reply
// and send it as the AI.
func (r *AIResponder) CustomerMessage(ctx context.Context, conv *model.Conversation, msg *model.Message) {
	if r.llm == nil {
		return
	}
	if conv.Status != model.StatusAIHandling {
		metrics.AIRepliesTotal.WithLabelValues("skipped").Inc()
		return
	}

	// The triggering message is itself the window anchor; re-check through
	// the dedicated query anyway in case this delivery was stale.
	last, err := r.store.LastCustomerMessage(ctx, conv.ID)
	if err != nil {
		r.logger.Warn("responder could not resolve window anchor", zap.Error(err))
		metrics.AIRepliesTotal.WithLabelValues("failed").Inc()
		return
	}
	var anchor *time.Time
	if last != nil {
		anchor = &last.CreatedAt
	}
	if !timeline.EvaluateWindow(anchor, time.Now()).IsOpen {
		metrics.AIRepliesTotal.WithLabelValues("skipped").Inc()
		return
	}

	history, err := r.store.Query(ctx, conv.ID, time.Time{}, aiHistoryDepth)
	if err != nil {
		r.logger.Warn("responder could not load history", zap.Error(err))
		metrics.AIRepliesTotal.WithLabelValues("failed").Inc()
		return
	}

	resp, err := r.llm.Complete(ctx, &llm.CompletionRequest{
		System:   aiSystemPrompt,
		Messages: toChatHistory(history),
	})
	if err != nil {
		r.logger.Warn("reply drafting failed", zap.Error(err))
		metrics.AIRepliesTotal.WithLabelValues("failed").Inc()
		return
	}
	body := strings.TrimSpace(resp.Content)
	if body == "" {
		metrics.AIRepliesTotal.WithLabelValues("skipped").Inc()
		return
	}

	reply := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Sender:         model.SenderAI,
		Body:           body,
		Status:         model.StatusSent,
		CreatedAt:      time.Now(),
	}
	persisted, err := r.store.Append(ctx, reply)
	if err != nil {
		r.logger.Warn("failed to persist AI reply", zap.Error(err))
		metrics.AIRepliesTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(model.SenderAI)).Inc()

	result, err := r.transport.SendText(ctx, &transport.TextRequest{
		To:   conv.CustomerID,
		Body: body,
	})
	if err != nil {
		// Same rule as human sends: persisted but undelivered stays "sent".
		r.logger.Warn("AI reply dispatch failed, message stays sent", zap.Error(err))
		metrics.AIRepliesTotal.WithLabelValues("sent").Inc()
		return
	}

	persisted.ExternalID = result.ExternalID
	if err := r.store.Update(ctx, persisted); err != nil {
		r.logger.Warn("failed to record AI reply external id", zap.Error(err))
	}
	metrics.AIRepliesTotal.WithLabelValues("sent").Inc()
}

// toChatHistory maps timeline messages to LLM turns: the customer is the
// user, everyone on our side collapses to the assistant.
func toChatHistory(history []model.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history))
	for i := range history {
		msg := &history[i]
		if msg.Body == "" {
			continue
		}
		role := "assistant"
		if msg.Sender == model.SenderCustomer {
			role = "user"
		}
		out = append(out, llm.ChatMessage{Role: role, Content: msg.Body})
	}
	return out
}
