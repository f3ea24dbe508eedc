package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vendaflow/atendimento-console/internal/model"
	"github.com/vendaflow/atendimento-console/internal/timeline"
	"github.com/vendaflow/atendimento-console/internal/transport"
	"github.com/vendaflow/atendimento-console/pkg/logger"
	"github.com/vendaflow/atendimento-console/pkg/metrics"
)

// sendNamespace derives deterministic message IDs from client-supplied
// idempotency keys, so a retried send maps to the same stored record.
var sendNamespace = uuid.MustParse("8a9d49d4-5ba0-43e2-a9b1-6f2c5a7e0d41")

// SessionConfig tunes a conversation session.
type SessionConfig struct {
	PageSize       int
	WindowInterval time.Duration
	SendRetries    int
	SendRetryDelay time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.WindowInterval <= 0 {
		c.WindowInterval = time.Minute
	}
	if c.SendRetries <= 0 {
		c.SendRetries = 3
	}
	if c.SendRetryDelay <= 0 {
		c.SendRetryDelay = 200 * time.Millisecond
	}
	return c
}

// Session is one viewer's live view of a conversation: an in-memory ordered
// timeline kept consistent with the store by subscription, plus the send,
// backfill, read-tracking, and window-policy operations defined over it.
//
// Each open viewer (salesperson tab, supervisor tab) runs its own session.
// Sessions never share timeline state; two sessions converge because store
// events are merged idempotently, not because they synchronize.
type Session struct {
	conv      *model.Conversation
	store     MessageStore
	transport transport.Client
	presence  Presence
	logger    *logger.Logger
	cfg       SessionConfig

	mu             sync.Mutex
	tl             *timeline.Timeline
	lastCustomerAt *time.Time
	totalCount     int
	windowOpen     bool
	presenceView   map[string]model.ActorPresence

	events     chan model.TimelineEvent
	sub        Subscription
	psub       PresenceSubscription
	done       chan struct{}
	closeOnce  sync.Once
	dispatches sync.WaitGroup
}

// OpenSession loads the newest page of a conversation, seeds the session
// window anchor from the dedicated store query, and starts following live
// store changes. Close the session when the viewer leaves.
func OpenSession(
	ctx context.Context,
	conv *model.Conversation,
	store MessageStore,
	tc transport.Client,
	presence Presence,
	log *logger.Logger,
	cfg SessionConfig,
) (*Session, error) {
	cfg = cfg.withDefaults()

	s := &Session{
		conv:         conv,
		store:        store,
		transport:    tc,
		presence:     presence,
		logger:       log.WithConversation(conv.ID),
		cfg:          cfg,
		tl:           timeline.New(conv.ID),
		presenceView: make(map[string]model.ActorPresence),
		events:       make(chan model.TimelineEvent, 256),
		done:         make(chan struct{}),
	}

	// Subscribe before the initial page load so nothing lands in the gap;
	// overlap is harmless because ingest dedups by ID.
	sub, err := store.Subscribe(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	s.sub = sub

	psub, err := presence.Subscribe(conv.ID)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to presence: %w", err)
	}
	s.psub = psub

	page, err := store.Query(ctx, conv.ID, time.Time{}, cfg.PageSize)
	if err != nil {
		s.teardown()
		return nil, fmt.Errorf("failed to load newest page: %w", err)
	}
	for i := range page {
		s.tl.Ingest(&page[i])
	}

	total, err := store.TotalCount(ctx, conv.ID)
	if err != nil {
		s.teardown()
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	s.totalCount = total

	last, err := store.LastCustomerMessage(ctx, conv.ID)
	if err != nil {
		s.teardown()
		return nil, fmt.Errorf("failed to find window anchor: %w", err)
	}
	if last != nil {
		ts := last.CreatedAt
		s.lastCustomerAt = &ts
	}
	s.windowOpen = timeline.EvaluateWindow(s.lastCustomerAt, time.Now()).IsOpen

	metrics.SessionsActive.Inc()
	go s.run()

	return s, nil
}

// Conversation returns the conversation this session views.
func (s *Session) Conversation() *model.Conversation {
	return s.conv
}

// Events returns the stream of timeline/window/typing events for this
// viewer. Events for a slow consumer are dropped; reconnecting and
// replaying the timeline recovers them.
func (s *Session) Events() <-chan model.TimelineEvent {
	return s.events
}

// Close stops the session and its subscriptions.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.dispatches.Wait()
		s.teardown()
		metrics.SessionsActive.Dec()
	})
}

func (s *Session) teardown() {
	if s.sub != nil {
		s.sub.Close()
	}
	if s.psub != nil {
		s.psub.Close()
	}
}

// Timeline returns the loaded window of the timeline plus whether older
// pages remain.
func (s *Session) Timeline() *model.TimelineResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &model.TimelineResponse{
		Messages:    s.tl.Snapshot(),
		HasMore:     s.tl.PersistedLen() < s.totalCount,
		WindowState: timeline.EvaluateWindow(s.lastCustomerAt, time.Now()),
	}
}

// WindowState recomputes the session-window state now.
func (s *Session) WindowState() model.WindowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return timeline.EvaluateWindow(s.lastCustomerAt, time.Now())
}

// UnreadCount is a read-only projection over the loaded timeline.
func (s *Session) UnreadCount(viewerRole model.SenderKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tl.UnreadCount(viewerRole)
}

// SetTyping publishes this viewer's typing signal.
func (s *Session) SetTyping(actorID string, role model.SenderKind, isTyping bool) error {
	return s.presence.SetTyping(s.conv.ID, actorID, role, isTyping)
}

// typingTTL is how long a typing signal stays visible without a refresh.
// Senders give no stopped-typing guarantee; expiry is the receiver's job.
const typingTTL = 6 * time.Second

// Presence returns who is currently typing in the conversation. Stale
// entries are expired lazily at read time.
func (s *Session) Presence() model.PresenceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := model.PresenceState{Actors: make(map[string]model.ActorPresence)}
	for id, p := range s.presenceView {
		if time.Since(p.LastSeenAt) > typingTTL {
			delete(s.presenceView, id)
			continue
		}
		out.Actors[id] = p
	}
	return out
}

// Send runs the optimistic send pipeline.
//
// The provisional copy is ingested synchronously, so the message is visible
// before any network round trip. Persistence happens with bounded retries;
// exhausted retries discard the provisional copy and surface
// ErrStoreUnavailable, leaving the caller's input unchanged for a resend.
// Outbound WhatsApp dispatch is fire-and-forget: once persisted the message
// is "sent" from the viewer's perspective, and a transport failure leaves
// it that way with delivery fields unset rather than rolling anything back.
func (s *Session) Send(ctx context.Context, sender model.SenderKind, req *model.SendMessageRequest) (*model.Message, error) {
	if req.Body == "" && req.Attachment == nil {
		return nil, errors.New("message needs a body or an attachment")
	}

	now := time.Now()
	provisional := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: s.conv.ID,
		Sender:         sender,
		Body:           req.Body,
		Attachment:     req.Attachment,
		Status:         model.StatusSending,
		Provisional:    true,
		CreatedAt:      now,
	}

	s.mu.Lock()
	s.tl.Ingest(provisional)
	s.mu.Unlock()
	s.emitMessage(provisional)

	record := &model.Message{
		ConversationID: s.conv.ID,
		Sender:         sender,
		Body:           req.Body,
		Attachment:     req.Attachment,
		Status:         model.StatusSent,
		CreatedAt:      now,
	}
	// The ID is fixed before the first append attempt so every retry targets
	// the same subject and dedup id. A lost ack (append landed, error came
	// back) then collapses on the server instead of persisting twice.
	if req.ClientRef != "" {
		record.ID = uuid.NewSHA1(sendNamespace, []byte(s.conv.ID+"/"+req.ClientRef)).String()
	} else {
		record.ID = uuid.Must(uuid.NewV7()).String()
	}

	persisted, err := s.appendWithRetry(ctx, record)
	if err != nil {
		s.mu.Lock()
		s.tl.DiscardProvisional(provisional.ID)
		s.mu.Unlock()
		s.emit(model.TimelineEvent{Type: model.EventRemoved, Message: provisional})

		metrics.SendsTotal.WithLabelValues("store_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	inserted := !s.tl.Has(persisted.ID)
	s.tl.ReplaceProvisional(provisional.ID, persisted)
	if inserted {
		s.totalCount++
	}
	s.mu.Unlock()
	s.emit(model.TimelineEvent{Type: model.EventRemoved, Message: provisional})
	s.emitMessage(persisted)

	metrics.SendsTotal.WithLabelValues("persisted").Inc()
	metrics.MessagesTotal.WithLabelValues(string(sender)).Inc()

	// Dispatch outlives the HTTP request that triggered the send; Close
	// waits for it so nothing touches the store after teardown.
	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()
		s.dispatch(context.WithoutCancel(ctx), persisted)
	}()

	return persisted, nil
}

func (s *Session) appendWithRetry(ctx context.Context, record *model.Message) (*model.Message, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.SendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.cfg.SendRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		persisted, err := s.store.Append(ctx, record)
		if err == nil {
			return persisted, nil
		}
		lastErr = err
		s.logger.Warn("append failed", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return nil, lastErr
}

// dispatch hands the persisted message to the WhatsApp transport and, on
// success, records the external message ID. Failures are logged and left
// alone: the message stays locally "sent".
func (s *Session) dispatch(ctx context.Context, msg *model.Message) {
	var (
		result *transport.SendResult
		err    error
	)
	if msg.Attachment != nil {
		result, err = s.transport.SendMedia(ctx, &transport.MediaRequest{
			To:       s.conv.CustomerID,
			MediaURL: msg.Attachment.URL,
			Kind:     string(msg.Attachment.Kind),
			Filename: msg.Attachment.Filename,
			Caption:  msg.Body,
		})
	} else {
		result, err = s.transport.SendText(ctx, &transport.TextRequest{
			To:   s.conv.CustomerID,
			Body: msg.Body,
		})
	}
	if err != nil {
		metrics.SendsTotal.WithLabelValues("transport_failed").Inc()
		s.logger.Warn("transport dispatch failed, message stays sent",
			zap.Error(err), zap.String("message_id", msg.ID))
		return
	}

	updated := *msg
	updated.ExternalID = result.ExternalID
	if err := s.store.Update(ctx, &updated); err != nil {
		s.logger.Warn("failed to record external id", zap.Error(err), zap.String("message_id", msg.ID))
		return
	}

	s.mu.Lock()
	s.tl.Ingest(&updated)
	s.mu.Unlock()
	s.emitMessage(&updated)
}

// LoadOlder extends the loaded window backward by one page. The loaded
// window [t_min, t_max] only ever grows downward: already-loaded entries
// are never duplicated or reordered, so stacked rapid calls are safe and
// simply converge on the same page.
func (s *Session) LoadOlder(ctx context.Context) (*model.LoadOlderResponse, error) {
	s.mu.Lock()
	before, ok := s.tl.OldestCreatedAt()
	s.mu.Unlock()
	if !ok {
		before = time.Time{} // nothing loaded yet: fetch the newest page
	}

	page, err := s.store.Query(ctx, s.conv.ID, before, s.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query older page: %w", err)
	}

	total, err := s.store.TotalCount(ctx, s.conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	s.mu.Lock()
	appended := 0
	for i := range page {
		if !s.tl.Has(page[i].ID) && s.tl.Ingest(&page[i]) {
			appended++
		}
	}
	s.totalCount = total
	hasMore := s.tl.PersistedLen() < s.totalCount
	s.mu.Unlock()

	return &model.LoadOlderResponse{Appended: appended, HasMore: hasMore}, nil
}

// MarkRead stamps every loaded unread message from other senders and
// persists the change. Idempotent: a second call finds nothing to stamp.
func (s *Session) MarkRead(ctx context.Context, viewerRole model.SenderKind, readerID string) error {
	s.mu.Lock()
	changed := s.tl.MarkRead(viewerRole, readerID, time.Now())
	s.mu.Unlock()

	var firstErr error
	for i := range changed {
		if err := s.store.Update(ctx, &changed[i]); err != nil && firstErr == nil {
			firstErr = err
		}
		s.emitMessage(&changed[i])
	}
	return firstErr
}

// run is the session's event loop: it serializes store notifications,
// presence signals, and the periodic window re-evaluation onto the
// timeline.
func (s *Session) run() {
	ticker := time.NewTicker(s.cfg.WindowInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case msg, ok := <-s.sub.Events():
			if !ok {
				return
			}
			s.handleStoreEvent(&msg)

		case sig, ok := <-s.psub.Signals():
			if !ok {
				return
			}
			s.mu.Lock()
			if sig.IsTyping {
				s.presenceView[sig.ActorID] = model.ActorPresence{
					Role:       sig.Role,
					IsTyping:   true,
					LastSeenAt: sig.At,
				}
			} else {
				delete(s.presenceView, sig.ActorID)
			}
			s.mu.Unlock()
			s.emit(model.TimelineEvent{Type: model.EventTyping, Typing: &sig})

		case <-ticker.C:
			// Elapsed time alone can close the window; message events alone
			// would never notice.
			s.checkWindow()
		}
	}
}

func (s *Session) handleStoreEvent(msg *model.Message) {
	s.mu.Lock()
	inserted := !s.tl.Has(msg.ID)
	changed := s.tl.Ingest(msg)
	if inserted && changed {
		s.totalCount++
	}
	if msg.Sender == model.SenderCustomer {
		if s.lastCustomerAt == nil || msg.CreatedAt.After(*s.lastCustomerAt) {
			ts := msg.CreatedAt
			s.lastCustomerAt = &ts
		}
	}
	transition, state := s.windowTransitionLocked()
	s.mu.Unlock()

	if changed {
		s.emitMessage(msg)
	}
	if transition {
		s.emit(model.TimelineEvent{Type: model.EventWindow, Window: &state})
	}
}

func (s *Session) checkWindow() {
	s.mu.Lock()
	transition, state := s.windowTransitionLocked()
	s.mu.Unlock()

	if transition {
		s.emit(model.TimelineEvent{Type: model.EventWindow, Window: &state})
	}
}

// windowTransitionLocked re-evaluates the window and records an Open/Closed
// flip. Callers hold s.mu.
func (s *Session) windowTransitionLocked() (bool, model.WindowState) {
	state := timeline.EvaluateWindow(s.lastCustomerAt, time.Now())
	if state.IsOpen == s.windowOpen {
		return false, state
	}
	s.windowOpen = state.IsOpen
	to := "closed"
	if state.IsOpen {
		to = "open"
	}
	metrics.WindowTransitionsTotal.WithLabelValues(to).Inc()
	return true, state
}

func (s *Session) emitMessage(msg *model.Message) {
	c := *msg
	s.emit(model.TimelineEvent{Type: model.EventMessage, Message: &c})
}

func (s *Session) emit(ev model.TimelineEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("dropping event for slow viewer", zap.String("type", string(ev.Type)))
	}
}
