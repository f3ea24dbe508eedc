package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vendaflow/atendimento-console/internal/llm"
	"github.com/vendaflow/atendimento-console/internal/model"
	"github.com/vendaflow/atendimento-console/internal/transport"
)

// fakeStore is an in-memory MessageStore honoring the same contract as the
// JetStream one: idempotent append by ID, read-your-writes, subscription
// notifications for inserts and updates.
type fakeStore struct {
	mu          sync.Mutex
	msgs        map[string]map[string]model.Message // conversation -> id -> latest revision
	subs        map[string][]*fakeSubscription
	seq         uint64
	failAppends int
	lostAcks    int // appends that persist but report failure
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		msgs: make(map[string]map[string]model.Message),
		subs: make(map[string][]*fakeSubscription),
	}
}

type fakeSubscription struct {
	mu     sync.Mutex
	ch     chan model.Message
	closed bool
}

func (s *fakeSubscription) Events() <-chan model.Message { return s.ch }

func (s *fakeSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver drops the event once the subscription is closed, like the real
// consumer does after unsubscribe.
func (s *fakeSubscription) deliver(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- msg
}

func (f *fakeStore) Append(ctx context.Context, msg *model.Message) (*model.Message, error) {
	f.mu.Lock()
	if f.failAppends > 0 {
		f.failAppends--
		f.mu.Unlock()
		return nil, errors.New("store down")
	}
	lostAck := false
	if f.lostAcks > 0 {
		f.lostAcks--
		lostAck = true
	}

	persisted := *msg
	if persisted.ID == "" {
		persisted.ID = uuid.Must(uuid.NewV7()).String()
	}
	persisted.Provisional = false
	if persisted.Status == "" || persisted.Status == model.StatusSending {
		persisted.Status = model.StatusSent
	}
	if persisted.CreatedAt.IsZero() {
		persisted.CreatedAt = time.Now()
	}
	f.seq++
	persisted.Sequence = f.seq

	conv := f.msgs[persisted.ConversationID]
	if conv == nil {
		conv = make(map[string]model.Message)
		f.msgs[persisted.ConversationID] = conv
	}
	if existing, ok := conv[persisted.ID]; ok {
		// Idempotent: the first append wins, duplicates collapse.
		persisted = existing
		f.mu.Unlock()
		if lostAck {
			return nil, errors.New("ack timed out")
		}
		return &persisted, nil
	}
	conv[persisted.ID] = persisted
	f.mu.Unlock()

	f.notify(&persisted)
	if lostAck {
		return nil, errors.New("ack timed out")
	}
	return &persisted, nil
}

func (f *fakeStore) Update(ctx context.Context, msg *model.Message) error {
	f.mu.Lock()
	f.seq++
	updated := *msg
	updated.Sequence = f.seq
	conv := f.msgs[updated.ConversationID]
	if conv == nil {
		conv = make(map[string]model.Message)
		f.msgs[updated.ConversationID] = conv
	}
	conv[updated.ID] = updated
	f.mu.Unlock()

	f.notify(&updated)
	return nil
}

func (f *fakeStore) notify(msg *model.Message) {
	f.mu.Lock()
	subs := append([]*fakeSubscription(nil), f.subs[msg.ConversationID]...)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(*msg)
	}
}

func (f *fakeStore) Query(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var eligible []model.Message
	for _, m := range f.msgs[conversationID] {
		if before.IsZero() || m.CreatedAt.Before(before) {
			eligible = append(eligible, m)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Before(&eligible[j])
	})
	if len(eligible) > limit {
		eligible = eligible[len(eligible)-limit:]
	}
	return eligible, nil
}

func (f *fakeStore) TotalCount(ctx context.Context, conversationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs[conversationID]), nil
}

func (f *fakeStore) LastCustomerMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var last *model.Message
	for _, m := range f.msgs[conversationID] {
		m := m
		if m.Sender != model.SenderCustomer {
			continue
		}
		if last == nil || last.Before(&m) {
			last = &m
		}
	}
	return last, nil
}

func (f *fakeStore) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	sub := &fakeSubscription{ch: make(chan model.Message, 256)}
	f.mu.Lock()
	f.subs[conversationID] = append(f.subs[conversationID], sub)
	f.mu.Unlock()
	return sub, nil
}

func (f *fakeStore) revision() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// get returns the stored revision of one message.
func (f *fakeStore) get(conversationID, id string) (model.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[conversationID][id]
	return m, ok
}

// fakePresence is an in-process Presence implementation.
type fakePresence struct {
	mu   sync.Mutex
	subs map[string][]*fakePresenceSub
}

func newFakePresence() *fakePresence {
	return &fakePresence{subs: make(map[string][]*fakePresenceSub)}
}

type fakePresenceSub struct {
	ch   chan model.TypingSignal
	once sync.Once
}

func (s *fakePresenceSub) Signals() <-chan model.TypingSignal { return s.ch }
func (s *fakePresenceSub) Close()                             { s.once.Do(func() { close(s.ch) }) }

func (p *fakePresence) SetTyping(conversationID, actorID string, role model.SenderKind, isTyping bool) error {
	signal := model.TypingSignal{
		ConversationID: conversationID,
		ActorID:        actorID,
		Role:           role,
		IsTyping:       isTyping,
		At:             time.Now(),
	}
	p.mu.Lock()
	subs := append([]*fakePresenceSub(nil), p.subs[conversationID]...)
	p.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- signal:
		default:
		}
	}
	return nil
}

func (p *fakePresence) Subscribe(conversationID string) (PresenceSubscription, error) {
	sub := &fakePresenceSub{ch: make(chan model.TypingSignal, 64)}
	p.mu.Lock()
	p.subs[conversationID] = append(p.subs[conversationID], sub)
	p.mu.Unlock()
	return sub, nil
}

// fakeTransport records dispatches and can be told to fail.
type fakeTransport struct {
	mu    sync.Mutex
	sent  []transport.TextRequest
	media []transport.MediaRequest
	fail  bool
	delay time.Duration
	next  int
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) SendText(ctx context.Context, req *transport.TextRequest) (*transport.SendResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, &transport.Error{Provider: "fake", Code: 500, Message: "gateway down"}
	}
	f.sent = append(f.sent, *req)
	f.next++
	return &transport.SendResult{ExternalID: "wamid." + string(rune('A'+f.next))}, nil
}

func (f *fakeTransport) SendMedia(ctx context.Context, req *transport.MediaRequest) (*transport.SendResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, &transport.Error{Provider: "fake", Code: 500, Message: "gateway down"}
	}
	f.media = append(f.media, *req)
	f.next++
	return &transport.SendResult{ExternalID: "wamid.media" + string(rune('A'+f.next))}, nil
}

func (f *fakeTransport) textCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeConvStore keeps conversations in a map, mirroring the KV bucket.
type fakeConvStore struct {
	mu    sync.Mutex
	convs map[string]model.Conversation
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{convs: make(map[string]model.Conversation)}
}

func (f *fakeConvStore) Put(ctx context.Context, conv *model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[conv.ID] = *conv
	return nil
}

func (f *fakeConvStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, errors.New("conversation not found")
	}
	return &conv, nil
}

func (f *fakeConvStore) List(ctx context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Conversation, 0, len(f.convs))
	for _, c := range f.convs {
		out = append(out, c)
	}
	return out, nil
}

// fakeLLM returns a canned reply.
type fakeLLM struct {
	mu    sync.Mutex
	reply string
	fail  bool
	calls int
}

func (f *fakeLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("llm unavailable")
	}
	return &llm.CompletionResponse{Content: f.reply, Model: "fake-1"}, nil
}

func (f *fakeLLM) Name() string     { return "fake" }
func (f *fakeLLM) Models() []string { return []string{"fake-1"} }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
