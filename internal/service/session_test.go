package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vendaflow/atendimento-console/internal/model"
	"github.com/vendaflow/atendimento-console/pkg/logger"
)

func testConversation() *model.Conversation {
	return &model.Conversation{
		ID:             "conv-1",
		CustomerID:     "5511999990000",
		CustomerName:   "Dona Maria",
		Status:         model.StatusAgentIntervening,
		CreatedAt:      time.Now().Add(-48 * time.Hour),
		LastActivityAt: time.Now(),
	}
}

func openTestSession(t *testing.T, store *fakeStore, tc *fakeTransport, cfg SessionConfig) *Session {
	t.Helper()
	sess, err := OpenSession(context.Background(), testConversation(), store, tc, newFakePresence(), logger.NewNop(), cfg)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess
}

func seedMessages(t *testing.T, store *fakeStore, n int, base time.Time) []model.Message {
	t.Helper()
	out := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		sender := model.SenderCustomer
		if i%2 == 1 {
			sender = model.SenderAgent
		}
		persisted, err := store.Append(context.Background(), &model.Message{
			ConversationID: "conv-1",
			Sender:         sender,
			Body:           "mensagem",
			Status:         model.StatusSent,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed append: %v", err)
		}
		out = append(out, *persisted)
	}
	return out
}

func TestSendOptimisticFlow(t *testing.T) {
	store := newFakeStore()
	tc := &fakeTransport{}
	sess := openTestSession(t, store, tc, SessionConfig{})

	persisted, err := sess.Send(context.Background(), model.SenderAgent, &model.SendMessageRequest{Body: "bom dia"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if persisted.Provisional {
		t.Error("persisted message still marked provisional")
	}
	if persisted.Status != model.StatusSent {
		t.Errorf("status = %q, want %q", persisted.Status, model.StatusSent)
	}

	resp := sess.Timeline()
	if len(resp.Messages) != 1 {
		t.Fatalf("timeline has %d messages, want 1", len(resp.Messages))
	}
	if resp.Messages[0].ID != persisted.ID {
		t.Errorf("timeline holds %q, want %q", resp.Messages[0].ID, persisted.ID)
	}

	// Dispatch is asynchronous; the external ID shows up on a later revision.
	waitFor(t, func() bool {
		m, ok := store.get("conv-1", persisted.ID)
		return ok && m.ExternalID != ""
	}, "external id recorded")
	if tc.textCount() != 1 {
		t.Errorf("transport called %d times, want 1", tc.textCount())
	}
}

func TestSendStoreFailureDiscardsProvisional(t *testing.T) {
	store := newFakeStore()
	store.failAppends = 10
	sess := openTestSession(t, store, &fakeTransport{}, SessionConfig{SendRetries: 2, SendRetryDelay: time.Millisecond})

	_, err := sess.Send(context.Background(), model.SenderAgent, &model.SendMessageRequest{Body: "oi"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if got := len(sess.Timeline().Messages); got != 0 {
		t.Errorf("timeline has %d messages after discard, want 0", got)
	}

	// The input was never consumed; a retry with the store back succeeds.
	store.failAppends = 0
	if _, err := sess.Send(context.Background(), model.SenderAgent, &model.SendMessageRequest{Body: "oi"}); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if got := len(sess.Timeline().Messages); got != 1 {
		t.Errorf("timeline has %d messages after resend, want 1", got)
	}
}

func TestSendRetryAfterLostAckPersistsOnce(t *testing.T) {
	store := newFakeStore()
	store.lostAcks = 1
	sess := openTestSession(t, store, &fakeTransport{}, SessionConfig{SendRetryDelay: time.Millisecond})

	persisted, err := sess.Send(context.Background(), model.SenderAgent, &model.SendMessageRequest{Body: "oi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	total, err := store.TotalCount(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("TotalCount: %v", err)
	}
	if total != 1 {
		t.Fatalf("one logical send persisted %d messages, want 1", total)
	}
	if _, ok := store.get("conv-1", persisted.ID); !ok {
		t.Error("retried append landed under a different id")
	}
	if got := len(sess.Timeline().Messages); got != 1 {
		t.Errorf("timeline has %d messages, want 1", got)
	}
}

func TestCloseWaitsForDispatch(t *testing.T) {
	store := newFakeStore()
	tc := &fakeTransport{delay: 30 * time.Millisecond}
	sess := openTestSession(t, store, tc, SessionConfig{})

	persisted, err := sess.Send(context.Background(), model.SenderAgent, &model.SendMessageRequest{Body: "oi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	sess.Close()

	// The external id write happened before Close returned, not after.
	m, ok := store.get("conv-1", persisted.ID)
	if !ok {
		t.Fatal("message missing from store")
	}
	if m.ExternalID == "" {
		t.Error("external id not recorded by the time Close returned")
	}
}

func TestSendTransportFailureStaysSent(t *testing.T) {
	store := newFakeStore()
	tc := &fakeTransport{fail: true}
	sess := openTestSession(t, store, tc, SessionConfig{})

	persisted, err := sess.Send(context.Background(), model.SenderAgent, &model.SendMessageRequest{Body: "oi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	m, ok := store.get("conv-1", persisted.ID)
	if !ok {
		t.Fatal("message missing from store")
	}
	if m.ExternalID != "" {
		t.Errorf("external id = %q, want empty after transport failure", m.ExternalID)
	}
	if m.Status != model.StatusSent {
		t.Errorf("status = %q, want %q", m.Status, model.StatusSent)
	}
}

func TestSendClientRefConvergesAcrossSessions(t *testing.T) {
	store := newFakeStore()
	tc := &fakeTransport{}
	a := openTestSession(t, store, tc, SessionConfig{})
	b := openTestSession(t, store, tc, SessionConfig{})

	req := &model.SendMessageRequest{Body: "proposta enviada", ClientRef: "ref-42"}
	ma, err := a.Send(context.Background(), model.SenderAgent, req)
	if err != nil {
		t.Fatalf("send a: %v", err)
	}
	mb, err := b.Send(context.Background(), model.SenderAgent, req)
	if err != nil {
		t.Fatalf("send b: %v", err)
	}
	if ma.ID != mb.ID {
		t.Fatalf("same client ref produced different IDs: %q vs %q", ma.ID, mb.ID)
	}

	for _, sess := range []*Session{a, b} {
		waitFor(t, func() bool {
			return len(sess.Timeline().Messages) == 1
		}, "timeline converged to one message")
	}
	if total, _ := store.TotalCount(context.Background(), "conv-1"); total != 1 {
		t.Errorf("store holds %d messages, want 1", total)
	}
}

func TestOpenSessionLoadsNewestPage(t *testing.T) {
	store := newFakeStore()
	base := time.Now().Add(-3 * time.Hour)
	seeded := seedMessages(t, store, 30, base)

	sess := openTestSession(t, store, &fakeTransport{}, SessionConfig{PageSize: 10})

	resp := sess.Timeline()
	if len(resp.Messages) != 10 {
		t.Fatalf("loaded %d messages, want 10", len(resp.Messages))
	}
	if !resp.HasMore {
		t.Error("HasMore = false with 20 older messages remaining")
	}
	if resp.Messages[0].ID != seeded[20].ID {
		t.Errorf("window starts at %q, want %q", resp.Messages[0].ID, seeded[20].ID)
	}
	if resp.Messages[9].ID != seeded[29].ID {
		t.Errorf("window ends at %q, want %q", resp.Messages[9].ID, seeded[29].ID)
	}
}

func TestLoadOlderPagination(t *testing.T) {
	store := newFakeStore()
	seedMessages(t, store, 30, time.Now().Add(-3*time.Hour))
	sess := openTestSession(t, store, &fakeTransport{}, SessionConfig{PageSize: 10})

	for page := 1; page <= 2; page++ {
		resp, err := sess.LoadOlder(context.Background())
		if err != nil {
			t.Fatalf("LoadOlder page %d: %v", page, err)
		}
		if resp.Appended != 10 {
			t.Errorf("page %d appended %d, want 10", page, resp.Appended)
		}
	}
	resp, err := sess.LoadOlder(context.Background())
	if err != nil {
		t.Fatalf("LoadOlder past the start: %v", err)
	}
	if resp.Appended != 0 || resp.HasMore {
		t.Errorf("past the start: appended=%d hasMore=%v, want 0/false", resp.Appended, resp.HasMore)
	}

	msgs := sess.Timeline().Messages
	if len(msgs) != 30 {
		t.Fatalf("timeline has %d messages, want 30", len(msgs))
	}
	seen := make(map[string]bool, len(msgs))
	for i := range msgs {
		if seen[msgs[i].ID] {
			t.Fatalf("duplicate message %q after pagination", msgs[i].ID)
		}
		seen[msgs[i].ID] = true
		if i > 0 && !msgs[i-1].Before(&msgs[i]) {
			t.Fatalf("messages out of order at index %d", i)
		}
	}
}

func TestLoadOlderRapidCallsNeverDuplicate(t *testing.T) {
	store := newFakeStore()
	seedMessages(t, store, 40, time.Now().Add(-4*time.Hour))
	sess := openTestSession(t, store, &fakeTransport{}, SessionConfig{PageSize: 10})

	var wg sync.WaitGroup
	appended := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := sess.LoadOlder(context.Background())
			if err != nil {
				t.Errorf("concurrent LoadOlder: %v", err)
				return
			}
			appended[i] = resp.Appended
		}(i)
	}
	wg.Wait()

	msgs := sess.Timeline().Messages
	if want := 10 + appended[0] + appended[1]; len(msgs) != want {
		t.Errorf("timeline has %d messages, want %d", len(msgs), want)
	}
	seen := make(map[string]bool, len(msgs))
	for i := range msgs {
		if seen[msgs[i].ID] {
			t.Fatalf("duplicate message %q from stacked pagination", msgs[i].ID)
		}
		seen[msgs[i].ID] = true
	}
}

func TestSubscriptionIngestsIncoming(t *testing.T) {
	store := newFakeStore()
	sess := openTestSession(t, store, &fakeTransport{}, SessionConfig{})

	incoming, err := store.Append(context.Background(), &model.Message{
		ConversationID: "conv-1",
		Sender:         model.SenderCustomer,
		Body:           "quanto custa?",
		Status:         model.StatusSent,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	waitFor(t, func() bool {
		msgs := sess.Timeline().Messages
		return len(msgs) == 1 && msgs[0].ID == incoming.ID
	}, "incoming message ingested")

	// Replaying the same notification may happen on reconnect; it must not
	// produce a second entry.
	store.notify(incoming)
	time.Sleep(20 * time.Millisecond)
	if got := len(sess.Timeline().Messages); got != 1 {
		t.Errorf("timeline has %d messages after duplicate event, want 1", got)
	}
}

func TestWindowOpensOnCustomerMessage(t *testing.T) {
	store := newFakeStore()
	if _, err := store.Append(context.Background(), &model.Message{
		ConversationID: "conv-1",
		Sender:         model.SenderCustomer,
		Body:           "oi",
		Status:         model.StatusSent,
		CreatedAt:      time.Now().Add(-25 * time.Hour),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sess := openTestSession(t, store, &fakeTransport{}, SessionConfig{})

	if state := sess.WindowState(); state.IsOpen {
		t.Fatal("window open with a 25-hour-old anchor")
	}

	if _, err := store.Append(context.Background(), &model.Message{
		ConversationID: "conv-1",
		Sender:         model.SenderCustomer,
		Body:           "ainda tem?",
		Status:         model.StatusSent,
		CreatedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	waitFor(t, func() bool { return sess.WindowState().IsOpen }, "window reopened")

	sawTransition := false
	deadline := time.After(time.Second)
	for !sawTransition {
		select {
		case ev := <-sess.Events():
			if ev.Type == model.EventWindow && ev.Window != nil && ev.Window.IsOpen {
				sawTransition = true
			}
		case <-deadline:
			t.Fatal("no window event emitted")
		}
	}
}

func TestTypingSignalsFlowThroughSession(t *testing.T) {
	store := newFakeStore()
	presence := newFakePresence()
	sess, err := OpenSession(context.Background(), testConversation(), store, &fakeTransport{}, presence, logger.NewNop(), SessionConfig{})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	t.Cleanup(sess.Close)

	if err := presence.SetTyping("conv-1", "agent-2", model.SenderAgent, true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}

	waitFor(t, func() bool {
		state := sess.Presence()
		p, ok := state.Actors["agent-2"]
		return ok && p.IsTyping && p.Role == model.SenderAgent
	}, "typing signal in presence view")

	sawTyping := false
	deadline := time.After(time.Second)
	for !sawTyping {
		select {
		case ev := <-sess.Events():
			if ev.Type == model.EventTyping && ev.Typing != nil && ev.Typing.ActorID == "agent-2" {
				sawTyping = true
			}
		case <-deadline:
			t.Fatal("no typing event emitted")
		}
	}

	if err := presence.SetTyping("conv-1", "agent-2", model.SenderAgent, false); err != nil {
		t.Fatalf("SetTyping stop: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := sess.Presence().Actors["agent-2"]
		return !ok
	}, "typing signal cleared")
}

func TestMarkReadConvergence(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	var customer []model.Message
	for i := 0; i < 2; i++ {
		m, err := store.Append(context.Background(), &model.Message{
			ConversationID: "conv-1",
			Sender:         model.SenderCustomer,
			Body:           "oi",
			Status:         model.StatusDelivered,
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		customer = append(customer, *m)
	}
	sess := openTestSession(t, store, &fakeTransport{}, SessionConfig{})

	if got := sess.UnreadCount(model.SenderAgent); got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}
	if err := sess.MarkRead(context.Background(), model.SenderAgent, "agent-7"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got := sess.UnreadCount(model.SenderAgent); got != 0 {
		t.Errorf("unread after MarkRead = %d, want 0", got)
	}
	for _, c := range customer {
		m, _ := store.get("conv-1", c.ID)
		if m.Status != model.StatusRead || m.ReadAt == nil {
			t.Errorf("message %q not persisted as read: status=%q", c.ID, m.Status)
		}
	}

	// A second pass finds nothing to stamp and writes nothing.
	seqBefore := store.revision()
	if err := sess.MarkRead(context.Background(), model.SenderAgent, "agent-7"); err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	if store.revision() != seqBefore {
		t.Error("idempotent MarkRead wrote revisions")
	}
}
