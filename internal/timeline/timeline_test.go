package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/vendaflow/atendimento-console/internal/model"
)

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func msg(id string, conv string, sender model.SenderKind, offset time.Duration) *model.Message {
	return &model.Message{
		ID:             id,
		ConversationID: conv,
		Sender:         sender,
		Body:           "body-" + id,
		Status:         model.StatusSent,
		CreatedAt:      base.Add(offset),
	}
}

func ids(t *Timeline) []string {
	snap := t.Snapshot()
	out := make([]string, len(snap))
	for i, m := range snap {
		out[i] = m.ID
	}
	return out
}

func assertOrdered(t *testing.T, tl *Timeline) {
	t.Helper()
	snap := tl.Snapshot()
	for i := 1; i < len(snap); i++ {
		a, b := snap[i-1], snap[i]
		if b.CreatedAt.Before(a.CreatedAt) {
			t.Errorf("entries %s and %s out of order by timestamp", a.ID, b.ID)
		}
		if a.CreatedAt.Equal(b.CreatedAt) && a.ID >= b.ID {
			t.Errorf("tie between %s and %s not broken by id", a.ID, b.ID)
		}
	}
}

func TestIngestIdempotent(t *testing.T) {
	tl := New("c1")
	m := msg("m1", "c1", model.SenderCustomer, 0)

	if !tl.Ingest(m) {
		t.Fatal("first ingest should change the timeline")
	}
	if tl.Ingest(m) {
		t.Error("re-ingesting an identical message should be a no-op")
	}
	if tl.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", tl.Len())
	}
}

func TestIngestOutOfOrderArrival(t *testing.T) {
	tl := New("c1")
	// Arrival order deliberately scrambled.
	tl.Ingest(msg("m3", "c1", model.SenderAgent, 3*time.Minute))
	tl.Ingest(msg("m1", "c1", model.SenderCustomer, 1*time.Minute))
	tl.Ingest(msg("m2", "c1", model.SenderCustomer, 2*time.Minute))

	got := ids(tl)
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
	assertOrdered(t, tl)
}

func TestIngestTimestampTieBrokenByID(t *testing.T) {
	tl := New("c1")
	tl.Ingest(msg("b", "c1", model.SenderCustomer, 0))
	tl.Ingest(msg("a", "c1", model.SenderCustomer, 0))

	got := ids(tl)
	if got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
	assertOrdered(t, tl)
}

func TestIngestWrongConversationDropped(t *testing.T) {
	tl := New("c1")
	if tl.Ingest(msg("m1", "c2", model.SenderCustomer, 0)) {
		t.Error("message for an unloaded conversation must be dropped")
	}
	if tl.Len() != 0 {
		t.Errorf("expected empty timeline, got %d entries", tl.Len())
	}
}

func TestIngestMergesDeliveryFieldsForward(t *testing.T) {
	tl := New("c1")
	m := msg("m1", "c1", model.SenderAgent, 0)
	tl.Ingest(m)

	delivered := base.Add(10 * time.Second)
	update := msg("m1", "c1", model.SenderAgent, 0)
	update.Status = model.StatusDelivered
	update.DeliveredAt = &delivered
	update.ExternalID = "wamid.123"

	if !tl.Ingest(update) {
		t.Fatal("delivery update should change the entry")
	}

	got, _ := tl.Get("m1")
	if got.Status != model.StatusDelivered {
		t.Errorf("expected status delivered, got %s", got.Status)
	}
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(delivered) {
		t.Error("delivered timestamp not applied")
	}
	if got.ExternalID != "wamid.123" {
		t.Errorf("expected external id set, got %q", got.ExternalID)
	}
	if tl.Len() != 1 {
		t.Errorf("update must not duplicate the entry, got %d", tl.Len())
	}

	// A stale notification must not regress state.
	stale := msg("m1", "c1", model.SenderAgent, 0)
	stale.Status = model.StatusSent
	tl.Ingest(stale)
	got, _ = tl.Get("m1")
	if got.Status != model.StatusDelivered {
		t.Errorf("stale update regressed status to %s", got.Status)
	}
	if got.DeliveredAt == nil {
		t.Error("stale update cleared delivered timestamp")
	}
}

func TestReadImpliesDelivered(t *testing.T) {
	tl := New("c1")
	tl.Ingest(msg("m1", "c1", model.SenderAgent, 0))

	read := base.Add(time.Minute)
	update := msg("m1", "c1", model.SenderAgent, 0)
	update.ReadAt = &read
	update.ReadBy = "customer"
	tl.Ingest(update)

	got, _ := tl.Get("m1")
	if got.ReadAt == nil {
		t.Fatal("read timestamp not applied")
	}
	if got.DeliveredAt == nil {
		t.Error("read must imply delivered")
	}
}

func TestReplaceProvisional(t *testing.T) {
	tl := New("c1")
	prov := msg("temp-1", "c1", model.SenderAgent, 0)
	prov.Provisional = true
	prov.Status = model.StatusSending
	tl.Ingest(prov)

	persisted := msg("m1", "c1", model.SenderAgent, 0)
	if !tl.ReplaceProvisional("temp-1", persisted) {
		t.Fatal("replace should change the timeline")
	}

	if _, ok := tl.Get("temp-1"); ok {
		t.Error("provisional entry still present after replacement")
	}
	got, ok := tl.Get("m1")
	if !ok {
		t.Fatal("persisted entry missing after replacement")
	}
	if got.Provisional {
		t.Error("persisted entry still tagged provisional")
	}
	if tl.Len() != 1 {
		t.Errorf("expected exactly 1 entry, got %d", tl.Len())
	}
}

func TestReplaceProvisionalAfterSubscriptionWon(t *testing.T) {
	tl := New("c1")
	prov := msg("temp-1", "c1", model.SenderAgent, 0)
	prov.Provisional = true
	tl.Ingest(prov)

	// The subscription stream delivers the persisted copy first.
	persisted := msg("m1", "c1", model.SenderAgent, 0)
	tl.Ingest(persisted)

	// The pipeline's own replace arrives second and must collapse.
	tl.ReplaceProvisional("temp-1", persisted)

	if tl.Len() != 1 {
		t.Fatalf("expected exactly 1 entry, got %d: %v", tl.Len(), ids(tl))
	}
	if _, ok := tl.Get("temp-1"); ok {
		t.Error("provisional entry survived the race")
	}
}

func TestDiscardProvisional(t *testing.T) {
	tl := New("c1")
	prov := msg("temp-1", "c1", model.SenderAgent, 0)
	prov.Provisional = true
	tl.Ingest(prov)
	tl.Ingest(msg("m1", "c1", model.SenderCustomer, -time.Minute))

	if !tl.DiscardProvisional("temp-1") {
		t.Fatal("discard should remove the provisional entry")
	}
	if tl.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", tl.Len())
	}

	// Persisted entries are never discarded through this path.
	if tl.DiscardProvisional("m1") {
		t.Error("discard must not remove a persisted entry")
	}
	if tl.DiscardProvisional("temp-1") {
		t.Error("second discard should be a no-op")
	}
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	tl := New("c1")
	tl.Ingest(msg("m1", "c1", model.SenderCustomer, 0))
	tl.Ingest(msg("m2", "c1", model.SenderCustomer, time.Minute))
	tl.Ingest(msg("m3", "c1", model.SenderAgent, 2*time.Minute))

	if got := tl.UnreadCount(model.SenderAgent); got != 2 {
		t.Errorf("expected 2 unread for agent, got %d", got)
	}
	if got := tl.UnreadCount(model.SenderCustomer); got != 1 {
		t.Errorf("expected 1 unread for customer, got %d", got)
	}

	changed := tl.MarkRead(model.SenderAgent, "agent-7", base.Add(5*time.Minute))
	if len(changed) != 2 {
		t.Fatalf("expected 2 changed entries, got %d", len(changed))
	}
	if got := tl.UnreadCount(model.SenderAgent); got != 0 {
		t.Errorf("expected 0 unread after mark-read, got %d", got)
	}

	// Idempotent: calling again changes nothing.
	if again := tl.MarkRead(model.SenderAgent, "agent-7", base.Add(6*time.Minute)); len(again) != 0 {
		t.Errorf("second mark-read changed %d entries", len(again))
	}

	// A new customer message makes the count non-zero again.
	tl.Ingest(msg("m4", "c1", model.SenderCustomer, 10*time.Minute))
	if got := tl.UnreadCount(model.SenderAgent); got != 1 {
		t.Errorf("expected 1 unread after new message, got %d", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tl := New("c1")
	tl.Ingest(msg("m1", "c1", model.SenderCustomer, 0))

	snap := tl.Snapshot()
	snap[0].Body = "mutated"

	got, _ := tl.Get("m1")
	if got.Body == "mutated" {
		t.Error("snapshot mutation leaked into the timeline")
	}
}

func TestLargeScrambledIngestKeepsTotalOrder(t *testing.T) {
	tl := New("c1")
	// Interleave two arrival orders of the same 40 messages.
	for i := 39; i >= 0; i-- {
		tl.Ingest(msg(fmt.Sprintf("m%02d", i), "c1", model.SenderCustomer, time.Duration(i)*time.Second))
	}
	for i := 0; i < 40; i += 2 {
		tl.Ingest(msg(fmt.Sprintf("m%02d", i), "c1", model.SenderCustomer, time.Duration(i)*time.Second))
	}
	if tl.Len() != 40 {
		t.Fatalf("expected 40 entries, got %d", tl.Len())
	}
	assertOrdered(t, tl)
}
