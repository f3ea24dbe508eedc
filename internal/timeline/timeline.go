// Package timeline maintains the in-memory ordered message timeline for one
// open conversation and the session-window policy derived from it.
//
// The timeline is the reconciliation point for three independent event
// sources: store subscription notifications (webhook inserts and field
// updates), optimistic local sends, and delivery/read status changes. All
// merging is idempotent by message ID and insertion follows the total order
// (creation timestamp, ID tie-break), so the final sequence does not depend
// on arrival order.
package timeline

import (
	"sort"
	"time"

	"github.com/vendaflow/atendimento-console/internal/model"
)

// Timeline is the ordered, duplicate-free message sequence of one
// conversation. It is not safe for concurrent use; the owning session
// serializes all mutations (see service.Session).
type Timeline struct {
	conversationID string
	entries        []*model.Message
	byID           map[string]*model.Message
}

// New creates an empty timeline bound to one conversation.
func New(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		byID:           make(map[string]*model.Message),
	}
}

// ConversationID returns the conversation this timeline belongs to.
func (t *Timeline) ConversationID() string {
	return t.conversationID
}

// Len returns the number of loaded entries, provisional included.
func (t *Timeline) Len() int {
	return len(t.entries)
}

// PersistedLen returns the number of loaded persisted entries.
func (t *Timeline) PersistedLen() int {
	n := 0
	for _, m := range t.entries {
		if !m.Provisional {
			n++
		}
	}
	return n
}

// Ingest folds a message into the timeline.
//
// A message for another conversation is dropped. A message whose ID is
// already present becomes a field update (duplicate notifications and
// webhook redeliveries are expected steady state, never errors). A new
// message is inserted at its total-order position, which is not necessarily
// the tail: arrival order is not assumed to match logical order.
//
// Ingest reports whether the timeline changed.
func (t *Timeline) Ingest(msg *model.Message) bool {
	if msg == nil || msg.ConversationID != t.conversationID {
		return false
	}

	if existing, ok := t.byID[msg.ID]; ok {
		return merge(existing, msg)
	}

	entry := cloneMessage(msg)
	idx := sort.Search(len(t.entries), func(i int) bool {
		return entry.Before(t.entries[i])
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = entry
	t.byID[entry.ID] = entry
	return true
}

// ReplaceProvisional retires the provisional entry tempID and ingests its
// persisted counterpart. The persisted copy may already have arrived
// independently via the subscription stream; whichever path lands first
// wins and the other collapses into a field update, so the result is always
// exactly one entry with the persisted ID and none with tempID.
func (t *Timeline) ReplaceProvisional(tempID string, persisted *model.Message) bool {
	removed := t.remove(tempID)
	ingested := t.Ingest(persisted)
	return removed || ingested
}

// DiscardProvisional removes a provisional entry without replacement
// (persistence failure). Unknown IDs are a no-op.
func (t *Timeline) DiscardProvisional(tempID string) bool {
	entry, ok := t.byID[tempID]
	if !ok || !entry.Provisional {
		return false
	}
	return t.remove(tempID)
}

func (t *Timeline) remove(id string) bool {
	entry, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	for i, m := range t.entries {
		if m == entry {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	return true
}

// Has reports whether an entry with the given ID is loaded.
func (t *Timeline) Has(id string) bool {
	_, ok := t.byID[id]
	return ok
}

// Get returns a copy of the entry with the given ID.
func (t *Timeline) Get(id string) (model.Message, bool) {
	entry, ok := t.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return *cloneMessage(entry), true
}

// Snapshot returns a copy of the ordered timeline.
func (t *Timeline) Snapshot() []model.Message {
	out := make([]model.Message, len(t.entries))
	for i, m := range t.entries {
		out[i] = *cloneMessage(m)
	}
	return out
}

// OldestCreatedAt returns the creation time of the oldest loaded persisted
// entry, the lower bound of the loaded window for backfill queries.
func (t *Timeline) OldestCreatedAt() (time.Time, bool) {
	for _, m := range t.entries {
		if !m.Provisional {
			return m.CreatedAt, true
		}
	}
	return time.Time{}, false
}

// LastCustomerMessageAt returns the creation time of the most recent loaded
// customer message, if any.
func (t *Timeline) LastCustomerMessageAt() (time.Time, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Sender == model.SenderCustomer {
			return t.entries[i].CreatedAt, true
		}
	}
	return time.Time{}, false
}

// UnreadCount counts loaded messages authored by someone other than
// viewerRole that have no read timestamp. It is a pure projection over the
// loaded entries and mutates nothing.
func (t *Timeline) UnreadCount(viewerRole model.SenderKind) int {
	n := 0
	for _, m := range t.entries {
		if m.Sender != viewerRole && m.ReadAt == nil {
			n++
		}
	}
	return n
}

// MarkRead stamps every loaded unread message from senders other than
// viewerRole with the read time and reader identity. Calling it again has
// no additional effect. It returns copies of the entries it changed so the
// caller can persist them.
func (t *Timeline) MarkRead(viewerRole model.SenderKind, readerID string, at time.Time) []model.Message {
	var changed []model.Message
	for _, m := range t.entries {
		if m.Sender == viewerRole || m.ReadAt != nil || m.Provisional {
			continue
		}
		ts := at
		m.ReadAt = &ts
		m.ReadBy = readerID
		if m.DeliveredAt == nil {
			// read implies delivered
			m.DeliveredAt = &ts
		}
		if rank(m.Status) < rank(model.StatusRead) && m.Status != model.StatusFailed {
			m.Status = model.StatusRead
		}
		changed = append(changed, *cloneMessage(m))
	}
	return changed
}

// merge applies an update notification onto an existing entry. Delivery and
// read state only move forward; identity and position never change.
func merge(existing, update *model.Message) bool {
	changed := false

	if update.Body != "" && update.Body != existing.Body {
		existing.Body = update.Body
		changed = true
	}
	if update.Attachment != nil && existing.Attachment == nil {
		a := *update.Attachment
		existing.Attachment = &a
		changed = true
	}
	if update.ExternalID != "" && existing.ExternalID == "" {
		existing.ExternalID = update.ExternalID
		changed = true
	}
	if update.Sequence > existing.Sequence {
		existing.Sequence = update.Sequence
		changed = true
	}
	if update.DeliveredAt != nil && existing.DeliveredAt == nil {
		ts := *update.DeliveredAt
		existing.DeliveredAt = &ts
		changed = true
	}
	if update.ReadAt != nil && existing.ReadAt == nil {
		ts := *update.ReadAt
		existing.ReadAt = &ts
		existing.ReadBy = update.ReadBy
		if existing.DeliveredAt == nil {
			existing.DeliveredAt = &ts
		}
		changed = true
	}
	if rank(update.Status) > rank(existing.Status) {
		existing.Status = update.Status
		changed = true
	}
	if existing.Provisional && !update.Provisional {
		existing.Provisional = false
		changed = true
	}
	return changed
}

func rank(s model.MessageStatus) int { return model.StatusRank(s) }

func cloneMessage(m *model.Message) *model.Message {
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.DeliveredAt != nil {
		ts := *m.DeliveredAt
		c.DeliveredAt = &ts
	}
	if m.ReadAt != nil {
		ts := *m.ReadAt
		c.ReadAt = &ts
	}
	return &c
}
