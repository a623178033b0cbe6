// Package timeline keeps one room's messages deduplicated and ordered by
// (CreatedAt, id), reconciling optimistic local entries with the server's
// confirmed copies through their correlation ids.
package timeline

import (
	"errors"
	"slices"
	"sort"
	"sync"

	"tutorchat/internal/wire"
)

// ErrUnknownMessage is returned when no unconfirmed entry carries the given
// correlation id.
var ErrUnknownMessage = errors.New("unknown message")

// Timeline is safe for concurrent use.
type Timeline struct {
	roomID string

	mu      sync.Mutex
	entries []wire.Message
}

// New returns an empty timeline for roomID.
func New(roomID string) *Timeline {
	return &Timeline{roomID: roomID}
}

// Merge inserts msg, or replaces the entry it duplicates. An entry is a
// duplicate if it has the same id, or if it is the optimistic entry whose
// correlation id msg carries. It reports whether an entry was replaced.
func (t *Timeline) Merge(msg wire.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mergeLocked(msg)
}

func (t *Timeline) mergeLocked(msg wire.Message) bool {
	if msg.RoomID == "" {
		msg.RoomID = t.roomID
	}
	replaced := false
	kept := t.entries[:0]
	for _, existing := range t.entries {
		if matches(existing, msg) {
			replaced = true
			msg.Read = msg.Read || existing.Read
			continue
		}
		kept = append(kept, existing)
	}
	// Clear the tail so removed entries are not retained.
	clear(t.entries[len(kept):])
	t.entries = kept
	t.insertLocked(msg)
	return replaced
}

func matches(existing, incoming wire.Message) bool {
	if existing.ID != "" && existing.ID == incoming.ID {
		return true
	}
	if incoming.CorrelationID == "" {
		return false
	}
	return existing.ID == incoming.CorrelationID || existing.CorrelationID == incoming.CorrelationID
}

func (t *Timeline) insertLocked(msg wire.Message) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return wire.Before(msg, t.entries[i])
	})
	t.entries = slices.Insert(t.entries, i, msg)
}

// AddLocal inserts an optimistic entry. Its id is its correlation id until
// the server confirms it.
func (t *Timeline) AddLocal(msg wire.Message) {
	msg.ID = msg.CorrelationID
	msg.Status = wire.StatusPending
	t.Merge(msg)
}

// Seed merges a page of history.
func (t *Timeline) Seed(history []wire.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range history {
		t.mergeLocked(msg)
	}
}

// MarkFailed moves the unconfirmed entry for correlationID to failed.
func (t *Timeline) MarkFailed(correlationID string) error {
	return t.setStatus(correlationID, wire.StatusFailed)
}

// MarkPending moves a failed entry back to pending before a resend.
func (t *Timeline) MarkPending(correlationID string) error {
	return t.setStatus(correlationID, wire.StatusPending)
}

func (t *Timeline) setStatus(correlationID string, status wire.Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.unconfirmedLocked(correlationID)
	if i < 0 {
		return ErrUnknownMessage
	}
	t.entries[i].Status = status
	return nil
}

func (t *Timeline) unconfirmedLocked(correlationID string) int {
	if correlationID == "" {
		return -1
	}
	for i, entry := range t.entries {
		if entry.CorrelationID == correlationID && entry.Status != wire.StatusConfirmed {
			return i
		}
	}
	return -1
}

// Pending returns the unconfirmed entry for correlationID, pending or failed.
func (t *Timeline) Pending(correlationID string) (wire.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.unconfirmedLocked(correlationID)
	if i < 0 {
		return wire.Message{}, false
	}
	return t.entries[i], true
}

// MarkRead sets the read flag on the listed ids and returns how many
// entries changed.
func (t *Timeline) MarkRead(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := 0
	for i := range t.entries {
		if _, ok := set[t.entries[i].ID]; ok && !t.entries[i].Read {
			t.entries[i].Read = true
			changed++
		}
	}
	return changed
}

// Snapshot returns a copy of the ordered entries.
func (t *Timeline) Snapshot() []wire.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.entries)
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
