// Package receipts batches read acknowledgments so that each message is
// reported to the server once.
package receipts

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tutorchat/internal/clock"
	"tutorchat/internal/events"
	"tutorchat/internal/wire"
)

const DefaultDelay = 300 * time.Millisecond

// Sender writes commands to the server.
type Sender interface {
	Send(cmd wire.Command) error
}

type Options struct {
	Sender Sender
	Bus    *events.Bus
	Clock  clock.Clock
	Logger *slog.Logger
	Delay  time.Duration
	Self   func() string
}

type batch struct {
	pending    []string
	pendingSet map[string]struct{}
	flushed    map[string]struct{}
	timer      *clock.Timer
	seq        uint64
	sending    bool
}

func newBatch() *batch {
	return &batch{pendingSet: make(map[string]struct{}), flushed: make(map[string]struct{})}
}

// Batcher is safe for concurrent use.
type Batcher struct {
	sender Sender
	bus    *events.Bus
	clock  clock.Clock
	logger *slog.Logger
	delay  time.Duration
	self   func() string

	mu      sync.Mutex
	seq     uint64
	batches map[string]*batch

	unsubscribe func()
}

func New(opts Options) *Batcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	self := opts.Self
	if self == nil {
		self = func() string { return "" }
	}
	b := &Batcher{
		sender:  opts.Sender,
		bus:     opts.Bus,
		clock:   c,
		logger:  logger.With("component", "receipts"),
		delay:   delay,
		self:    self,
		batches: make(map[string]*batch),
	}
	if b.bus != nil {
		b.unsubscribe = events.On(b.bus, events.Connected, func(events.ConnectedEvent) { b.resume() })
	}
	return b
}

// resume re-arms rooms whose last flush failed while offline.
func (b *Batcher) resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for roomID, bt := range b.batches {
		if len(bt.pending) > 0 && bt.timer == nil && !bt.sending {
			b.armLocked(roomID, bt)
		}
	}
}

// Collect queues the unread messages in msgs that other users sent and
// arms the room's flush timer. It returns how many ids were queued.
func (b *Batcher) Collect(roomID string, msgs []wire.Message) int {
	self := b.self()
	b.mu.Lock()
	defer b.mu.Unlock()

	bt := b.batches[roomID]
	if bt == nil {
		bt = newBatch()
		b.batches[roomID] = bt
	}
	added := 0
	for _, m := range msgs {
		if m.ID == "" || m.Read || m.SenderID == self || m.Status != wire.StatusConfirmed {
			continue
		}
		if _, done := bt.flushed[m.ID]; done {
			continue
		}
		if _, queued := bt.pendingSet[m.ID]; queued {
			continue
		}
		bt.pendingSet[m.ID] = struct{}{}
		bt.pending = append(bt.pending, m.ID)
		added++
	}
	if len(bt.pending) > 0 && bt.timer == nil {
		b.armLocked(roomID, bt)
	}
	return added
}

func (b *Batcher) armLocked(roomID string, bt *batch) {
	b.seq++
	seq := b.seq
	bt.seq = seq
	bt.timer = b.clock.AfterFunc(b.delay, func() { b.flushTimer(roomID, seq) })
}

func (b *Batcher) flushTimer(roomID string, seq uint64) {
	b.mu.Lock()
	bt := b.batches[roomID]
	if bt == nil || bt.seq != seq {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	if err := b.Flush(roomID); err != nil {
		b.logger.Warn("read receipts not sent", "room", roomID, "error", err)
	}
}

// Flush sends the room's queued ids in one mark-read. If the send fails
// the ids stay queued.
func (b *Batcher) Flush(roomID string) error {
	b.mu.Lock()
	bt := b.batches[roomID]
	if bt == nil || bt.sending || len(bt.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	bt.timer.Stop()
	bt.timer = nil
	bt.seq = 0
	bt.sending = true
	ids := append([]string(nil), bt.pending...)
	b.mu.Unlock()

	err := b.sender.Send(wire.MarkRead(roomID, ids))

	b.mu.Lock()
	bt.sending = false
	// The room may have been released while sending.
	if err == nil && b.batches[roomID] == bt {
		for _, id := range ids {
			bt.flushed[id] = struct{}{}
			delete(bt.pendingSet, id)
		}
		bt.pending = remaining(bt.pending, bt.pendingSet)
		if len(bt.pending) > 0 && bt.timer == nil {
			b.armLocked(roomID, bt)
		}
	}
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("mark-read %s: %w", roomID, err)
	}

	if b.bus != nil {
		events.Publish(b.bus, events.ReceiptsFlushed, events.ReceiptsEvent{RoomID: roomID, MessageIDs: ids})
	}
	return nil
}

func remaining(order []string, set map[string]struct{}) []string {
	out := order[:0]
	for _, id := range order {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Acknowledge records ids the server reports as read so they are never
// sent.
func (b *Batcher) Acknowledge(roomID string, ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bt := b.batches[roomID]
	if bt == nil {
		bt = newBatch()
		b.batches[roomID] = bt
	}
	for _, id := range ids {
		bt.flushed[id] = struct{}{}
		delete(bt.pendingSet, id)
	}
	bt.pending = remaining(bt.pending, bt.pendingSet)
	if len(bt.pending) == 0 {
		bt.timer.Stop()
		bt.timer = nil
		bt.seq = 0
	}
}

// Pending returns the ids queued for roomID.
func (b *Batcher) Pending(roomID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bt := b.batches[roomID]; bt != nil {
		return append([]string(nil), bt.pending...)
	}
	return nil
}

// Release forgets roomID and cancels its timer.
func (b *Batcher) Release(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bt := b.batches[roomID]; bt != nil {
		bt.timer.Stop()
		delete(b.batches, roomID)
	}
}

// Close cancels every timer.
func (b *Batcher) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for roomID, bt := range b.batches {
		bt.timer.Stop()
		delete(b.batches, roomID)
	}
}
