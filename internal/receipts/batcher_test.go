package receipts

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorchat/internal/clock"
	"tutorchat/internal/events"
	"tutorchat/internal/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.Command
	err  error
}

func (s *fakeSender) Send(cmd wire.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *fakeSender) markReads(t *testing.T) []wire.MarkReadPayload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.MarkReadPayload
	for _, c := range s.sent {
		require.Equal(t, wire.CmdMarkRead, c.Type)
		out = append(out, c.Payload.(wire.MarkReadPayload))
	}
	return out
}

func messages(sender string, from, to int) []wire.Message {
	var out []wire.Message
	for i := from; i <= to; i++ {
		out = append(out, wire.Message{ID: strconv.Itoa(i), RoomID: "R1", SenderID: sender})
	}
	return out
}

func setup(t *testing.T) (*Batcher, *fakeSender, *clock.FakeClock, *events.Bus) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sender := &fakeSender{}
	bus := events.NewBus(nil)
	b := New(Options{Sender: sender, Bus: bus, Clock: clk, Self: func() string { return "7" }})
	t.Cleanup(b.Close)
	return b, sender, clk, bus
}

func TestBatchesEligibleMessagesOnce(t *testing.T) {
	b, sender, clk, bus := setup(t)
	var flushed []events.ReceiptsEvent
	events.On(bus, events.ReceiptsFlushed, func(e events.ReceiptsEvent) { flushed = append(flushed, e) })

	msgs := messages("3", 1, 5)
	msgs = append(msgs, wire.Message{ID: "6", SenderID: "7"})             // own
	msgs = append(msgs, wire.Message{ID: "7", SenderID: "3", Read: true}) // already read
	msgs = append(msgs, wire.Message{ID: "temp-1", SenderID: "3", Status: wire.StatusPending})

	assert.Equal(t, 5, b.Collect("R1", msgs))
	assert.Equal(t, 0, b.Collect("R1", msgs))
	clk.Advance(DefaultDelay - time.Millisecond)
	assert.Empty(t, sender.markReads(t))

	clk.Advance(time.Millisecond)
	reads := sender.markReads(t)
	require.Len(t, reads, 1)
	assert.Equal(t, wire.MarkReadPayload{RoomID: "R1", MessageIDs: []string{"1", "2", "3", "4", "5"}}, reads[0])
	require.Len(t, flushed, 1)

	// Re-collecting the same timeline sends nothing new.
	assert.Equal(t, 0, b.Collect("R1", msgs))
	clk.Advance(time.Second)
	assert.Len(t, sender.markReads(t), 1)
	assert.Empty(t, b.Pending("R1"))
}

func TestSendFailureKeepsPending(t *testing.T) {
	b, sender, clk, _ := setup(t)
	sender.err = errors.New("not connected")

	b.Collect("R1", messages("3", 1, 2))
	clk.Advance(DefaultDelay)
	assert.Equal(t, []string{"1", "2"}, b.Pending("R1"))

	sender.err = nil
	b.Collect("R1", messages("3", 1, 3))
	clk.Advance(DefaultDelay)

	reads := sender.markReads(t)
	require.Len(t, reads, 1)
	assert.Equal(t, []string{"1", "2", "3"}, reads[0].MessageIDs)
}

func TestPendingFlushedAfterReconnect(t *testing.T) {
	b, sender, clk, bus := setup(t)
	sender.err = errors.New("not connected")

	b.Collect("R1", messages("3", 1, 2))
	clk.Advance(DefaultDelay)
	assert.Equal(t, []string{"1", "2"}, b.Pending("R1"))
	assert.Zero(t, clk.PendingCount())

	sender.err = nil
	events.Publish(bus, events.Connected, events.ConnectedEvent{UserID: "7", Reconnected: true})
	clk.Advance(DefaultDelay)

	reads := sender.markReads(t)
	require.Len(t, reads, 1)
	assert.Equal(t, []string{"1", "2"}, reads[0].MessageIDs)
	assert.Empty(t, b.Pending("R1"))

	// A later connect has nothing left to send.
	events.Publish(bus, events.Connected, events.ConnectedEvent{UserID: "7", Reconnected: true})
	clk.Advance(time.Second)
	assert.Len(t, sender.markReads(t), 1)
}

func TestAcknowledgeSuppressesSend(t *testing.T) {
	b, sender, clk, _ := setup(t)

	b.Collect("R1", messages("3", 1, 3))
	b.Acknowledge("R1", []string{"1", "2", "3"})
	clk.Advance(time.Second)
	assert.Empty(t, sender.markReads(t))
	assert.Zero(t, clk.PendingCount())

	b.Acknowledge("R2", []string{"9"})
	assert.Zero(t, b.Collect("R2", []wire.Message{{ID: "9", SenderID: "3"}}))
}

func TestExplicitFlush(t *testing.T) {
	b, sender, clk, _ := setup(t)

	require.NoError(t, b.Flush("R1"))
	b.Collect("R1", messages("3", 1, 1))
	require.NoError(t, b.Flush("R1"))
	clk.Advance(time.Second)

	assert.Len(t, sender.markReads(t), 1)
}

func TestReleaseForgetsRoom(t *testing.T) {
	b, sender, clk, _ := setup(t)

	b.Collect("R1", messages("3", 1, 2))
	b.Release("R1")
	clk.Advance(time.Second)
	assert.Empty(t, sender.markReads(t))
	assert.Nil(t, b.Pending("R1"))
	assert.Zero(t, clk.PendingCount())
}
