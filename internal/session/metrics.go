package session

import (
	"fmt"
	"sync/atomic"

	"tutorchat/internal/events"
)

// Metrics counts what the session has seen since it was created.
type Metrics struct {
	connects        atomic.Uint64
	reconnects      atomic.Uint64
	disconnects     atomic.Uint64
	connectErrors   atomic.Uint64
	droppedEvents   atomic.Uint64
	merged          atomic.Uint64
	sent            atomic.Uint64
	sendFailures    atomic.Uint64
	receiptsFlushed atomic.Uint64
}

// Stats is a point-in-time copy of Metrics.
type Stats struct {
	Connects        uint64 `json:"connects_total"`
	Reconnects      uint64 `json:"reconnects_total"`
	Disconnects     uint64 `json:"disconnects_total"`
	ConnectErrors   uint64 `json:"connect_errors_total"`
	DroppedEvents   uint64 `json:"dropped_events_total"`
	MessagesMerged  uint64 `json:"messages_merged_total"`
	MessagesSent    uint64 `json:"messages_sent_total"`
	SendFailures    uint64 `json:"send_failures_total"`
	ReceiptsFlushed uint64 `json:"receipts_flushed_total"`
}

func (s Stats) String() string {
	return fmt.Sprintf("reconnects=%d dropped=%d sent=%d failed=%d receipts=%d",
		s.Reconnects, s.DroppedEvents, s.MessagesSent, s.SendFailures, s.ReceiptsFlushed)
}

// observe feeds the lifecycle counters from bus events.
func (m *Metrics) observe(bus *events.Bus) []func() {
	return []func(){
		events.On(bus, events.Connected, func(e events.ConnectedEvent) {
			m.connects.Add(1)
			if e.Reconnected {
				m.reconnects.Add(1)
			}
		}),
		events.On(bus, events.Disconnected, func(events.DisconnectedEvent) { m.disconnects.Add(1) }),
		events.On(bus, events.ConnectError, func(events.ConnectErrorEvent) { m.connectErrors.Add(1) }),
		events.On(bus, events.EventDropped, func(events.DroppedEvent) { m.droppedEvents.Add(1) }),
		events.On(bus, events.ReceiptsFlushed, func(e events.ReceiptsEvent) { m.receiptsFlushed.Add(uint64(len(e.MessageIDs))) }),
	}
}

func (m *Metrics) Snapshot() Stats {
	return Stats{
		Connects:        m.connects.Load(),
		Reconnects:      m.reconnects.Load(),
		Disconnects:     m.disconnects.Load(),
		ConnectErrors:   m.connectErrors.Load(),
		DroppedEvents:   m.droppedEvents.Load(),
		MessagesMerged:  m.merged.Load(),
		MessagesSent:    m.sent.Load(),
		SendFailures:    m.sendFailures.Load(),
		ReceiptsFlushed: m.receiptsFlushed.Load(),
	}
}
