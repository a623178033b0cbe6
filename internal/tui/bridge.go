package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"tutorchat/internal/events"
	"tutorchat/internal/session"
)

// Bus events reach the program through model.inbox, which listenCmd
// drains one message at a time.
type (
	refreshMsg    struct{}
	noticeMsg     notice
	authFailedMsg struct{ reason string }
)

func (model *Model) listenCmd() tea.Cmd {
	inbox := model.inbox
	return func() tea.Msg {
		return <-inbox
	}
}

// post never blocks the publisher; a dropped refresh is covered by the
// next one.
func (model *Model) post(msg tea.Msg) {
	select {
	case model.inbox <- msg:
	default:
	}
}

// deliver waits for room in the inbox until the program exits.
func (model *Model) deliver(msg tea.Msg) {
	select {
	case model.inbox <- msg:
	case <-model.done:
	}
}

// shutdown releases deliveries still waiting on the inbox.
func (model *Model) shutdown() {
	model.doneOnce.Do(func() { close(model.done) })
}

func (model *Model) bridge(s *session.Session) []func() {
	bus := s.Bus()
	refresh := func() { model.post(refreshMsg{}) }
	return []func(){
		events.On(bus, events.StateChanged, func(events.StateEvent) { refresh() }),
		events.On(bus, events.TimelineChanged, func(events.TimelineEvent) { refresh() }),
		events.On(bus, events.TypingChanged, func(events.TypingEvent) { refresh() }),
		events.On(bus, events.UnreadChanged, func(events.UnreadEvent) { refresh() }),
		events.On(bus, events.RoomJoined, func(events.RoomEvent) { refresh() }),
		events.On(bus, events.RoomLeft, func(events.RoomEvent) { refresh() }),
		events.On(bus, events.Reconnect, func(e events.ReconnectEvent) {
			model.post(noticeMsg{text: fmt.Sprintf("Reconnecting in %s (attempt %d)…", e.Delay, e.Attempt)})
		}),
		events.On(bus, events.ConnectError, func(e events.ConnectErrorEvent) {
			if e.Terminal {
				model.post(noticeMsg{text: "Connection failed: " + e.Reason, isError: true})
			}
		}),
		events.On(bus, events.MessageFailed, func(e events.MessageFailedEvent) {
			model.post(noticeMsg{text: "Message not delivered (" + e.Reason + "). Type /retry to resend.", isError: true})
		}),
		events.On(bus, events.ServerNotice, func(e events.ServerNoticeEvent) {
			model.post(noticeMsg{text: "Server: " + e.Message, isError: true})
		}),
		events.On(bus, events.AuthFailed, func(e events.AuthFailedEvent) {
			go model.deliver(authFailedMsg{reason: e.Reason})
		}),
	}
}
