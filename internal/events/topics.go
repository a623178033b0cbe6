package events

import (
	"encoding/json"
	"time"
)

// Topic names an event and fixes its payload type.
type Topic[T any] struct {
	Name string
}

// NewTopic declares a typed topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{Name: name}
}

// On subscribes fn to topic. Payloads of another type are ignored.
func On[T any](bus *Bus, topic Topic[T], fn func(T)) (unsubscribe func()) {
	return bus.Subscribe(topic.Name, func(payload any) {
		if typed, ok := payload.(T); ok {
			fn(typed)
		}
	})
}

// Publish dispatches payload on topic.
func Publish[T any](bus *Bus, topic Topic[T], payload T) {
	bus.Dispatch(topic.Name, payload)
}

// Connection lifecycle.
var (
	Connecting   = NewTopic[ConnectingEvent]("connecting")
	Connected    = NewTopic[ConnectedEvent]("connected")
	Disconnected = NewTopic[DisconnectedEvent]("disconnected")
	ConnectError = NewTopic[ConnectErrorEvent]("connect-error")
	Reconnect    = NewTopic[ReconnectEvent]("reconnect")
	AuthFailed   = NewTopic[AuthFailedEvent]("auth-failed")
	StateChanged = NewTopic[StateEvent]("state-changed")
)

// Derived notifications for UI surfaces.
var (
	EventDropped    = NewTopic[DroppedEvent]("event-dropped")
	UnreadChanged   = NewTopic[UnreadEvent]("unread-changed")
	TypingChanged   = NewTopic[TypingEvent]("typing-changed")
	TimelineChanged = NewTopic[TimelineEvent]("timeline-changed")
	MessageFailed   = NewTopic[MessageFailedEvent]("message-failed")
	RoomJoined      = NewTopic[RoomEvent]("room-joined")
	RoomLeft        = NewTopic[RoomEvent]("room-left")
	ReceiptsFlushed = NewTopic[ReceiptsEvent]("receipts-flushed")
	ServerNotice    = NewTopic[ServerNoticeEvent]("server-notice")
)

// InboundTopic is the topic a server push of the given type is dispatched
// on, before any room filtering.
func InboundTopic(pushType string) Topic[Inbound] {
	return NewTopic[Inbound](pushType)
}

// Inbound is a decoded envelope whose payload has not been interpreted.
type Inbound struct {
	Type    string
	Payload json.RawMessage
}

type ConnectingEvent struct {
	UserID string
}

// ConnectedEvent fires once per successful transport connect. Attempts is
// the number of failed attempts that preceded it.
type ConnectedEvent struct {
	UserID      string
	Reconnected bool
	Attempts    int
}

type DisconnectedEvent struct {
	Reason      string
	Intentional bool
}

// ConnectErrorEvent reports a failed attempt. Terminal means no further
// attempt is scheduled.
type ConnectErrorEvent struct {
	Reason   string
	Attempt  int
	Terminal bool
}

// ReconnectEvent announces a scheduled attempt.
type ReconnectEvent struct {
	Attempt int
	Delay   time.Duration
}

// StateEvent records a connection state transition.
type StateEvent struct {
	From string
	To   string
}

type AuthFailedEvent struct {
	Reason string
}

type DroppedEvent struct {
	Type   string
	RoomID string
	Reason string
}

type UnreadEvent struct {
	RoomID string
	Count  int
}

type TypingEvent struct {
	RoomID string
	Users  []string
}

type TimelineEvent struct {
	RoomID string
}

type MessageFailedEvent struct {
	RoomID        string
	CorrelationID string
	Reason        string
}

type RoomEvent struct {
	RoomID string
}

// ReceiptsEvent reports one mark-read sent to the server.
type ReceiptsEvent struct {
	RoomID     string
	MessageIDs []string
}

// ServerNoticeEvent carries a non-fatal error reported by the server.
type ServerNoticeEvent struct {
	Message string
}
