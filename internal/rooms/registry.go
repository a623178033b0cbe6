// Package rooms tracks which conversation rooms this session has joined
// and which one is open, and filters inbound pushes accordingly.
package rooms

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"tutorchat/internal/conn"
	"tutorchat/internal/events"
	"tutorchat/internal/wire"
)

var ErrNotJoined = errors.New("room not joined")

// Sender writes commands to the server.
type Sender interface {
	Send(cmd wire.Command) error
}

// Releaser drops per-room state when a room is left.
type Releaser interface {
	Release(roomID string)
}

// Router receives the pushes that belong to the focused room.
type Router interface {
	OnMessage(ev wire.MessageReceived)
	OnTyping(ev wire.Typing)
	OnMessagesRead(ev wire.MessagesRead)
}

// Room is a snapshot of one joined room.
type Room struct {
	ID      string
	Focused bool
	Unread  int
}

type Options struct {
	Sender Sender
	Bus    *events.Bus
	Router Router
	Logger *slog.Logger
	// Self returns the local user id; own messages never raise a badge.
	Self func() string
}

// Registry is safe for concurrent use.
type Registry struct {
	sender Sender
	bus    *events.Bus
	router Router
	logger *slog.Logger
	self   func() string

	mu        sync.Mutex
	joined    map[string]int // room id -> unread count
	focused   string
	releasers []Releaser

	unsubscribe []func()
}

// New builds a registry and subscribes it to the bus.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	self := opts.Self
	if self == nil {
		self = func() string { return "" }
	}
	r := &Registry{
		sender: opts.Sender,
		bus:    opts.Bus,
		router: opts.Router,
		logger: logger.With("component", "rooms"),
		self:   self,
		joined: make(map[string]int),
	}
	r.unsubscribe = []func(){
		events.On(r.bus, events.InboundTopic(wire.PushMessageReceived), r.handleMessage),
		events.On(r.bus, events.InboundTopic(wire.PushTyping), r.handleTyping),
		events.On(r.bus, events.InboundTopic(wire.PushMessagesRead), r.handleMessagesRead),
		events.On(r.bus, events.Connected, func(events.ConnectedEvent) { r.rejoin() }),
	}
	return r
}

// AddReleaser registers per-room state owners notified on Leave.
func (r *Registry) AddReleaser(rel Releaser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releasers = append(r.releasers, rel)
}

// Join subscribes to roomID. The room counts as joined immediately; if the
// connection is down the join is sent when it comes back.
func (r *Registry) Join(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("join: empty room id")
	}
	r.mu.Lock()
	if _, ok := r.joined[roomID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.joined[roomID] = 0
	r.mu.Unlock()

	events.Publish(r.bus, events.RoomJoined, events.RoomEvent{RoomID: roomID})
	if err := r.sender.Send(wire.JoinRoom(roomID)); err != nil && !errors.Is(err, conn.ErrNotConnected) {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	return nil
}

// Leave unsubscribes from roomID and releases everything held for it.
func (r *Registry) Leave(roomID string) error {
	r.mu.Lock()
	if _, ok := r.joined[roomID]; !ok {
		r.mu.Unlock()
		return ErrNotJoined
	}
	delete(r.joined, roomID)
	if r.focused == roomID {
		r.focused = ""
	}
	releasers := append([]Releaser(nil), r.releasers...)
	r.mu.Unlock()

	for _, rel := range releasers {
		rel.Release(roomID)
	}
	events.Publish(r.bus, events.UnreadChanged, events.UnreadEvent{RoomID: roomID, Count: 0})
	events.Publish(r.bus, events.RoomLeft, events.RoomEvent{RoomID: roomID})

	err := r.sender.Send(wire.LeaveRoom(roomID))
	if err != nil && !errors.Is(err, conn.ErrNotConnected) {
		return fmt.Errorf("leave %s: %w", roomID, err)
	}
	return nil
}

// Focus makes roomID the open room and clears its badge.
func (r *Registry) Focus(roomID string) error {
	r.mu.Lock()
	unread, ok := r.joined[roomID]
	if !ok {
		r.mu.Unlock()
		return ErrNotJoined
	}
	r.focused = roomID
	r.joined[roomID] = 0
	r.mu.Unlock()

	if unread != 0 {
		events.Publish(r.bus, events.UnreadChanged, events.UnreadEvent{RoomID: roomID, Count: 0})
	}
	return nil
}

func (r *Registry) Focused() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused
}

func (r *Registry) IsJoined(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.joined[roomID]
	return ok
}

func (r *Registry) Unread(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined[roomID]
}

// Rooms lists joined rooms by id.
func (r *Registry) Rooms() []Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]Room, 0, len(r.joined))
	for id, unread := range r.joined {
		rooms = append(rooms, Room{ID: id, Focused: id == r.focused, Unread: unread})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// Close unsubscribes from the bus.
func (r *Registry) Close() {
	for _, unsubscribe := range r.unsubscribe {
		unsubscribe()
	}
}

func (r *Registry) rejoin() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.joined))
	for id := range r.joined {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := r.sender.Send(wire.JoinRoom(id)); err != nil {
			r.logger.Warn("rejoin failed", "room", id, "error", err)
			return
		}
	}
	if len(ids) > 0 {
		r.logger.Info("rejoined rooms", "count", len(ids))
	}
}

type route int

const (
	routeDrop route = iota
	routeBackground
	routeFocused
)

func (r *Registry) classify(roomID string) route {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.joined[roomID]; !ok {
		return routeDrop
	}
	if roomID == r.focused {
		return routeFocused
	}
	return routeBackground
}

func (r *Registry) drop(pushType, roomID, reason string) {
	r.logger.Debug("dropping event", "type", pushType, "room", roomID, "reason", reason)
	events.Publish(r.bus, events.EventDropped, events.DroppedEvent{Type: pushType, RoomID: roomID, Reason: reason})
}

func decode(in events.Inbound, v any) error {
	if len(in.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", wire.ErrMalformedFrame)
	}
	if err := json.Unmarshal(in.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", wire.ErrMalformedFrame, err)
	}
	return nil
}

func (r *Registry) handleMessage(in events.Inbound) {
	var ev wire.MessageReceived
	if err := decode(in, &ev); err != nil {
		r.drop(in.Type, "", err.Error())
		return
	}
	if err := ev.Normalize(); err != nil {
		r.drop(in.Type, ev.RoomID, err.Error())
		return
	}
	if ev.RoomID == "" {
		r.drop(in.Type, "", "missing room id")
		return
	}

	switch r.classify(ev.RoomID) {
	case routeDrop:
		r.drop(in.Type, ev.RoomID, ErrNotJoined.Error())
	case routeBackground:
		// Acks for our own sends still reconcile the room's timeline.
		if ev.Message.SenderID == r.self() {
			if r.router != nil {
				r.router.OnMessage(ev)
			}
			return
		}
		r.mu.Lock()
		count, ok := r.joined[ev.RoomID]
		if ok {
			count++
			r.joined[ev.RoomID] = count
		}
		r.mu.Unlock()
		if ok {
			events.Publish(r.bus, events.UnreadChanged, events.UnreadEvent{RoomID: ev.RoomID, Count: count})
		}
	case routeFocused:
		if r.router != nil {
			r.router.OnMessage(ev)
		}
	}
}

func (r *Registry) handleTyping(in events.Inbound) {
	var ev wire.Typing
	if err := decode(in, &ev); err != nil {
		r.drop(in.Type, "", err.Error())
		return
	}
	switch r.classify(ev.RoomID) {
	case routeDrop:
		r.drop(in.Type, ev.RoomID, ErrNotJoined.Error())
	case routeFocused:
		if r.router != nil {
			r.router.OnTyping(ev)
		}
	}
}

func (r *Registry) handleMessagesRead(in events.Inbound) {
	var ev wire.MessagesRead
	if err := decode(in, &ev); err != nil {
		r.drop(in.Type, "", err.Error())
		return
	}
	switch r.classify(ev.RoomID) {
	case routeDrop:
		r.drop(in.Type, ev.RoomID, ErrNotJoined.Error())
	case routeFocused:
		if r.router != nil {
			r.router.OnMessagesRead(ev)
		}
	}
}
