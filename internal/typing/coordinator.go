// Package typing debounces the local user's typing indicator and expires
// remote indicators whose stop was never delivered.
package typing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tutorchat/internal/clock"
	"tutorchat/internal/events"
	"tutorchat/internal/wire"
)

const (
	DefaultIdle = 3 * time.Second
	DefaultTTL  = 5 * time.Second
)

// Sender writes commands to the server.
type Sender interface {
	Send(cmd wire.Command) error
}

// State is one remote user's indicator.
type State struct {
	RoomID    string
	UserID    string
	IsTyping  bool
	ExpiresAt time.Time
}

type Options struct {
	Sender Sender
	Bus    *events.Bus
	Clock  clock.Clock
	Logger *slog.Logger
	// Idle is how long after the last keystroke typing-stop is sent.
	Idle time.Duration
	// TTL bounds how long a remote indicator shows without a refresh.
	TTL  time.Duration
	Self func() string
}

type episode struct {
	seq   uint64
	timer *clock.Timer
}

type remote struct {
	seq       uint64
	expiresAt time.Time
	timer     *clock.Timer
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	sender Sender
	bus    *events.Bus
	clock  clock.Clock
	logger *slog.Logger
	idle   time.Duration
	ttl    time.Duration
	self   func() string

	mu     sync.Mutex
	seq    uint64
	local  map[string]*episode
	remote map[string]map[string]*remote
}

func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	idle := opts.Idle
	if idle <= 0 {
		idle = DefaultIdle
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	self := opts.Self
	if self == nil {
		self = func() string { return "" }
	}
	return &Coordinator{
		sender: opts.Sender,
		bus:    opts.Bus,
		clock:  c,
		logger: logger.With("component", "typing"),
		idle:   idle,
		ttl:    ttl,
		self:   self,
		local:  make(map[string]*episode),
		remote: make(map[string]map[string]*remote),
	}
}

// Keystroke records local input in roomID. The first keystroke of an
// episode sends typing-start; every keystroke pushes the idle stop back.
func (c *Coordinator) Keystroke(roomID string) error {
	c.mu.Lock()
	ep, active := c.local[roomID]
	if active {
		ep.timer.Stop()
	} else {
		ep = &episode{}
		c.local[roomID] = ep
	}
	c.seq++
	seq := c.seq
	ep.seq = seq
	ep.timer = c.clock.AfterFunc(c.idle, func() { c.idleExpired(roomID, seq) })
	c.mu.Unlock()

	if active {
		return nil
	}
	if err := c.sender.Send(wire.TypingStart(roomID)); err != nil {
		c.mu.Lock()
		if current := c.local[roomID]; current != nil && current.seq == seq {
			current.timer.Stop()
			delete(c.local, roomID)
		}
		c.mu.Unlock()
		return fmt.Errorf("typing start: %w", err)
	}
	return nil
}

func (c *Coordinator) idleExpired(roomID string, seq uint64) {
	c.mu.Lock()
	ep := c.local[roomID]
	if ep == nil || ep.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.local, roomID)
	c.mu.Unlock()

	if err := c.sender.Send(wire.TypingStop(roomID)); err != nil {
		c.logger.Debug("typing stop not sent", "room", roomID, "error", err)
	}
}

// StopLocal ends the current episode in roomID immediately.
func (c *Coordinator) StopLocal(roomID string) error {
	c.mu.Lock()
	ep := c.local[roomID]
	if ep == nil {
		c.mu.Unlock()
		return nil
	}
	ep.timer.Stop()
	delete(c.local, roomID)
	c.mu.Unlock()

	if err := c.sender.Send(wire.TypingStop(roomID)); err != nil {
		return fmt.Errorf("typing stop: %w", err)
	}
	return nil
}

// IsTyping reports whether a local episode is active in roomID.
func (c *Coordinator) IsTyping(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.local[roomID]
	return ok
}

// OnRemoteTyping applies a typing push for the focused room.
func (c *Coordinator) OnRemoteTyping(ev wire.Typing) {
	if ev.UserID == "" || ev.UserID == c.self() {
		return
	}
	c.mu.Lock()
	users := c.remote[ev.RoomID]
	existing := users[ev.UserID]
	if existing != nil {
		existing.timer.Stop()
	}

	if !ev.IsTyping {
		if existing == nil {
			c.mu.Unlock()
			return
		}
		delete(users, ev.UserID)
		if len(users) == 0 {
			delete(c.remote, ev.RoomID)
		}
		names := c.usersLocked(ev.RoomID)
		c.mu.Unlock()
		c.publish(ev.RoomID, names)
		return
	}

	if users == nil {
		users = make(map[string]*remote)
		c.remote[ev.RoomID] = users
	}
	c.seq++
	seq := c.seq
	roomID, userID := ev.RoomID, ev.UserID
	users[userID] = &remote{
		seq:       seq,
		expiresAt: c.clock.Now().Add(c.ttl),
		timer:     c.clock.AfterFunc(c.ttl, func() { c.remoteExpired(roomID, userID, seq) }),
	}
	names := c.usersLocked(roomID)
	c.mu.Unlock()

	if existing == nil {
		c.publish(roomID, names)
	}
}

func (c *Coordinator) remoteExpired(roomID, userID string, seq uint64) {
	c.mu.Lock()
	entry := c.remote[roomID][userID]
	if entry == nil || entry.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.remote[roomID], userID)
	if len(c.remote[roomID]) == 0 {
		delete(c.remote, roomID)
	}
	names := c.usersLocked(roomID)
	c.mu.Unlock()

	c.logger.Debug("typing indicator expired", "room", roomID, "user", userID)
	c.publish(roomID, names)
}

// TypingUsers lists remote users currently typing in roomID, sorted.
func (c *Coordinator) TypingUsers(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usersLocked(roomID)
}

// States returns the remote indicators for roomID.
func (c *Coordinator) States(roomID string) []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make([]State, 0, len(c.remote[roomID]))
	for userID, entry := range c.remote[roomID] {
		states = append(states, State{RoomID: roomID, UserID: userID, IsTyping: true, ExpiresAt: entry.expiresAt})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].UserID < states[j].UserID })
	return states
}

func (c *Coordinator) usersLocked(roomID string) []string {
	users := make([]string, 0, len(c.remote[roomID]))
	for userID := range c.remote[roomID] {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (c *Coordinator) publish(roomID string, users []string) {
	if c.bus == nil {
		return
	}
	events.Publish(c.bus, events.TypingChanged, events.TypingEvent{RoomID: roomID, Users: users})
}

// Release cancels every timer held for roomID.
func (c *Coordinator) Release(roomID string) {
	c.mu.Lock()
	if ep := c.local[roomID]; ep != nil {
		ep.timer.Stop()
		delete(c.local, roomID)
	}
	users := c.remote[roomID]
	for _, entry := range users {
		entry.timer.Stop()
	}
	delete(c.remote, roomID)
	c.mu.Unlock()

	if len(users) > 0 {
		c.publish(roomID, []string{})
	}
}

// Close cancels all timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	rooms := make(map[string]struct{}, len(c.local)+len(c.remote))
	for roomID := range c.local {
		rooms[roomID] = struct{}{}
	}
	for roomID := range c.remote {
		rooms[roomID] = struct{}{}
	}
	c.mu.Unlock()

	for roomID := range rooms {
		c.Release(roomID)
	}
}
