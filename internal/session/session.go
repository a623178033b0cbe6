// Package session composes the connection, room registry, timelines,
// typing indicators and read receipts into the one object a UI holds for
// a logged-in user.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tutorchat/internal/api"
	"tutorchat/internal/clock"
	"tutorchat/internal/conn"
	"tutorchat/internal/events"
	"tutorchat/internal/receipts"
	"tutorchat/internal/rooms"
	"tutorchat/internal/timeline"
	"tutorchat/internal/typing"
	"tutorchat/internal/wire"
)

const (
	DefaultSendTimeout     = 10 * time.Second
	DefaultHistoryPageSize = 50
)

var ErrEmptyMessage = errors.New("empty message")

// History loads a room's earlier messages.
type History interface {
	GetHistory(ctx context.Context, roomID string, pages, pageSize int) ([]wire.Message, error)
}

type Options struct {
	URL    string
	Dialer conn.Dialer
	// History seeds a timeline when a room is opened. Optional.
	History     History
	Clock       clock.Clock
	Logger      *slog.Logger
	Backoff     conn.Backoff
	MaxAttempts int
	UserAgent   string

	TypingIdle   time.Duration
	TypingTTL    time.Duration
	ReceiptDelay time.Duration
	SendTimeout  time.Duration

	HistoryPages    int
	HistoryPageSize int
}

type outgoing struct {
	roomID string
	seq    uint64
	timer  *clock.Timer
}

// Session is safe for concurrent use.
type Session struct {
	bus      *events.Bus
	conn     *conn.Manager
	rooms    *rooms.Registry
	typing   *typing.Coordinator
	receipts *receipts.Batcher
	history  History
	clock    clock.Clock
	logger   *slog.Logger
	metrics  Metrics

	sendTimeout     time.Duration
	historyPages    int
	historyPageSize int

	mu        sync.Mutex
	identity  wire.Identity
	timelines map[string]*timeline.Timeline
	outbox    map[string]*outgoing // correlation id -> unconfirmed send
	seq       uint64

	unsubscribe []func()
	closeOnce   sync.Once
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	pageSize := opts.HistoryPageSize
	if pageSize <= 0 {
		pageSize = DefaultHistoryPageSize
	}
	pages := opts.HistoryPages
	if pages <= 0 {
		pages = 1
	}

	bus := events.NewBus(logger)
	s := &Session{
		bus:             bus,
		history:         opts.History,
		clock:           c,
		logger:          logger.With("component", "session"),
		sendTimeout:     sendTimeout,
		historyPages:    pages,
		historyPageSize: pageSize,
		timelines:       make(map[string]*timeline.Timeline),
		outbox:          make(map[string]*outgoing),
	}
	s.conn = conn.NewManager(conn.Options{
		URL:         opts.URL,
		Dialer:      opts.Dialer,
		Bus:         bus,
		Clock:       c,
		Logger:      logger,
		Backoff:     opts.Backoff,
		MaxAttempts: opts.MaxAttempts,
		UserAgent:   opts.UserAgent,
	})
	s.typing = typing.New(typing.Options{
		Sender: s.conn,
		Bus:    bus,
		Clock:  c,
		Logger: logger,
		Idle:   opts.TypingIdle,
		TTL:    opts.TypingTTL,
		Self:   s.self,
	})
	s.receipts = receipts.New(receipts.Options{
		Sender: s.conn,
		Bus:    bus,
		Clock:  c,
		Logger: logger,
		Delay:  opts.ReceiptDelay,
		Self:   s.self,
	})
	s.rooms = rooms.New(rooms.Options{
		Sender: s.conn,
		Bus:    bus,
		Router: s,
		Logger: logger,
		Self:   s.self,
	})
	s.rooms.AddReleaser(s.typing)
	s.rooms.AddReleaser(s.receipts)
	s.rooms.AddReleaser(s)
	s.unsubscribe = append(s.metrics.observe(bus),
		events.On(bus, events.InboundTopic(wire.PushAuthenticated), s.handleAuthenticated),
		events.On(bus, events.InboundTopic(wire.PushError), s.handleServerError),
	)
	return s
}

func (s *Session) handleAuthenticated(in events.Inbound) {
	var ack wire.Authenticated
	if err := json.Unmarshal(in.Payload, &ack); err != nil {
		events.Publish(s.bus, events.EventDropped, events.DroppedEvent{Type: in.Type, Reason: err.Error()})
		return
	}
	if id := s.Identity(); ack.UserID != "" && ack.UserID != id.UserID {
		s.logger.Warn("server authenticated a different user", "expected", id.UserID, "got", ack.UserID)
		return
	}
	s.logger.Info("authenticated", "user_id", ack.UserID)
}

func (s *Session) handleServerError(in events.Inbound) {
	var serverErr wire.ServerError
	if err := json.Unmarshal(in.Payload, &serverErr); err != nil || serverErr.Message == "" {
		events.Publish(s.bus, events.EventDropped, events.DroppedEvent{Type: in.Type, Reason: "malformed frame"})
		return
	}
	s.logger.Warn("server error", "message", serverErr.Message)
	events.Publish(s.bus, events.ServerNotice, events.ServerNoticeEvent{Message: serverErr.Message})
}

// Bus is where every lifecycle and derived event is published.
func (s *Session) Bus() *events.Bus { return s.bus }

func (s *Session) State() conn.State { return s.conn.State() }

func (s *Session) Stats() Stats { return s.metrics.Snapshot() }

func (s *Session) Identity() wire.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.UserID
}

// Connect opens the realtime channel for id. An expired token fails here
// without dialing.
func (s *Session) Connect(id wire.Identity) error {
	if err := api.InspectToken(id.Token, s.clock.Now()); err != nil {
		events.Publish(s.bus, events.AuthFailed, events.AuthFailedEvent{Reason: err.Error()})
		return &conn.AuthError{Reason: err.Error()}
	}
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	s.conn.Connect(id)
	return nil
}

// Disconnect closes the channel. Joined rooms are kept and rejoined on the
// next Connect.
func (s *Session) Disconnect() {
	s.conn.Disconnect()
}

// Close tears the session down. It must not be used afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.conn.Disconnect()
		s.rooms.Close()
		s.typing.Close()
		s.receipts.Close()
		for _, unsubscribe := range s.unsubscribe {
			unsubscribe()
		}
		s.mu.Lock()
		for corrID, out := range s.outbox {
			out.timer.Stop()
			delete(s.outbox, corrID)
		}
		s.mu.Unlock()
	})
}

// joinedTimeline returns roomID's timeline, or nil once the room has been
// left. The check runs under s.mu so it cannot race Release.
func (s *Session) joinedTimeline(roomID string) *timeline.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rooms.IsJoined(roomID) {
		return nil
	}
	tl := s.timelines[roomID]
	if tl == nil {
		tl = timeline.New(roomID)
		s.timelines[roomID] = tl
	}
	return tl
}

// Open joins roomID, makes it the focused room and seeds it from history.
func (s *Session) Open(ctx context.Context, roomID string) error {
	if err := s.rooms.Join(roomID); err != nil {
		return err
	}
	if err := s.rooms.Focus(roomID); err != nil {
		return err
	}
	tl := s.joinedTimeline(roomID)
	if tl == nil {
		return rooms.ErrNotJoined
	}

	var seedErr error
	if s.history != nil {
		history, err := s.history.GetHistory(ctx, roomID, s.historyPages, s.historyPageSize)
		if err != nil {
			seedErr = fmt.Errorf("open %s: %w", roomID, err)
			s.logger.Warn("history not loaded", "room", roomID, "error", err)
		} else {
			tl.Seed(history)
		}
	}
	s.receipts.Collect(roomID, tl.Snapshot())
	events.Publish(s.bus, events.TimelineChanged, events.TimelineEvent{RoomID: roomID})
	return seedErr
}

// Watch joins roomID without focusing it; new messages there raise its
// unread badge.
func (s *Session) Watch(roomID string) error {
	return s.rooms.Join(roomID)
}

func (s *Session) Leave(roomID string) error {
	return s.rooms.Leave(roomID)
}

// Release drops the room's timeline and its unconfirmed sends.
func (s *Session) Release(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timelines, roomID)
	for corrID, out := range s.outbox {
		if out.roomID == roomID {
			out.timer.Stop()
			delete(s.outbox, corrID)
		}
	}
}

func (s *Session) Focused() string { return s.rooms.Focused() }

func (s *Session) Rooms() []rooms.Room { return s.rooms.Rooms() }

func (s *Session) Unread(roomID string) int { return s.rooms.Unread(roomID) }

// Timeline returns a copy of roomID's ordered messages.
func (s *Session) Timeline(roomID string) []wire.Message {
	s.mu.Lock()
	tl := s.timelines[roomID]
	s.mu.Unlock()
	if tl == nil {
		return nil
	}
	return tl.Snapshot()
}

func (s *Session) TypingUsers(roomID string) []string { return s.typing.TypingUsers(roomID) }

// Keystroke reports local typing in roomID.
func (s *Session) Keystroke(roomID string) error {
	if !s.rooms.IsJoined(roomID) {
		return rooms.ErrNotJoined
	}
	return s.typing.Keystroke(roomID)
}

// Send shows the message immediately and transmits it. The returned
// correlation id identifies the entry until the server confirms it. If
// the send fails the entry is kept as failed and can be retried.
func (s *Session) Send(roomID, content string, kind wire.Kind) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}
	if kind == "" {
		kind = wire.KindText
	}
	if !kind.Valid() {
		return "", fmt.Errorf("send: unknown kind %q", kind)
	}
	tl := s.joinedTimeline(roomID)
	if tl == nil {
		return "", rooms.ErrNotJoined
	}

	corrID := "temp-" + uuid.NewString()
	tl.AddLocal(wire.Message{
		CorrelationID: corrID,
		RoomID:        roomID,
		SenderID:      s.self(),
		Content:       content,
		Kind:          kind,
		CreatedAt:     s.clock.Now(),
	})
	events.Publish(s.bus, events.TimelineChanged, events.TimelineEvent{RoomID: roomID})

	if err := s.typing.StopLocal(roomID); err != nil {
		s.logger.Debug("typing stop not sent", "room", roomID, "error", err)
	}
	return corrID, s.transmit(roomID, corrID, content, kind)
}

// Retry resends a failed message with its original correlation id.
func (s *Session) Retry(corrID string) error {
	s.mu.Lock()
	var roomID string
	for id, tl := range s.timelines {
		if _, ok := tl.Pending(corrID); ok {
			roomID = id
			break
		}
	}
	s.mu.Unlock()
	if roomID == "" {
		return timeline.ErrUnknownMessage
	}

	tl := s.joinedTimeline(roomID)
	if tl == nil {
		return timeline.ErrUnknownMessage
	}
	entry, ok := tl.Pending(corrID)
	if !ok {
		return timeline.ErrUnknownMessage
	}
	if err := tl.MarkPending(corrID); err != nil {
		return err
	}
	events.Publish(s.bus, events.TimelineChanged, events.TimelineEvent{RoomID: roomID})
	return s.transmit(roomID, corrID, entry.Content, entry.Kind)
}

func (s *Session) transmit(roomID, corrID, content string, kind wire.Kind) error {
	s.mu.Lock()
	class := s.identity.Role.Class()
	s.mu.Unlock()

	cmd := wire.SendMessage(class, wire.SendMessagePayload{RoomID: roomID, Content: content, Kind: kind, CorrelationID: corrID})
	if err := s.conn.Send(cmd); err != nil {
		s.failed(roomID, corrID, err.Error())
		return fmt.Errorf("send: %w", err)
	}
	s.metrics.sent.Add(1)

	s.mu.Lock()
	if previous := s.outbox[corrID]; previous != nil {
		previous.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.outbox[corrID] = &outgoing{
		roomID: roomID,
		seq:    seq,
		timer:  s.clock.AfterFunc(s.sendTimeout, func() { s.sendTimedOut(corrID, seq) }),
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) sendTimedOut(corrID string, seq uint64) {
	s.mu.Lock()
	out := s.outbox[corrID]
	if out == nil || out.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.outbox, corrID)
	s.mu.Unlock()

	s.logger.Warn("send not confirmed", "room", out.roomID, "correlation_id", corrID)
	s.failed(out.roomID, corrID, "not confirmed in time")
}

func (s *Session) failed(roomID, corrID, reason string) {
	s.mu.Lock()
	tl := s.timelines[roomID]
	s.mu.Unlock()
	if tl == nil || tl.MarkFailed(corrID) != nil {
		return
	}
	s.metrics.sendFailures.Add(1)
	events.Publish(s.bus, events.MessageFailed, events.MessageFailedEvent{RoomID: roomID, CorrelationID: corrID, Reason: reason})
	events.Publish(s.bus, events.TimelineChanged, events.TimelineEvent{RoomID: roomID})
}

// OnMessage merges a message pushed for a joined room.
func (s *Session) OnMessage(ev wire.MessageReceived) {
	msg := ev.Message
	if corrID := msg.CorrelationID; corrID != "" {
		s.mu.Lock()
		if out := s.outbox[corrID]; out != nil {
			out.timer.Stop()
			delete(s.outbox, corrID)
		}
		s.mu.Unlock()
	}
	msg.Status = wire.StatusConfirmed

	tl := s.joinedTimeline(ev.RoomID)
	if tl == nil {
		s.logger.Debug("message for released room", "room", ev.RoomID, "id", msg.ID)
		return
	}
	tl.Merge(msg)
	s.metrics.merged.Add(1)

	if s.rooms.Focused() == ev.RoomID {
		s.receipts.Collect(ev.RoomID, []wire.Message{msg})
	}
	events.Publish(s.bus, events.TimelineChanged, events.TimelineEvent{RoomID: ev.RoomID})
}

func (s *Session) OnTyping(ev wire.Typing) {
	s.typing.OnRemoteTyping(ev)
}

// OnMessagesRead applies the server's read marks.
func (s *Session) OnMessagesRead(ev wire.MessagesRead) {
	tl := s.joinedTimeline(ev.RoomID)
	if tl == nil {
		return
	}
	s.receipts.Acknowledge(ev.RoomID, ev.MessageIDs)
	if tl.MarkRead(ev.MessageIDs) > 0 {
		events.Publish(s.bus, events.TimelineChanged, events.TimelineEvent{RoomID: ev.RoomID})
	}
}

// FailedMessages lists roomID's entries awaiting a retry, oldest first.
func (s *Session) FailedMessages(roomID string) []wire.Message {
	var failed []wire.Message
	for _, m := range s.Timeline(roomID) {
		if m.Status == wire.StatusFailed {
			failed = append(failed, m)
		}
	}
	return failed
}
