package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorchat/internal/clock"
	"tutorchat/internal/conn"
	"tutorchat/internal/events"
	"tutorchat/internal/rooms"
	"tutorchat/internal/timeline"
	"tutorchat/internal/wire"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type pipe struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []wire.Envelope
}

func newPipe() *pipe {
	return &pipe{inbound: make(chan []byte, 32), done: make(chan struct{})}
}

func (p *pipe) Read() ([]byte, error) {
	select {
	case frame := <-p.inbound:
		return frame, nil
	case <-p.done:
		return nil, &conn.TransportError{Op: "read", Err: errors.New("closed")}
	}
}

func (p *pipe) Write(frame []byte) error {
	env, err := wire.DecodeEnvelope(frame)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, env)
	return nil
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipe) sent(cmdType string) []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []json.RawMessage
	for _, env := range p.written {
		if env.Type == cmdType {
			out = append(out, env.Payload)
		}
	}
	return out
}

func (p *pipe) push(t *testing.T, pushType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(wire.Envelope{Type: pushType, Payload: raw})
	require.NoError(t, err)
	p.inbound <- frame
}

type dialer struct {
	mu    sync.Mutex
	pipes []*pipe
	fail  error
}

func (d *dialer) Dial(context.Context, string, http.Header) (conn.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	p := newPipe()
	d.pipes = append(d.pipes, p)
	return p, nil
}

func (d *dialer) current() *pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pipes) == 0 {
		return nil
	}
	return d.pipes[len(d.pipes)-1]
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pipes)
}

type history map[string][]wire.Message

func (h history) GetHistory(_ context.Context, roomID string, _, _ int) ([]wire.Message, error) {
	if msgs, ok := h[roomID]; ok {
		return msgs, nil
	}
	return nil, errors.New("no such room")
}

type harness struct {
	session *Session
	dialer  *dialer
	clock   *clock.FakeClock
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newHarness(t *testing.T, h History) *harness {
	t.Helper()
	return newHarnessWithLogger(t, h, nil)
}

func newHarnessWithLogger(t *testing.T, h History, logger *slog.Logger) *harness {
	t.Helper()
	clk := clock.Fake(epoch)
	d := &dialer{}
	s := New(Options{URL: "ws://chat.test/ws", Dialer: d, History: h, Clock: clk, Logger: logger})
	t.Cleanup(s.Close)
	return &harness{session: s, dialer: d, clock: clk}
}

func token(t *testing.T, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}).SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

func (h *harness) connect(t *testing.T, userID string, role wire.Role) {
	t.Helper()
	require.NoError(t, h.session.Connect(wire.Identity{UserID: userID, Role: role, Token: token(t, epoch.Add(time.Hour))}))
	require.Equal(t, conn.Connected, h.session.State())
}

func ids(msgs []wire.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func received(roomID, id, sender, corrID string, at time.Time) map[string]any {
	return map[string]any{
		"roomId":        roomID,
		"correlationId": corrID,
		"message": map[string]any{
			"id": id, "senderId": sender, "content": "c" + id, "kind": "text", "createdAt": at.Format(time.RFC3339Nano),
		},
	}
}

func TestOpenSeedsHistoryAndFlushesReceipts(t *testing.T) {
	h := newHarness(t, history{"R1": {
		{ID: "2", SenderID: "3", CreatedAt: epoch.Add(2 * time.Second)},
		{ID: "1", SenderID: "3", CreatedAt: epoch.Add(time.Second), Read: true},
		{ID: "3", SenderID: "7", CreatedAt: epoch.Add(3 * time.Second)},
	}})
	h.connect(t, "7", "STUDENT")

	require.NoError(t, h.session.Open(context.Background(), "R1"))
	assert.Equal(t, []string{"1", "2", "3"}, ids(h.session.Timeline("R1")))
	assert.Equal(t, "R1", h.session.Focused())

	p := h.dialer.current()
	assert.Len(t, p.sent(wire.CmdJoinRoom), 1)

	h.clock.Advance(300 * time.Millisecond)
	reads := p.sent(wire.CmdMarkRead)
	require.Len(t, reads, 1)
	assert.JSONEq(t, `{"roomId":"R1","messageIds":["2"]}`, string(reads[0]))

	// Reopening does not resend.
	require.NoError(t, h.session.Open(context.Background(), "R1"))
	h.clock.Advance(time.Second)
	assert.Len(t, p.sent(wire.CmdMarkRead), 1)
	assert.EqualValues(t, 1, h.session.Stats().ReceiptsFlushed)
}

func TestReceiptsQueuedOfflineSentAfterReconnect(t *testing.T) {
	h := newHarness(t, history{"R1": {{ID: "2", SenderID: "3", CreatedAt: epoch.Add(time.Second)}}})
	h.dialer.mu.Lock()
	h.dialer.fail = &conn.TransportError{Op: "dial", Err: errors.New("connection refused")}
	h.dialer.mu.Unlock()

	require.NoError(t, h.session.Connect(wire.Identity{UserID: "7", Role: "STUDENT", Token: token(t, epoch.Add(time.Hour))}))
	require.Equal(t, conn.Reconnecting, h.session.State())

	require.NoError(t, h.session.Open(context.Background(), "R1"))
	h.clock.Advance(300 * time.Millisecond)

	h.dialer.mu.Lock()
	h.dialer.fail = nil
	h.dialer.mu.Unlock()
	h.clock.Advance(10 * time.Second)
	h.clock.Advance(time.Second)

	require.Equal(t, conn.Connected, h.session.State())
	p := h.dialer.current()
	assert.Len(t, p.sent(wire.CmdJoinRoom), 1)
	reads := p.sent(wire.CmdMarkRead)
	require.Len(t, reads, 1)
	assert.JSONEq(t, `{"roomId":"R1","messageIds":["2"]}`, string(reads[0]))
}

func TestOpenReportsHistoryFailure(t *testing.T) {
	h := newHarness(t, history{})
	h.connect(t, "7", "STUDENT")

	err := h.session.Open(context.Background(), "R9")
	assert.Error(t, err)
	assert.Equal(t, "R9", h.session.Focused())
}

func TestOptimisticSendReconciled(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "7", "STUDENT")
	require.NoError(t, h.session.Open(context.Background(), "R1"))

	corrID, err := h.session.Send("R1", "hello", wire.KindText)
	require.NoError(t, err)
	assert.Regexp(t, `^temp-[0-9a-f-]{36}$`, corrID)

	entries := h.session.Timeline("R1")
	require.Len(t, entries, 1)
	assert.Equal(t, corrID, entries[0].ID)
	assert.Equal(t, wire.StatusPending, entries[0].Status)

	p := h.dialer.current()
	sends := p.sent(wire.CmdSendMessage)
	require.Len(t, sends, 1)
	var payload wire.SendMessagePayload
	require.NoError(t, json.Unmarshal(sends[0], &payload))
	assert.Equal(t, wire.SendMessagePayload{RoomID: "R1", Content: "hello", Kind: wire.KindText, CorrelationID: corrID}, payload)

	p.push(t, wire.PushMessageReceived, received("R1", "55", "7", corrID, epoch.Add(time.Second)))
	require.Eventually(t, func() bool {
		entries := h.session.Timeline("R1")
		return len(entries) == 1 && entries[0].ID == "55"
	}, time.Second, time.Millisecond)
	assert.Equal(t, wire.StatusConfirmed, h.session.Timeline("R1")[0].Status)

	// The send timeout no longer applies.
	h.clock.Advance(DefaultSendTimeout)
	assert.Equal(t, wire.StatusConfirmed, h.session.Timeline("R1")[0].Status)
	assert.Zero(t, h.session.Stats().SendFailures)
}

func TestSendTimeoutThenRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "7", "STUDENT")
	require.NoError(t, h.session.Open(context.Background(), "R1"))

	var failures []events.MessageFailedEvent
	events.On(h.session.Bus(), events.MessageFailed, func(e events.MessageFailedEvent) { failures = append(failures, e) })

	corrID, err := h.session.Send("R1", "are you there?", wire.KindText)
	require.NoError(t, err)
	h.clock.Advance(DefaultSendTimeout)

	require.Len(t, failures, 1)
	assert.Equal(t, corrID, failures[0].CorrelationID)
	failed := h.session.FailedMessages("R1")
	require.Len(t, failed, 1)
	assert.Equal(t, corrID, failed[0].CorrelationID)

	require.NoError(t, h.session.Retry(corrID))
	assert.Equal(t, wire.StatusPending, h.session.Timeline("R1")[0].Status)
	sends := h.dialer.current().sent(wire.CmdSendMessage)
	require.Len(t, sends, 2)
	assert.JSONEq(t, string(sends[0]), string(sends[1]))

	assert.ErrorIs(t, h.session.Retry("temp-unknown"), timeline.ErrUnknownMessage)
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.session.Watch("R1"))

	corrID, err := h.session.Send("R1", "offline", wire.KindText)
	assert.ErrorIs(t, err, conn.ErrNotConnected)
	entries := h.session.Timeline("R1")
	require.Len(t, entries, 1)
	assert.Equal(t, corrID, entries[0].ID)
	assert.Equal(t, wire.StatusFailed, entries[0].Status)
	assert.EqualValues(t, 1, h.session.Stats().SendFailures)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "7", "STUDENT")

	_, err := h.session.Send("R1", "hi", wire.KindText)
	assert.ErrorIs(t, err, rooms.ErrNotJoined)

	require.NoError(t, h.session.Watch("R1"))
	_, err = h.session.Send("R1", "   ", wire.KindText)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = h.session.Send("R1", "x", wire.Kind("video"))
	assert.Error(t, err)
}

func TestOperatorSendName(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "1", "ADMIN")
	require.NoError(t, h.session.Watch("R1"))

	_, err := h.session.Send("R1", "hello from support", wire.KindText)
	require.NoError(t, err)
	p := h.dialer.current()
	assert.Len(t, p.sent(wire.CmdOperatorSendMessage), 1)
	assert.Empty(t, p.sent(wire.CmdSendMessage))
}

func TestCrossRoomIsolation(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "7", "STUDENT")
	require.NoError(t, h.session.Open(context.Background(), "R1"))

	p := h.dialer.current()
	p.push(t, wire.PushMessageReceived, received("R2", "9", "3", "", epoch))
	p.push(t, wire.PushMessageReceived, received("R1", "10", "3", "", epoch))

	require.Eventually(t, func() bool { return len(h.session.Timeline("R1")) == 1 }, time.Second, time.Millisecond)
	assert.Nil(t, h.session.Timeline("R2"))
	assert.EqualValues(t, 1, h.session.Stats().DroppedEvents)
}

func TestLeaveDoesNotResurrect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "7", "STUDENT")
	require.NoError(t, h.session.Open(context.Background(), "R1"))
	require.NoError(t, h.session.Keystroke("R1"))

	require.NoError(t, h.session.Leave("R1"))
	assert.Nil(t, h.session.Timeline("R1"))

	p := h.dialer.current()
	p.push(t, wire.PushMessageReceived, received("R1", "11", "3", "", epoch))
	require.Eventually(t, func() bool { return h.session.Stats().DroppedEvents == 1 }, time.Second, time.Millisecond)
	assert.Nil(t, h.session.Timeline("R1"))
	assert.Empty(t, h.session.Rooms())

	// The idle timer was released with the room.
	h.clock.Advance(time.Minute)
	assert.Empty(t, p.sent(wire.CmdTypingStop))
}

func TestLateRoutedPushAfterLeaveKeepsRoomReleased(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "7", "STUDENT")
	require.NoError(t, h.session.Open(context.Background(), "R1"))
	require.NoError(t, h.session.Leave("R1"))

	// Pushes already classified before the leave completed.
	h.session.OnMessage(wire.MessageReceived{RoomID: "R1", Message: wire.Message{ID: "11", RoomID: "R1", SenderID: "3", CreatedAt: epoch}})
	h.session.OnMessagesRead(wire.MessagesRead{RoomID: "R1", MessageIDs: []string{"11"}})

	assert.Nil(t, h.session.Timeline("R1"))
	h.session.mu.Lock()
	_, ok := h.session.timelines["R1"]
	h.session.mu.Unlock()
	assert.False(t, ok)
}

func TestWatchedRoomRaisesBadge(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "1", "SUPPORT")
	require.NoError(t, h.session.Watch("R1"))
	require.NoError(t, h.session.Watch("R2"))
	require.NoError(t, h.session.Open(context.Background(), "R1"))

	p := h.dialer.current()
	p.push(t, wire.PushMessageReceived, received("R2", "1", "3", "", epoch))
	require.Eventually(t, func() bool { return h.session.Unread("R2") == 1 }, time.Second, time.Millisecond)
	assert.Nil(t, h.session.Timeline("R2"))
}

func TestRemoteTypingAndReadMarks(t *testing.T) {
	h := newHarness(t, history{"R1": {{ID: "5", SenderID: "7", CreatedAt: epoch}}})
	h.connect(t, "7", "TUTOR")
	require.NoError(t, h.session.Open(context.Background(), "R1"))

	p := h.dialer.current()
	// The server sends database ids as numbers.
	p.push(t, wire.PushTyping, map[string]any{"roomId": "R1", "userId": 3, "isTyping": true})
	require.Eventually(t, func() bool { return len(h.session.TypingUsers("R1")) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"3"}, h.session.TypingUsers("R1"))

	p.push(t, wire.PushMessagesRead, map[string]any{"roomId": "R1", "messageIds": []int{5}})
	require.Eventually(t, func() bool { return h.session.Timeline("R1")[0].Read }, time.Second, time.Millisecond)
	assert.Zero(t, h.session.Stats().DroppedEvents)

	h.clock.Advance(5 * time.Second)
	assert.Empty(t, h.session.TypingUsers("R1"))
}

func TestRejoinAfterDrop(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "7", "STUDENT")
	require.NoError(t, h.session.Open(context.Background(), "R1"))
	first := h.dialer.current()

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return h.session.State() == conn.Reconnecting }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.clock.PendingCount() > 0 }, time.Second, time.Millisecond)
	h.clock.Advance(conn.DefaultBackoffBase)

	require.Equal(t, conn.Connected, h.session.State())
	second := h.dialer.current()
	require.NotSame(t, first, second)
	joins := second.sent(wire.CmdJoinRoom)
	require.Len(t, joins, 1)
	assert.JSONEq(t, `{"roomId":"R1"}`, string(joins[0]))
	assert.Len(t, second.sent(wire.CmdAuthenticate), 1)
	assert.EqualValues(t, 1, h.session.Stats().Reconnects)
}

func TestServerPushesAreLoggedAndSurfaced(t *testing.T) {
	logs := &logBuffer{}
	h := newHarnessWithLogger(t, nil, slog.New(slog.NewJSONHandler(logs, nil)))
	var notices []string
	var mu sync.Mutex
	events.On(h.session.Bus(), events.ServerNotice, func(e events.ServerNoticeEvent) {
		mu.Lock()
		defer mu.Unlock()
		notices = append(notices, e.Message)
	})
	h.connect(t, "7", "STUDENT")

	p := h.dialer.current()
	p.push(t, wire.PushAuthenticated, map[string]any{"userId": 7})
	p.push(t, wire.PushError, map[string]any{"message": "room is archived"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"room is archived"}, notices)
	assert.Contains(t, logs.String(), `"msg":"authenticated"`)
	assert.Contains(t, logs.String(), `"msg":"server error"`)

	p.push(t, wire.PushAuthenticated, map[string]any{"userId": "8"})
	require.Eventually(t, func() bool { return strings.Contains(logs.String(), "server authenticated a different user") }, time.Second, time.Millisecond)

	p.push(t, wire.PushError, map[string]any{})
	require.Eventually(t, func() bool { return h.session.Stats().DroppedEvents == 1 }, time.Second, time.Millisecond)
}

func TestExpiredTokenFailsWithoutDialing(t *testing.T) {
	h := newHarness(t, nil)
	var authFailures int
	events.On(h.session.Bus(), events.AuthFailed, func(events.AuthFailedEvent) { authFailures++ })

	err := h.session.Connect(wire.Identity{UserID: "7", Role: "STUDENT", Token: token(t, epoch.Add(-time.Minute))})
	assert.True(t, conn.IsAuthError(err))
	assert.Zero(t, h.dialer.count())
	assert.Equal(t, 1, authFailures)
	assert.Equal(t, conn.Disconnected, h.session.State())
}
