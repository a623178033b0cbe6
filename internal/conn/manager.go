// Package conn owns the session's single connection to the message server:
// dialing, the authenticate handshake, reconnection with bounded
// exponential backoff, and the lifecycle events every UI surface observes.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"tutorchat/internal/clock"
	"tutorchat/internal/events"
	"tutorchat/internal/wire"
)

// State is the connection state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const defaultDialTimeout = 10 * time.Second

// Options configures a Manager. URL and Dialer are required.
type Options struct {
	URL         string
	Dialer      Dialer
	Bus         *events.Bus
	Clock       clock.Clock
	Logger      *slog.Logger
	Backoff     Backoff
	MaxAttempts int // consecutive failures before giving up; 0 retries forever
	DialTimeout time.Duration
	UserAgent   string
}

// Manager keeps one transport open for the current identity. Connect and
// Send never wait for server acknowledgment.
type Manager struct {
	url         string
	dialer      Dialer
	bus         *events.Bus
	clock       clock.Clock
	logger      *slog.Logger
	backoff     Backoff
	maxAttempts int
	dialTimeout time.Duration
	userAgent   string

	mu sync.Mutex
	// generation changes on every Connect, Disconnect and terminal
	// failure; callbacks carrying an older generation are ignored.
	generation   uint64
	state        State
	identity     *wire.Identity
	transport    Transport
	attempt      int
	retryTimer   *clock.Timer
	wasConnected bool

	writeMutex sync.Mutex
}

// NewManager builds a disconnected manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &Manager{
		url:         opts.URL,
		dialer:      opts.Dialer,
		bus:         bus,
		clock:       c,
		logger:      logger.With("component", "conn"),
		backoff:     opts.Backoff.withDefaults(),
		maxAttempts: opts.MaxAttempts,
		dialTimeout: dialTimeout,
		userAgent:   opts.UserAgent,
	}
}

// Bus returns the bus lifecycle events and inbound pushes are dispatched on.
func (m *Manager) Bus() *events.Bus { return m.bus }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a transport is open.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Attempt returns the number of consecutive failed attempts.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Identity returns the identity being connected, if any.
func (m *Manager) Identity() (wire.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return wire.Identity{}, false
	}
	return *m.identity, true
}

// Connect drops any existing connection and starts dialing for id. It
// returns immediately; progress is reported on the bus.
func (m *Manager) Connect(id wire.Identity) {
	m.teardown("reconnect requested")

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.identity = &id
	m.attempt = 0
	m.wasConnected = false
	from := m.setStateLocked(Connecting)
	m.mu.Unlock()

	m.publishState(from, Connecting)
	events.Publish(m.bus, events.Connecting, events.ConnectingEvent{UserID: id.UserID})
	m.logger.Info("connecting", "user", id.UserID, "role", id.Role)

	// A zero delay dials on a new goroutine with the real clock and
	// synchronously with the fake one.
	m.clock.AfterFunc(0, func() { m.dial(gen) })
}

// Disconnect closes the connection and forgets the identity. No reconnect
// is attempted until the next Connect.
func (m *Manager) Disconnect() {
	m.teardown("client disconnect")
}

func (m *Manager) teardown(reason string) {
	m.mu.Lock()
	if m.state == Disconnected && m.transport == nil && m.identity == nil {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.retryTimer.Stop()
	m.retryTimer = nil
	t := m.transport
	m.transport = nil
	m.identity = nil
	m.attempt = 0
	from := m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	m.publishState(from, Disconnected)
	events.Publish(m.bus, events.Disconnected, events.DisconnectedEvent{Reason: reason, Intentional: true})
	m.logger.Info("disconnected", "reason", reason)
}

// Send writes one command. It fails with ErrNotConnected unless a
// transport is open.
func (m *Manager) Send(cmd wire.Command) error {
	m.mu.Lock()
	t := m.transport
	state := m.state
	m.mu.Unlock()
	if state != Connected || t == nil {
		return ErrNotConnected
	}
	return m.write(t, cmd)
}

func (m *Manager) write(t Transport, cmd wire.Command) error {
	frame, err := cmd.Encode()
	if err != nil {
		return err
	}
	m.writeMutex.Lock()
	defer m.writeMutex.Unlock()
	if err := t.Write(frame); err != nil {
		m.logger.Warn("write failed", "type", cmd.Type, "error", err)
		return err
	}
	return nil
}

func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.identity == nil {
		m.mu.Unlock()
		return
	}
	id := *m.identity
	m.mu.Unlock()

	header := http.Header{}
	if id.Token != "" {
		header.Set("Authorization", "Bearer "+id.Token)
	}
	if m.userAgent != "" {
		header.Set("User-Agent", m.userAgent)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	t, err := m.dialer.Dial(ctx, m.url, header)
	cancel()
	if err != nil {
		m.attemptFailed(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		_ = t.Close()
		return
	}
	m.transport = t
	attempts := m.attempt
	reconnected := m.wasConnected
	m.attempt = 0
	m.wasConnected = true
	m.retryTimer = nil
	from := m.setStateLocked(Connected)
	m.mu.Unlock()

	if err := m.write(t, wire.Authenticate(id)); err != nil {
		// The read pump observes the same failure and schedules a retry.
		m.logger.Warn("authenticate not sent", "error", err)
	}
	m.publishState(from, Connected)
	events.Publish(m.bus, events.Connected, events.ConnectedEvent{UserID: id.UserID, Reconnected: reconnected, Attempts: attempts})
	m.logger.Info("connected", "user", id.UserID, "reconnected", reconnected, "after_attempts", attempts)

	go m.readPump(gen, t)
}

func (m *Manager) attemptFailed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.attempt++
	attempt := m.attempt

	var authErr *AuthError
	if errors.As(err, &authErr) {
		m.generation++
		m.identity = nil
		m.attempt = 0
		from := m.setStateLocked(Disconnected)
		m.mu.Unlock()

		m.publishState(from, Disconnected)
		events.Publish(m.bus, events.ConnectError, events.ConnectErrorEvent{Reason: err.Error(), Attempt: attempt, Terminal: true})
		events.Publish(m.bus, events.AuthFailed, events.AuthFailedEvent{Reason: authErr.Reason})
		m.logger.Error("authentication failed", "reason", authErr.Reason)
		return
	}

	if m.maxAttempts > 0 && attempt >= m.maxAttempts {
		m.generation++
		from := m.setStateLocked(Disconnected)
		m.mu.Unlock()

		m.publishState(from, Disconnected)
		events.Publish(m.bus, events.ConnectError, events.ConnectErrorEvent{Reason: err.Error(), Attempt: attempt, Terminal: true})
		m.logger.Error("giving up after repeated failures", "attempts", attempt, "error", err)
		return
	}
	from := m.setStateLocked(Reconnecting)
	m.mu.Unlock()

	m.publishState(from, Reconnecting)
	events.Publish(m.bus, events.ConnectError, events.ConnectErrorEvent{Reason: err.Error(), Attempt: attempt})
	m.logger.Warn("connect attempt failed", "attempt", attempt, "error", err)
	m.scheduleRetry(gen, attempt)
}

// scheduleRetry arms the single retry timer for attempt n.
func (m *Manager) scheduleRetry(gen uint64, n int) {
	delay := m.backoff.Delay(n)
	events.Publish(m.bus, events.Reconnect, events.ReconnectEvent{Attempt: n + 1, Delay: delay})

	timer := m.clock.AfterFunc(delay, func() { m.retry(gen) })
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		timer.Stop()
		return
	}
	m.retryTimer = timer
	m.mu.Unlock()
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()
	m.dial(gen)
}

func (m *Manager) readPump(gen uint64, t Transport) {
	for {
		frame, err := t.Read()
		if err != nil {
			m.dropped(gen, t, err)
			return
		}
		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			m.logger.Warn("dropping malformed frame", "error", err)
			events.Publish(m.bus, events.EventDropped, events.DroppedEvent{Reason: err.Error()})
			continue
		}
		if env.Type == wire.PushAuthError {
			var payload wire.AuthError
			_ = json.Unmarshal(env.Payload, &payload)
			m.rejected(gen, t, payload.Reason)
			return
		}
		m.bus.Dispatch(env.Type, events.Inbound{Type: env.Type, Payload: env.Payload})
	}
}

// dropped handles an unexpected transport failure.
func (m *Manager) dropped(gen uint64, t Transport, err error) {
	m.mu.Lock()
	if gen != m.generation || m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.attempt = 0
	from := m.setStateLocked(Reconnecting)
	m.mu.Unlock()

	_ = t.Close()
	m.publishState(from, Reconnecting)
	events.Publish(m.bus, events.Disconnected, events.DisconnectedEvent{Reason: err.Error()})
	m.logger.Warn("connection dropped", "error", err)
	m.scheduleRetry(gen, 0)
}

// rejected handles an auth-error push on an open transport.
func (m *Manager) rejected(gen uint64, t Transport, reason string) {
	if reason == "" {
		reason = "identity rejected"
	}
	m.mu.Lock()
	if gen != m.generation || m.transport != t {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.transport = nil
	m.identity = nil
	m.attempt = 0
	from := m.setStateLocked(Disconnected)
	m.mu.Unlock()

	_ = t.Close()
	m.publishState(from, Disconnected)
	events.Publish(m.bus, events.Disconnected, events.DisconnectedEvent{Reason: "authentication rejected"})
	events.Publish(m.bus, events.AuthFailed, events.AuthFailedEvent{Reason: reason})
	m.logger.Error("authentication rejected", "reason", reason)
}

func (m *Manager) setStateLocked(next State) State {
	prev := m.state
	m.state = next
	return prev
}

func (m *Manager) publishState(from, to State) {
	if from == to {
		return
	}
	events.Publish(m.bus, events.StateChanged, events.StateEvent{From: from.String(), To: to.String()})
}
