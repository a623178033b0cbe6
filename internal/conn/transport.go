package conn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tutorchat/internal/clock"
)

// Transport is one open bidirectional channel carrying text frames.
type Transport interface {
	// Read blocks for the next text frame.
	Read() ([]byte, error)
	Write(frame []byte) error
	Close() error
}

// Dialer opens transports. Implementations return *AuthError when the
// server refuses the credentials during the handshake.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

// WebsocketDialer dials the message server with gorilla/websocket and keeps
// the connection alive with periodic pings.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Clock  clock.Clock
}

// NewWebsocketDialer returns a dialer using websocket.DefaultDialer.
func NewWebsocketDialer(c clock.Clock) *WebsocketDialer {
	return &WebsocketDialer{Dialer: websocket.DefaultDialer, Clock: c}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c := d.Clock
	if c == nil {
		c = clock.Real()
	}

	websocketConn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: fmt.Sprintf("handshake returned %s", resp.Status)}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	t := &websocketTransport{
		conn:   websocketConn,
		ticker: c.NewTicker(pingPeriod),
		done:   make(chan struct{}),
	}
	websocketConn.SetReadLimit(maxMsgSize)
	_ = websocketConn.SetReadDeadline(time.Now().Add(pongWait))
	websocketConn.SetPongHandler(func(string) error {
		return websocketConn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go t.pingLoop()
	return t, nil
}

type websocketTransport struct {
	conn       *websocket.Conn
	writeMutex sync.Mutex
	ticker     *clock.Ticker
	done       chan struct{}
	closeOnce  sync.Once
}

func (t *websocketTransport) Read() ([]byte, error) {
	for {
		messageType, payload, err := t.conn.ReadMessage()
		if err != nil {
			return nil, &TransportError{Op: "read", Err: err}
		}
		if messageType == websocket.TextMessage {
			return payload, nil
		}
	}
}

func (t *websocketTransport) Write(frame []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *websocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.ticker.Stop()
		t.writeMutex.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(writeWait))
		t.writeMutex.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *websocketTransport) pingLoop() {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			t.writeMutex.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.writeMutex.Unlock()
			if err != nil {
				// The read side sees the broken connection and reports the drop.
				return
			}
		}
	}
}
