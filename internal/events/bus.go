// Package events is the session's publish/subscribe registry. Connection
// lifecycle, inbound pushes and derived UI notifications all flow through
// one Bus so that independent surfaces observe the same status.
package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Listener receives the payload of a dispatched event.
type Listener func(payload any)

type subscription struct {
	id       uint64
	listener Listener
}

// Bus dispatches named events to listeners. The zero value is not usable;
// call NewBus.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[string][]subscription
	logger    *slog.Logger
}

// NewBus returns an empty bus. A nil logger discards panic reports.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		listeners: make(map[string][]subscription),
		logger:    logger.With("component", "events"),
	}
}

// Subscribe registers fn for name and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(name string, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[name] = append(b.listeners[name], subscription{id: id, listener: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, id) })
	}
}

func (b *Bus) remove(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.listeners[name]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		// Copy instead of shifting in place: a dispatch in progress may be
		// iterating over the old backing array.
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, name)
		} else {
			b.listeners[name] = next
		}
		return
	}
}

// Dispatch calls every listener registered for name, in registration
// order, over the set registered when Dispatch was called. A listener
// that panics is logged and skipped.
func (b *Bus) Dispatch(name string, payload any) {
	b.mu.Lock()
	snapshot := append([]subscription(nil), b.listeners[name]...)
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.invoke(name, sub.listener, payload)
	}
}

func (b *Bus) invoke(name string, fn Listener, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked", "event", name, "panic", fmt.Sprint(r))
		}
	}()
	fn(payload)
}

// ListenerCount reports how many listeners are registered for name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[name])
}
