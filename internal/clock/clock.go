// Package clock is the injectable time source used by every component that
// schedules work: reconnect attempts, typing idle and expiry timers, read
// receipt flushes, send timeouts and keepalive pings.
//
// Production code uses Real(). Tests use Fake(), which only moves when
// Advance is called and runs AfterFunc callbacks synchronously, in deadline
// order, on the goroutine that called Advance.
package clock

import "time"

// Clock abstracts the parts of the time package the client needs.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels
	// the call with Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is an owned, cancellable handle on a scheduled callback.
type Timer struct {
	stopFunc func() bool
}

// Stop cancels the timer. It reports whether the call prevented the
// callback from running; false means it already ran or was stopped.
// Stop on a nil Timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Ticker delivers periodic ticks on C. C has capacity 1; ticks are
// dropped when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() {
	if t == nil || t.stopFunc == nil {
		return
	}
	t.stopFunc()
}
