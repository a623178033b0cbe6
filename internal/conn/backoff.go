package conn

import "time"

const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// Backoff is the reconnect delay policy: Delay(n) = min(Base * 2^n, Cap).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff waits 1s, 2s, 4s, ... up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoffCap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	return b
}

// Delay returns the wait before attempt n (n counts consecutive failures,
// starting at 0). It is non-decreasing in n and never exceeds Cap.
func (b Backoff) Delay(n int) time.Duration {
	b = b.withDefaults()
	if n < 0 {
		n = 0
	}
	delay := b.Base
	for i := 0; i < n; i++ {
		if delay >= b.Cap-delay {
			return b.Cap
		}
		delay *= 2
	}
	if delay > b.Cap {
		return b.Cap
	}
	return delay
}
