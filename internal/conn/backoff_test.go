package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDefaults(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for n, expected := range want {
		assert.Equal(t, expected, b.Delay(n), "attempt %d", n)
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	b := Backoff{Base: 300 * time.Millisecond, Cap: 7 * time.Second}
	prev := time.Duration(0)
	for n := 0; n < 200; n++ {
		d := b.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, b.Cap, "attempt %d", n)
		prev = d
	}
	assert.Equal(t, b.Cap, b.Delay(1000))
}

func TestBackoffZeroValueUsesDefaults(t *testing.T) {
	var b Backoff
	assert.Equal(t, DefaultBackoffBase, b.Delay(0))
	assert.Equal(t, DefaultBackoffCap, b.Delay(64))
	assert.Equal(t, DefaultBackoffBase, b.Delay(-3))
}

func TestBackoffCapBelowBase(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Cap: time.Second}
	assert.Equal(t, 5*time.Second, b.Delay(0))
	assert.Equal(t, 5*time.Second, b.Delay(4))
}
