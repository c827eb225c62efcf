package bot

import "time"

// Backoff computes the delay before the next reconnect attempt. Each channel
// session owns its own instance so one flapping channel never throttles
// reconnects for the rest of the fleet. Not safe for concurrent use; a
// session's connect loop is the only caller.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64

	current time.Duration
}

// NewBackoff returns a Backoff with the given bounds. Factor defaults to 2.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{Base: base, Max: max, Factor: 2}
}

// Next returns the delay to wait before the next attempt, growing
// multiplicatively up to Max.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Base
		return b.current
	}
	f := b.Factor
	if f < 1 {
		f = 2
	}
	next := time.Duration(float64(b.current) * f)
	if next > b.Max || next < b.current {
		next = b.Max
	}
	b.current = next
	return b.current
}

// Reset returns the delay to the base value; called after a successful connect.
func (b *Backoff) Reset() { b.current = 0 }
