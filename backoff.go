package warpgate

import "time"

// Default reconnect delays.
const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 64 * time.Second
)

// Backoff produces exponentially growing delays between reconnect attempts.
// It is not safe for concurrent use.
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	current time.Duration
}

// NewBackoff returns a Backoff doubling from min up to max.
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = DefaultMinBackoff
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max, current: min}
}

// Next returns the delay to wait now and grows the following one.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

// Reset returns the delay to its minimum.
func (b *Backoff) Reset() {
	b.current = b.Min
}
