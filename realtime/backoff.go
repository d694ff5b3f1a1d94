package realtime

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second
	defaultResetAfter = 60 * time.Second
)

// backoff computes reconnect delays: base * 2^attempt plus up to half a base of
// jitter, capped at max. A link that stayed up for resetAfter resets the
// attempt counter.
type backoff struct {
	base       time.Duration
	max        time.Duration
	resetAfter time.Duration

	attempt     int
	connectedAt time.Time

	now    func() time.Time
	jitter func() float64
}

func newBackoff(base, max, resetAfter time.Duration) *backoff {
	return &backoff{
		base:       base,
		max:        max,
		resetAfter: resetAfter,
		now:        time.Now,
		jitter:     rand.Float64,
	}
}

func (b *backoff) markConnected() {
	b.connectedAt = b.now()
}

func (b *backoff) next() time.Duration {
	if !b.connectedAt.IsZero() {
		if b.now().Sub(b.connectedAt) >= b.resetAfter {
			b.attempt = 0
		}
		b.connectedAt = time.Time{}
	}

	jitter := b.jitter() * float64(b.base) * 0.5
	delay := math.Min(float64(b.base)*math.Pow(2, float64(b.attempt))+jitter, float64(b.max))
	if b.attempt < 30 {
		b.attempt++
	}
	return time.Duration(delay)
}

func (b *backoff) attempts() int {
	return b.attempt
}
