package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second, time.Minute)
	b.jitter = func() float64 { return 0 }

	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, b.next())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
}

func TestBackoffJitterStaysWithinHalfBase(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second, time.Minute)
	b.jitter = func() float64 { return 0.999 }

	d := b.next()
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 1500*time.Millisecond)
}

func TestBackoffResetsAfterStableLink(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBackoff(time.Second, 30*time.Second, time.Minute)
	b.jitter = func() float64 { return 0 }
	b.now = func() time.Time { return now }

	b.next()
	b.next()
	b.next()

	b.markConnected()
	now = now.Add(10 * time.Second)
	assert.Equal(t, 8*time.Second, b.next(), "short-lived link keeps growing")

	b.markConnected()
	now = now.Add(2 * time.Minute)
	assert.Equal(t, time.Second, b.next(), "stable link resets the counter")
	assert.Equal(t, 2*time.Second, b.next(), "failed attempts after reset grow again")
}
