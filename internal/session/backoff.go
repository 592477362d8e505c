package session

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes exponential retry delays with jitter. Not safe for
// concurrent use; each persistence job owns one.
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	attempt int
}

func newBackoff(initial time.Duration) *backoff {
	return &backoff{
		initial:    initial,
		max:        5 * time.Second,
		multiplier: 2.0,
		jitter:     0.1,
	}
}

// next returns initial * multiplier^attempt, capped and jittered.
func (b *backoff) next() time.Duration {
	delay := float64(b.initial) * math.Pow(b.multiplier, float64(b.attempt))
	if delay > float64(b.max) {
		delay = float64(b.max)
	}
	if b.jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * b.jitter
	}
	if delay < 0 {
		delay = float64(b.initial)
	}
	b.attempt++
	return time.Duration(delay)
}
