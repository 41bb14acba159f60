package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes jittered exponential delays
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the +/- fraction applied to each delay, in [0, 1]
	Jitter float64
}

// DefaultBackoff returns 1s doubling up to 30s with 20% jitter
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Duration returns the delay before retry number attempt (0 based).
func (b Backoff) Duration(attempt int) time.Duration {
	return b.withJitter(b.Base(attempt), rand.Float64())
}

// Base returns the un-jittered delay for attempt, capped at Max.
func (b Backoff) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(initial) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// withJitter spreads d by +/- Jitter using r in [0, 1).
func (b Backoff) withJitter(d time.Duration, r float64) time.Duration {
	j := b.Jitter
	if j <= 0 {
		return d
	}
	if j > 1 {
		j = 1
	}
	out := time.Duration(float64(d) * (1 + j*(2*r-1)))
	if b.Max > 0 && out > b.Max {
		out = b.Max
	}
	if out < 0 {
		return 0
	}
	return out
}
