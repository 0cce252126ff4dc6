package domain

import (
	"math/rand/v2"
	"time"
)

// Backoff is an exponential, capped, jittered delay policy.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Jitter is the fraction of the delay that is randomized (0..1)
	Jitter float64
}

// DefaultBackoff is used for job retries.
func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Max: 10 * time.Minute, Jitter: 0.5}
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		spread := time.Duration(float64(d) * b.Jitter)
		if spread > 0 {
			d = d - spread + time.Duration(rand.Int64N(int64(spread)+1))
		}
	}
	return d
}
