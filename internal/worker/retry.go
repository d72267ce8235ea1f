package worker

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy shapes the backoff curve for transient task failures.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter spreads retries by up to this fraction of the delay, so a
	// burst of failures does not come back as a synchronized burst.
	Jitter float64
}

// NextDelay returns the delay before the given attempt (1-based), growing
// geometrically from InitialDelay and clamped to MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := r.InitialDelay
	if base <= 0 {
		base = time.Second
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	d := time.Duration(float64(base) * math.Pow(factor, float64(attempt-1)))
	switch {
	case r.MaxDelay > 0 && d > r.MaxDelay:
		d = r.MaxDelay
	case d <= 0: // overflow on large attempt counts
		d = r.MaxDelay
		if d <= 0 {
			d = time.Second
		}
	}

	if r.Jitter > 0 {
		d += time.Duration(rand.Float64() * float64(d) * r.Jitter)
	}
	return d
}
