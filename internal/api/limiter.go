package api

import (
	"sync"

	"marketsync/internal/config"

	"golang.org/x/time/rate"
)

// rateLimiter keeps one token bucket per authenticated client so a noisy
// dashboard cannot starve the others.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

func newRateLimiter(cfg *config.APIConfig) *rateLimiter {
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}
	return &rateLimiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(cfg.RateLimit.RPS),
		burst:   burst,
	}
}

func (l *rateLimiter) allow(client string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[client]
	if !ok {
		bucket = rate.NewLimiter(l.rps, l.burst)
		l.buckets[client] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}
