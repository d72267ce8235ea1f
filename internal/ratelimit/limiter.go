package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketsync/internal/config"
	"marketsync/internal/domain"
	"marketsync/internal/models"

	"github.com/rs/zerolog"
)

// ErrRateLimitExceeded means the caller must retry later; it is not a task
// failure by itself.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const (
	defaultCallsPerSecond = 1.0
	defaultBurstSize      = 5
	casRetryLimit         = 8
)

// Limiter is a token bucket whose state lives in durable storage, so
// multiple worker processes sharing one key never collectively exceed the
// bucket. Storage failures deny acquisition (fail closed) rather than risk
// blowing an upstream quota.
type Limiter struct {
	store     domain.RateLimitStore
	rules     map[string]config.RateLimitRule
	waitLimit time.Duration
	logger    zerolog.Logger

	// overridable in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option mutates limiter construction.
type Option func(*Limiter)

// WithWaitLimit bounds the total time Acquire may block waiting for refill.
// Zero makes Acquire non-blocking: shortfalls are rejected immediately.
func WithWaitLimit(d time.Duration) Option {
	return func(l *Limiter) { l.waitLimit = d }
}

// WithClock replaces the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store domain.RateLimitStore, rules []config.RateLimitRule, logger zerolog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:     store,
		rules:     make(map[string]config.RateLimitRule, len(rules)),
		waitLimit: time.Minute,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, rule := range rules {
		l.rules[rule.APIName+"|"+rule.Endpoint] = rule
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) ruleFor(key models.RateLimitKey) (float64, int) {
	if rule, ok := l.rules[key.APIName+"|"+key.Endpoint]; ok {
		return rule.CallsPerSecond, rule.BurstSize
	}
	return defaultCallsPerSecond, defaultBurstSize
}

// Acquire blocks until cost tokens are granted for the key, up to the wait
// limit, and returns ErrRateLimitExceeded when the shortfall cannot be
// covered in time.
func (l *Limiter) Acquire(ctx context.Context, key models.RateLimitKey, cost float64) error {
	if cost <= 0 {
		cost = 1
	}
	rate, burst := l.ruleFor(key)
	if cost > float64(burst) {
		return fmt.Errorf("cost %.1f exceeds burst size %d for %s/%s", cost, burst, key.APIName, key.Endpoint)
	}

	start := l.now()
	casMisses := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		prev, err := l.store.GetOrCreateState(ctx, key, rate, burst, l.now())
		if err != nil {
			// fail closed: a blind call could violate the upstream quota
			return fmt.Errorf("rate limiter storage unavailable, denying acquisition: %w", err)
		}

		now := l.now()
		next := refill(prev, now)

		if next.TokensAvailable >= cost {
			next.TokensAvailable -= cost
			next.CallsToday++
			next.CallsThisHour++
			next.UpdatedAt = now

			ok, err := l.store.CompareAndSwapState(ctx, prev, &next)
			if err != nil {
				return fmt.Errorf("rate limiter storage unavailable, denying acquisition: %w", err)
			}
			if ok {
				return nil
			}

			// Lost the swap to another worker; re-read and try again.
			casMisses++
			if casMisses >= casRetryLimit {
				l.logger.Warn().
					Str("api", key.APIName).
					Str("endpoint", key.Endpoint).
					Str("tenant", key.TenantID).
					Msg("rate limiter contention, backing off")
				if err := l.sleep(ctx, 50*time.Millisecond); err != nil {
					return err
				}
				casMisses = 0
			}
			continue
		}

		shortfall := cost - next.TokensAvailable
		wait := time.Duration(shortfall / rate * float64(time.Second))
		if l.waitLimit <= 0 || now.Add(wait).Sub(start) > l.waitLimit {
			return fmt.Errorf("%w: %s/%s tenant %s needs %s", ErrRateLimitExceeded,
				key.APIName, key.Endpoint, key.TenantID, wait)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// refill advances the bucket to now: tokens grow by elapsed*rate capped at
// burst, never shrink, and counters reset across day/hour boundaries.
func refill(state *models.RateLimitState, now time.Time) models.RateLimitState {
	next := *state

	elapsed := now.Sub(state.LastRefillAt)
	if elapsed > 0 {
		next.TokensAvailable += elapsed.Seconds() * state.CallsPerSecond
		if limit := float64(state.BurstSize); next.TokensAvailable > limit {
			next.TokensAvailable = limit
		}
		next.LastRefillAt = now
	}
	if next.TokensAvailable < 0 {
		next.TokensAvailable = 0
	}

	if day := models.DayKeyFor(now); day != next.DayKey {
		next.DayKey = day
		next.CallsToday = 0
	}
	if hour := models.HourKeyFor(now); hour != next.HourKey {
		next.HourKey = hour
		next.CallsThisHour = 0
	}

	return next
}
