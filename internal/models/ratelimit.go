package models

import "time"

// RateLimitKey identifies one durable token bucket.
type RateLimitKey struct {
	APIName  string
	Endpoint string
	TenantID string
}

// RateLimitState is the persisted token bucket for one key. TokensAvailable
// stays within [0, BurstSize]; refills are monotonic in LastRefillAt.
type RateLimitState struct {
	Key             RateLimitKey
	CallsPerSecond  float64
	BurstSize       int
	TokensAvailable float64
	LastRefillAt    time.Time
	CallsToday      int64
	CallsThisHour   int64
	DayKey          string
	HourKey         string
	UpdatedAt       time.Time
}

// DayKeyFor formats the daily counter bucket for a point in time.
func DayKeyFor(t time.Time) string { return t.UTC().Format("2006-01-02") }

// HourKeyFor formats the hourly counter bucket for a point in time.
func HourKeyFor(t time.Time) string { return t.UTC().Format("2006-01-02T15") }
