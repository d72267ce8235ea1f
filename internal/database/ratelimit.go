package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketsync/internal/models"
)

const rateLimitColumns = `api_name, endpoint, tenant_id, calls_per_second, burst_size, tokens_available,
              last_refill_at, calls_today, calls_this_hour, day_key, hour_key, updated_at`

func scanRateLimitState(row interface{ Scan(...interface{}) error }) (*models.RateLimitState, error) {
	var s models.RateLimitState
	err := row.Scan(
		&s.Key.APIName, &s.Key.Endpoint, &s.Key.TenantID, &s.CallsPerSecond, &s.BurstSize, &s.TokensAvailable,
		&s.LastRefillAt, &s.CallsToday, &s.CallsThisHour, &s.DayKey, &s.HourKey, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetOrCreateState loads the bucket row for a key, creating it full on first
// use. Rows are never deleted; only counters reset on day/hour boundaries.
func (db *DB) GetOrCreateState(ctx context.Context, key models.RateLimitKey, rate float64, burst int, now time.Time) (*models.RateLimitState, error) {
	insert := `INSERT OR IGNORE INTO rate_limits
        (api_name, endpoint, tenant_id, calls_per_second, burst_size, tokens_available, last_refill_at, day_key, hour_key, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, insert,
		key.APIName, key.Endpoint, key.TenantID, rate, burst, float64(burst), now,
		models.DayKeyFor(now), models.HourKeyFor(now), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit state: %w", err)
	}

	query := `SELECT ` + rateLimitColumns + ` FROM rate_limits
              WHERE api_name = ? AND endpoint = ? AND tenant_id = ?`
	state, err := scanRateLimitState(db.QueryRowContext(ctx, query, key.APIName, key.Endpoint, key.TenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit state: %w", err)
	}
	return state, nil
}

// CompareAndSwapState writes next only if the stored row still matches prev's
// tokens and refill time. Returns false on a lost race; the limiter re-reads
// and retries. This keeps multiple worker processes from collectively
// exceeding one bucket.
func (db *DB) CompareAndSwapState(ctx context.Context, prev, next *models.RateLimitState) (bool, error) {
	query := `UPDATE rate_limits
              SET tokens_available = ?, last_refill_at = ?, calls_today = ?, calls_this_hour = ?,
                  day_key = ?, hour_key = ?, updated_at = ?
              WHERE api_name = ? AND endpoint = ? AND tenant_id = ?
                AND tokens_available = ? AND last_refill_at = ?`
	result, err := db.ExecContext(ctx, query,
		next.TokensAvailable, next.LastRefillAt, next.CallsToday, next.CallsThisHour,
		next.DayKey, next.HourKey, next.UpdatedAt,
		prev.Key.APIName, prev.Key.Endpoint, prev.Key.TenantID,
		prev.TokensAvailable, prev.LastRefillAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to swap rate limit state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// GetRateLimitState is a read-only accessor for observability endpoints.
func (db *DB) GetRateLimitState(ctx context.Context, key models.RateLimitKey) (*models.RateLimitState, error) {
	query := `SELECT ` + rateLimitColumns + ` FROM rate_limits
              WHERE api_name = ? AND endpoint = ? AND tenant_id = ?`
	state, err := scanRateLimitState(db.QueryRowContext(ctx, query, key.APIName, key.Endpoint, key.TenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit state: %w", err)
	}
	return state, nil
}
