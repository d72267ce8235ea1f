package domain

import (
	"context"
	"time"

	"marketsync/internal/models"
)

// TaskQueue is the durable job store shared by producers and workers.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *models.SyncTask) (int64, error)
	ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration) (*models.SyncTask, error)
	Complete(ctx context.Context, id int64, workerID string) error
	Fail(ctx context.Context, id int64, workerID, errMsg string, retryable bool) (string, error)
	Cancel(ctx context.Context, id int64) error
	IsCancelled(ctx context.Context, id int64) (bool, error)
	ReapExpiredLeases(ctx context.Context) (int64, error)
	QueueStats(ctx context.Context, tenantID string) (*models.QueueStats, error)
}

// SnapshotStore persists append-only competitor snapshots.
type SnapshotStore interface {
	InsertSnapshots(ctx context.Context, snaps []models.CompetitorSnapshot) error
	GetSnapshots(ctx context.Context, productID string, limit int) ([]models.CompetitorSnapshot, error)
	GetSnapshotsAsc(ctx context.Context, productID string) ([]models.CompetitorSnapshot, error)
	LatestSnapshot(ctx context.Context, productID string) (*models.CompetitorSnapshot, error)
}

// HistoryStore owns the derived ownership periods (single writer: the
// reconstruction engine).
type HistoryStore interface {
	ReplacePeriods(ctx context.Context, productID string, periods []models.OwnershipPeriod) error
	GetPeriods(ctx context.Context, productID string) ([]models.OwnershipPeriod, error)
	ListProductIDsWithSnapshots(ctx context.Context) ([]string, error)
}

// RateLimitStore persists token-bucket state with optimistic concurrency.
type RateLimitStore interface {
	GetOrCreateState(ctx context.Context, key models.RateLimitKey, rate float64, burst int, now time.Time) (*models.RateLimitState, error)
	CompareAndSwapState(ctx context.Context, prev, next *models.RateLimitState) (bool, error)
}

// Limiter gates upstream API calls across worker processes.
type Limiter interface {
	Acquire(ctx context.Context, key models.RateLimitKey, cost float64) error
}

// Adapter fetches competitor snapshots from one marketplace API. Adapters
// classify their own failures as transient or permanent; workers never guess.
type Adapter interface {
	Name() string
	Endpoint() string
	Fetch(ctx context.Context, payload []byte) ([]models.CompetitorSnapshot, error)
}

// StatsRepository caches hot read-side data for the status API.
type StatsRepository interface {
	GetQueueStats(ctx context.Context, tenantID string) (*models.QueueStats, error)
	SetQueueStats(ctx context.Context, stats *models.QueueStats) error
	GetLatestSnapshot(ctx context.Context, productID string) (*models.CompetitorSnapshot, error)
	SetLatestSnapshot(ctx context.Context, snap *models.CompetitorSnapshot) error
}

// EventPublisher decouples ingestion from reconstruction.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Rebuilder regenerates ownership periods for a product.
type Rebuilder interface {
	Rebuild(ctx context.Context, productID string) ([]models.OwnershipPeriod, error)
}
