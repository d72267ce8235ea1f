package repository

import (
	"context"
	"sync/atomic"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/models"

	"github.com/rs/zerolog"
)

// FailoverStatsRepository serves from the primary (redis) until it errors,
// then falls back to the in-memory repository and probes the primary again
// after a cooldown. Cache misses are not failures.
type FailoverStatsRepository struct {
	primary   domain.StatsRepository
	fallback  domain.StatsRepository
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

const recoveryProbeInterval = time.Minute

func NewFailoverStatsRepository(primary, fallback domain.StatsRepository, logger *zerolog.Logger) *FailoverStatsRepository {
	return &FailoverStatsRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverStatsRepository) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary stats repository failed, falling back to memory")
	r.isDown.Store(true)
	r.lastCheck.Store(time.Now().UnixNano())
}

func (r *FailoverStatsRepository) shouldProbe() bool {
	return time.Since(time.Unix(0, r.lastCheck.Load())) > recoveryProbeInterval
}

func (r *FailoverStatsRepository) GetQueueStats(ctx context.Context, tenantID string) (*models.QueueStats, error) {
	if !r.isDown.Load() {
		stats, err := r.primary.GetQueueStats(ctx, tenantID)
		if err == nil {
			return stats, nil
		}
		r.markDown(err)
	}

	if r.isDown.Load() && r.shouldProbe() {
		stats, err := r.primary.GetQueueStats(ctx, tenantID)
		if err == nil {
			r.isDown.Store(false)
			return stats, nil
		}
		r.lastCheck.Store(time.Now().UnixNano())
	}

	return r.fallback.GetQueueStats(ctx, tenantID)
}

func (r *FailoverStatsRepository) SetQueueStats(ctx context.Context, stats *models.QueueStats) error {
	if !r.isDown.Load() {
		err := r.primary.SetQueueStats(ctx, stats)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.SetQueueStats(ctx, stats)
}

func (r *FailoverStatsRepository) GetLatestSnapshot(ctx context.Context, productID string) (*models.CompetitorSnapshot, error) {
	if !r.isDown.Load() {
		snap, err := r.primary.GetLatestSnapshot(ctx, productID)
		if err == nil {
			return snap, nil
		}
		r.markDown(err)
	}

	return r.fallback.GetLatestSnapshot(ctx, productID)
}

func (r *FailoverStatsRepository) SetLatestSnapshot(ctx context.Context, snap *models.CompetitorSnapshot) error {
	if !r.isDown.Load() {
		err := r.primary.SetLatestSnapshot(ctx, snap)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	return r.fallback.SetLatestSnapshot(ctx, snap)
}
