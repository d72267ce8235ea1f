package repository

import (
	"context"
	"sync"
	"time"

	"marketsync/internal/models"
)

type memoryEntry struct {
	value     interface{}
	expiresAt time.Time
}

type MemoryStatsRepository struct {
	stats     sync.Map
	snapshots sync.Map
	ttl       time.Duration
}

func NewMemoryStatsRepository(ttl time.Duration) *MemoryStatsRepository {
	return &MemoryStatsRepository{
		ttl: ttl,
	}
}

func (r *MemoryStatsRepository) GetQueueStats(ctx context.Context, tenantID string) (*models.QueueStats, error) {
	val, ok := r.stats.Load(tenantID)
	if !ok {
		return nil, nil
	}
	entry := val.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		r.stats.Delete(tenantID)
		return nil, nil
	}
	return entry.value.(*models.QueueStats), nil
}

func (r *MemoryStatsRepository) SetQueueStats(ctx context.Context, stats *models.QueueStats) error {
	r.stats.Store(stats.TenantID, &memoryEntry{value: stats, expiresAt: time.Now().Add(r.ttl)})
	return nil
}

func (r *MemoryStatsRepository) GetLatestSnapshot(ctx context.Context, productID string) (*models.CompetitorSnapshot, error) {
	val, ok := r.snapshots.Load(productID)
	if !ok {
		return nil, nil
	}
	entry := val.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		r.snapshots.Delete(productID)
		return nil, nil
	}
	return entry.value.(*models.CompetitorSnapshot), nil
}

func (r *MemoryStatsRepository) SetLatestSnapshot(ctx context.Context, snap *models.CompetitorSnapshot) error {
	r.snapshots.Store(snap.ProductID, &memoryEntry{value: snap, expiresAt: time.Now().Add(r.ttl)})
	return nil
}
