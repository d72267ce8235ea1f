package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketsync/internal/config"
	"marketsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisStatsRepository caches queue stats and latest snapshots as JSON values
// with a shared TTL. A missing key is a cache miss, not an error.
type RedisStatsRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStatsRepository(client *redis.Client, ttl time.Duration) *RedisStatsRepository {
	return &RedisStatsRepository{client: client, ttl: ttl}
}

func queueStatsKey(tenantID string) string  { return "queue_stats:" + tenantID }
func latestSnapKey(productID string) string { return "latest_snapshot:" + productID }

// getJSON loads and decodes one key into dest; found=false on a miss.
func (r *RedisStatsRepository) getJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	if r.client == nil {
		return false, errors.New("redis client is nil")
	}
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (r *RedisStatsRepository) setJSON(ctx context.Context, key string, value interface{}) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStatsRepository) GetQueueStats(ctx context.Context, tenantID string) (*models.QueueStats, error) {
	var stats models.QueueStats
	found, err := r.getJSON(ctx, queueStatsKey(tenantID), &stats)
	if err != nil || !found {
		return nil, err
	}
	return &stats, nil
}

func (r *RedisStatsRepository) SetQueueStats(ctx context.Context, stats *models.QueueStats) error {
	return r.setJSON(ctx, queueStatsKey(stats.TenantID), stats)
}

func (r *RedisStatsRepository) GetLatestSnapshot(ctx context.Context, productID string) (*models.CompetitorSnapshot, error) {
	var snap models.CompetitorSnapshot
	found, err := r.getJSON(ctx, latestSnapKey(productID), &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

func (r *RedisStatsRepository) SetLatestSnapshot(ctx context.Context, snap *models.CompetitorSnapshot) error {
	return r.setJSON(ctx, latestSnapKey(snap.ProductID), snap)
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
