package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"marketsync/internal/adapter"
	"marketsync/internal/config"
	"marketsync/internal/database"
	"marketsync/internal/domain"
	"marketsync/internal/events"
	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pool runs N claim loops against the durable queue. Workers share nothing
// in memory with each other or with other processes: coordination happens
// entirely through conditional updates on task rows and CAS on limiter rows.
type Pool struct {
	db       *database.DB
	registry *adapter.Registry
	limiter  domain.Limiter
	bus      domain.EventPublisher
	cfg      config.WorkerConfig
	logger   zerolog.Logger
}

func NewPool(db *database.DB, registry *adapter.Registry, limiter domain.Limiter, bus domain.EventPublisher, cfg config.WorkerConfig, logger zerolog.Logger) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = models.DefaultPollInterval * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = models.DefaultLeaseTTL * time.Second
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 30 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}

	return &Pool{
		db:       db,
		registry: registry,
		limiter:  limiter,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches the workers and the lease reaper; blocks until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info().Int("workers", p.cfg.Count).Strs("task_types", p.registry.TaskTypes()).Msg("worker pool started")
	defer p.logger.Info().Msg("worker pool stopped")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()

	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, uuid.NewString())
		}()
	}

	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	logger := p.logger.With().Str("worker_id", workerID).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.db.ClaimNext(ctx, workerID, p.cfg.LeaseTTL)
		if errors.Is(err, database.ErrNoTask) {
			p.idle(ctx)
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
			p.idle(ctx)
			continue
		}

		p.process(ctx, &logger, task)
	}
}

// idle sleeps one poll interval with jitter so workers do not poll in step.
func (p *Pool) idle(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(p.cfg.PollInterval) / 4))
	timer := time.NewTimer(p.cfg.PollInterval + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pool) process(ctx context.Context, logger *zerolog.Logger, task *models.SyncTask) {
	// ClaimNext stamped this worker onto the row; every transition below is
	// fenced on it so a reaped-and-reclaimed task ignores us.
	var workerID string
	if task.WorkerID != nil {
		workerID = *task.WorkerID
	}

	// Safe point: honor cancellation before any upstream side effect.
	if cancelled, err := p.db.IsCancelled(ctx, task.ID); err == nil && cancelled {
		if err := p.db.ConfirmCancelled(ctx, task.ID, workerID); err != nil {
			logger.Error().Err(err).Int64("task_id", task.ID).Msg("confirm cancellation failed")
		}
		metrics.IncTask(task.TaskType, "cancelled")
		return
	}

	marketplace, err := p.registry.Resolve(task.TaskType)
	if err != nil {
		p.fail(ctx, logger, workerID, task, err)
		return
	}

	key := models.RateLimitKey{
		APIName:  marketplace.Name(),
		Endpoint: marketplace.Endpoint(),
		TenantID: task.TenantID,
	}
	if err := p.limiter.Acquire(ctx, key, 1); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
			// Not a failure of the task: put it back without an attempt.
			metrics.IncLimiterRejection(key.APIName)
			if rErr := p.db.Release(ctx, task.ID, workerID, p.cfg.PollInterval); rErr != nil {
				logger.Error().Err(rErr).Int64("task_id", task.ID).Msg("release after throttle failed")
			}
			return
		}
		// Limiter storage failure or cancelled context: retryable.
		p.fail(ctx, logger, workerID, task, adapter.Transient(err))
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.AdapterTimeout)
	snaps, err := marketplace.Fetch(fetchCtx, []byte(task.Payload))
	cancel()
	if err != nil {
		p.fail(ctx, logger, workerID, task, err)
		return
	}

	if err := p.persist(ctx, marketplace.Name(), task, snaps); err != nil {
		// Storage hiccups are retried through the queue, never dropped.
		p.fail(ctx, logger, workerID, task, adapter.Transient(err))
		return
	}

	if err := p.db.Complete(ctx, task.ID, workerID); err != nil {
		logger.Error().Err(err).Int64("task_id", task.ID).Msg("complete failed")
		return
	}

	metrics.IncTask(task.TaskType, "success")
	_ = p.bus.PublishJSON(events.EventTaskCompleted, events.TaskEventPayload{
		TaskID:   task.ID,
		TaskType: task.TaskType,
		TenantID: task.TenantID,
		Status:   models.TaskStatusSuccess,
	})
	logger.Info().
		Int64("task_id", task.ID).
		Str("task_type", task.TaskType).
		Str("tenant_id", task.TenantID).
		Int("snapshots", len(snaps)).
		Msg("task completed")
}

// persist writes the fetched snapshots, refreshes the product registry and
// announces per-product ingestion so reconstruction can follow.
func (p *Pool) persist(ctx context.Context, marketplace string, task *models.SyncTask, snaps []models.CompetitorSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	for i := range snaps {
		if snaps[i].TenantID == "" {
			snaps[i].TenantID = task.TenantID
		}
	}

	if err := p.db.InsertSnapshots(ctx, snaps); err != nil {
		return fmt.Errorf("persist snapshots: %w", err)
	}
	metrics.AddSnapshots(task.TenantID, len(snaps))

	perProduct := make(map[string]int)
	for i := range snaps {
		perProduct[snaps[i].ProductID]++
	}
	for productID, count := range perProduct {
		if err := p.db.UpsertProduct(ctx, &models.Product{
			ProductID:   productID,
			TenantID:    task.TenantID,
			Marketplace: marketplace,
			Active:      true,
		}); err != nil {
			return fmt.Errorf("upsert product %s: %w", productID, err)
		}
		_ = p.bus.PublishJSON(events.EventSnapshotsIngested, events.SnapshotsIngestedPayload{
			TenantID:  task.TenantID,
			ProductID: productID,
			Count:     count,
		})
	}
	return nil
}

func (p *Pool) fail(ctx context.Context, logger *zerolog.Logger, workerID string, task *models.SyncTask, cause error) {
	retryable := adapter.IsTransient(cause)
	status, err := p.db.Fail(ctx, task.ID, workerID, cause.Error(), retryable)
	if err != nil {
		logger.Error().Err(err).Int64("task_id", task.ID).Msg("fail transition failed")
		return
	}

	outcome := "failed_permanent"
	if retryable {
		outcome = "failed_transient"
	}
	metrics.IncTask(task.TaskType, outcome)
	_ = p.bus.PublishJSON(events.EventTaskFailed, events.TaskEventPayload{
		TaskID:       task.ID,
		TaskType:     task.TaskType,
		TenantID:     task.TenantID,
		Status:       status,
		AttemptCount: task.AttemptCount + 1,
		Error:        cause.Error(),
	})
	logger.Warn().
		Int64("task_id", task.ID).
		Str("task_type", task.TaskType).
		Bool("retryable", retryable).
		Err(cause).
		Msg("task failed")
}

// reapLoop returns abandoned leases to the queue (crash recovery).
func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.db.ReapExpiredLeases(ctx)
			if err != nil {
				p.logger.Error().Err(err).Msg("lease reap failed")
				continue
			}
			if n > 0 {
				p.logger.Warn().Int64("reclaimed", n).Msg("requeued abandoned tasks")
			}
		}
	}
}
