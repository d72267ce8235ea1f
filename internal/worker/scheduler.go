package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"marketsync/internal/database"
	"marketsync/internal/models"

	"github.com/rs/zerolog"
)

// Scheduler periodically enqueues check_competitors work for each tenant.
// Enqueue-side deduplication means a slow queue never accumulates duplicate
// pending tasks for the same tenant.
type Scheduler struct {
	db      *database.DB
	tenants []models.Tenant
	logger  zerolog.Logger
}

func NewScheduler(db *database.DB, tenants []models.Tenant, logger zerolog.Logger) *Scheduler {
	return &Scheduler{db: db, tenants: tenants, logger: logger}
}

// Start runs one ticker per tenant; blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.tenants) == 0 {
		s.logger.Info().Msg("scheduler idle: no tenants configured")
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	for _, tenant := range s.tenants {
		wg.Add(1)
		go func(t models.Tenant) {
			defer wg.Done()
			s.runTenant(ctx, t)
		}(tenant)
	}
	wg.Wait()
}

func (s *Scheduler) runTenant(ctx context.Context, tenant models.Tenant) {
	interval := tenant.SyncInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First round immediately so a fresh deployment starts syncing.
	s.enqueueCheck(ctx, tenant)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueueCheck(ctx, tenant)
		}
	}
}

func (s *Scheduler) enqueueCheck(ctx context.Context, tenant models.Tenant) {
	products, err := s.db.GetActiveProducts(ctx, tenant.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("tenant_id", tenant.ID).Msg("load products for schedule failed")
		return
	}
	if len(products) == 0 {
		return
	}

	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ProductID)
	}

	// Крупные каталоги нарезаются на задачи по DefaultBatchSize товаров,
	// чтобы одна задача не монополизировала воркера и лимитер.
	for chunk := 0; len(ids) > 0; chunk++ {
		n := models.DefaultBatchSize
		if n > len(ids) {
			n = len(ids)
		}
		batch := ids[:n]
		ids = ids[n:]

		payload, err := json.Marshal(map[string]interface{}{
			"tenant_id":   tenant.ID,
			"product_ids": batch,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", tenant.ID).Msg("encode schedule payload failed")
			return
		}

		task := &models.SyncTask{
			TaskType:  models.TaskTypeCheckCompetitors,
			TenantID:  tenant.ID,
			Payload:   string(payload),
			Priority:  models.DefaultPriority,
			DedupeKey: fmt.Sprintf("periodic:%d", chunk),
		}

		id, err := s.db.Enqueue(ctx, task)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", tenant.ID).Msg("enqueue scheduled task failed")
			return
		}
		if id == 0 {
			s.logger.Debug().Str("tenant_id", tenant.ID).Int("chunk", chunk).Msg("scheduled task deduplicated")
			continue
		}
		s.logger.Debug().Int64("task_id", id).Str("tenant_id", tenant.ID).Int("products", len(batch)).Msg("scheduled sync task")
	}
}
