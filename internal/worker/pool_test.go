package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/adapter"
	"marketsync/internal/config"
	"marketsync/internal/database"
	"marketsync/internal/events"
	"marketsync/internal/models"
	"marketsync/internal/ratelimit"
)

// fakeAdapter returns canned snapshots or a scripted error.
type fakeAdapter struct {
	name  string
	snaps []models.CompetitorSnapshot
	err   error
	calls int
}

func (a *fakeAdapter) Name() string     { return a.name }
func (a *fakeAdapter) Endpoint() string { return "pricing" }

func (a *fakeAdapter) Fetch(ctx context.Context, payload []byte) ([]models.CompetitorSnapshot, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.snaps, nil
}

// fakeLimiter grants or denies every acquisition.
type fakeLimiter struct {
	err   error
	calls int
}

func (l *fakeLimiter) Acquire(ctx context.Context, key models.RateLimitKey, cost float64) error {
	l.calls++
	return l.err
}

type poolFixture struct {
	pool    *Pool
	db      *database.DB
	adapter *fakeAdapter
	limiter *fakeLimiter
	bus     *events.EventBus
	logger  zerolog.Logger
}

func setupPool(t *testing.T) *poolFixture {
	t.Helper()
	logger := zerolog.Nop()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetQueuePolicy(3, func(attempt int) time.Duration {
		return time.Duration(attempt) * time.Second
	})

	fa := &fakeAdapter{
		name: "amazon",
		snaps: []models.CompetitorSnapshot{
			{ProductID: "p-1", SellerID: "A", SellerName: "Seller A", LeaderPrice: 10, ObservedAt: time.Now()},
			{ProductID: "p-1", SellerID: "A", SellerName: "Seller A", LeaderPrice: 11, ObservedAt: time.Now()},
		},
	}
	registry := adapter.NewRegistry()
	registry.Register(models.TaskTypeCheckCompetitors, fa)

	fl := &fakeLimiter{}
	bus := events.NewEventBus()

	pool := NewPool(db, registry, fl, bus, config.WorkerConfig{
		Count:        1,
		PollInterval: 10 * time.Millisecond,
		LeaseTTL:     time.Minute,
	}, logger)

	return &poolFixture{pool: pool, db: db, adapter: fa, limiter: fl, bus: bus, logger: logger}
}

func enqueueAndClaim(t *testing.T, db *database.DB) *models.SyncTask {
	t.Helper()
	ctx := context.Background()
	_, err := db.Enqueue(ctx, &models.SyncTask{
		TaskType: models.TaskTypeCheckCompetitors,
		TenantID: "tenant-a",
		Payload:  `{"tenant_id":"tenant-a","product_ids":["p-1"]}`,
	})
	require.NoError(t, err)
	task, err := db.ClaimNext(ctx, "test-worker", time.Minute)
	require.NoError(t, err)
	return task
}

func TestProcess_Success(t *testing.T) {
	f := setupPool(t)
	ctx := context.Background()

	var ingested []events.SnapshotsIngestedPayload
	f.bus.Subscribe(events.EventSnapshotsIngested, func(e *events.Event) error {
		var p events.SnapshotsIngestedPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		ingested = append(ingested, p)
		return nil
	})

	task := enqueueAndClaim(t, f.db)
	f.pool.process(ctx, &f.logger, task)

	done, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, done.Status)
	assert.Equal(t, 1, f.limiter.calls)
	assert.Equal(t, 1, f.adapter.calls)

	snaps, err := f.db.GetSnapshots(ctx, "p-1", 10)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
	assert.Equal(t, "tenant-a", snaps[0].TenantID, "tenant is stamped onto snapshots")

	products, err := f.db.GetActiveProducts(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "amazon", products[0].Marketplace)

	require.Len(t, ingested, 1)
	assert.Equal(t, "p-1", ingested[0].ProductID)
	assert.Equal(t, 2, ingested[0].Count)
}

func TestProcess_TransientFailureRetries(t *testing.T) {
	f := setupPool(t)
	ctx := context.Background()
	f.adapter.err = adapter.Transient(errors.New("marketplace 503"))

	var failEvents []events.TaskEventPayload
	f.bus.Subscribe(events.EventTaskFailed, func(e *events.Event) error {
		var p events.TaskEventPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		failEvents = append(failEvents, p)
		return nil
	})

	task := enqueueAndClaim(t, f.db)
	f.pool.process(ctx, &f.logger, task)

	failed, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, failed.Status, "transient failure goes back to pending")
	assert.Equal(t, 1, failed.AttemptCount)
	require.NotNil(t, failed.ScheduledFor)
	assert.True(t, failed.ScheduledFor.After(time.Now()))

	require.Len(t, failEvents, 1)
	assert.Equal(t, models.TaskStatusPending, failEvents[0].Status, "event carries the status the task actually moved to")
}

func TestProcess_PermanentFailureIsTerminal(t *testing.T) {
	f := setupPool(t)
	ctx := context.Background()
	f.adapter.err = adapter.Permanent(errors.New("401 unauthorized"))

	var failEvents []events.TaskEventPayload
	f.bus.Subscribe(events.EventTaskFailed, func(e *events.Event) error {
		var p events.TaskEventPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		failEvents = append(failEvents, p)
		return nil
	})

	task := enqueueAndClaim(t, f.db)
	f.pool.process(ctx, &f.logger, task)

	failed, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusError, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount)

	require.Len(t, failEvents, 1)
	assert.Contains(t, failEvents[0].Error, "401")
	assert.Equal(t, models.TaskStatusError, failEvents[0].Status)
}

func TestProcess_AttemptExhaustion(t *testing.T) {
	f := setupPool(t)
	ctx := context.Background()
	f.adapter.err = adapter.Transient(errors.New("timeout"))

	task := enqueueAndClaim(t, f.db)
	f.pool.process(ctx, &f.logger, task)

	for attempt := 2; attempt <= 3; attempt++ {
		_, err := f.db.ExecContext(ctx, `UPDATE sync_tasks SET scheduled_for = NULL WHERE id = ?`, task.ID)
		require.NoError(t, err)
		claimed, err := f.db.ClaimNext(ctx, "test-worker", time.Minute)
		require.NoError(t, err)
		f.pool.process(ctx, &f.logger, claimed)
	}

	final, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusError, final.Status, "attempts exhausted")
	assert.Equal(t, 3, final.AttemptCount)
	assert.Equal(t, 3, f.adapter.calls)
}

func TestProcess_RateLimitedReleasesWithoutAttempt(t *testing.T) {
	f := setupPool(t)
	ctx := context.Background()
	f.limiter.err = ratelimit.ErrRateLimitExceeded

	task := enqueueAndClaim(t, f.db)
	f.pool.process(ctx, &f.logger, task)

	released, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, released.Status)
	assert.Equal(t, 0, released.AttemptCount, "throttling never consumes an attempt")
	assert.Equal(t, 0, f.adapter.calls, "no upstream call without a token")
}

func TestProcess_LimiterStorageErrorIsTransient(t *testing.T) {
	f := setupPool(t)
	ctx := context.Background()
	f.limiter.err = errors.New("rate limiter storage unavailable, denying acquisition: disk I/O error")

	task := enqueueAndClaim(t, f.db)
	f.pool.process(ctx, &f.logger, task)

	failed, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, failed.Status, "storage failures are retried")
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Equal(t, 0, f.adapter.calls)
}

func TestProcess_UnknownTaskType(t *testing.T) {
	f := setupPool(t)
	ctx := context.Background()

	_, err := f.db.Enqueue(ctx, &models.SyncTask{TaskType: "mystery", TenantID: "tenant-a"})
	require.NoError(t, err)
	task, err := f.db.ClaimNext(ctx, "test-worker", time.Minute)
	require.NoError(t, err)

	f.pool.process(ctx, &f.logger, task)

	failed, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusError, failed.Status, "unknown type never retries")
	assert.Equal(t, 0, f.limiter.calls)
}

func TestProcess_CancelledAtSafePoint(t *testing.T) {
	f := setupPool(t)
	ctx := context.Background()

	task := enqueueAndClaim(t, f.db)
	require.NoError(t, f.db.Cancel(ctx, task.ID))

	f.pool.process(ctx, &f.logger, task)

	cancelled, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status)
	assert.Equal(t, 0, f.adapter.calls, "cancelled task never reaches the adapter")
	assert.Equal(t, 0, f.limiter.calls)
}

func TestPool_StartDrainsQueue(t *testing.T) {
	f := setupPool(t)
	ctx, cancel := context.WithCancel(context.Background())

	const taskCount = 5
	for i := 0; i < taskCount; i++ {
		_, err := f.db.Enqueue(ctx, &models.SyncTask{
			TaskType: models.TaskTypeCheckCompetitors,
			TenantID: "tenant-a",
			Payload:  `{"product_ids":["p-1"]}`,
		})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		f.pool.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		stats, err := f.db.QueueStats(context.Background(), "tenant-a")
		return err == nil && stats.PendingCount == 0 && stats.ProcessingCount == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after context cancellation")
	}
}
