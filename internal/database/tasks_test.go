package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/models"
)

func newTask(taskType, tenantID string) *models.SyncTask {
	return &models.SyncTask{
		TaskType: taskType,
		TenantID: tenantID,
		Payload:  `{"product_ids":["p-1"]}`,
	}
}

func TestEnqueueClaimComplete(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	id, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
	require.NoError(t, err)
	require.NotZero(t, id)

	task, err := db.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, models.TaskStatusProcessing, task.Status)
	require.NotNil(t, task.WorkerID)
	assert.Equal(t, "worker-1", *task.WorkerID)
	require.NotNil(t, task.LeaseExpiresAt)
	assert.True(t, task.LeaseExpiresAt.After(time.Now()))

	require.NoError(t, db.Complete(ctx, id, "worker-1"))

	done, err := db.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, done.Status)
	assert.Nil(t, done.WorkerID)
	assert.Nil(t, done.LastError)
	assert.True(t, done.Terminal())
	assert.False(t, done.UpdatedAt.Before(done.CreatedAt))
}

func TestClaimNext_EmptyQueue(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	_, err := db.ClaimNext(context.Background(), "worker-1", time.Minute)
	assert.ErrorIs(t, err, ErrNoTask)
}

func TestClaimNext_PriorityAndFIFO(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	low := newTask(models.TaskTypeCheckCompetitors, "tenant-a")
	low.Priority = 200
	lowID, err := db.Enqueue(ctx, low)
	require.NoError(t, err)

	urgent := newTask(models.TaskTypeCheckCompetitors, "tenant-a")
	urgent.Priority = 10
	urgentID, err := db.Enqueue(ctx, urgent)
	require.NoError(t, err)

	first, err := db.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, urgentID, first.ID, "lower priority value is claimed first")

	second, err := db.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, lowID, second.ID)
}

func TestClaimNext_SkipsScheduledFuture(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	task := newTask(models.TaskTypeCheckCompetitors, "tenant-a")
	task.ScheduledFor = &future
	_, err := db.Enqueue(ctx, task)
	require.NoError(t, err)

	_, err = db.ClaimNext(ctx, "worker-1", time.Minute)
	assert.ErrorIs(t, err, ErrNoTask)

	past := time.Now().Add(-time.Hour)
	ready := newTask(models.TaskTypeCheckCompetitors, "tenant-a")
	ready.ScheduledFor = &past
	readyID, err := db.Enqueue(ctx, ready)
	require.NoError(t, err)

	claimed, err := db.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, readyID, claimed.ID)
}

func TestEnqueue_Dedupe(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	task := newTask(models.TaskTypeCheckCompetitors, "tenant-a")
	task.DedupeKey = "periodic"
	id, err := db.Enqueue(ctx, task)
	require.NoError(t, err)
	require.NotZero(t, id)

	dup := newTask(models.TaskTypeCheckCompetitors, "tenant-a")
	dup.DedupeKey = "periodic"
	dupID, err := db.Enqueue(ctx, dup)
	require.NoError(t, err)
	assert.Zero(t, dupID, "pending task with same key suppresses insert")

	// Другой тенант не подавляется
	other := newTask(models.TaskTypeCheckCompetitors, "tenant-b")
	other.DedupeKey = "periodic"
	otherID, err := db.Enqueue(ctx, other)
	require.NoError(t, err)
	assert.NotZero(t, otherID)

	// После ухода из pending ключ свободен
	claimed, err := db.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	again := newTask(models.TaskTypeCheckCompetitors, "tenant-a")
	again.DedupeKey = "periodic"
	againID, err := db.Enqueue(ctx, again)
	require.NoError(t, err)
	assert.NotZero(t, againID)
}

func TestEnqueue_Validation(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	_, err := db.Enqueue(ctx, &models.SyncTask{TenantID: "tenant-a"})
	assert.Error(t, err)

	_, err = db.Enqueue(ctx, &models.SyncTask{TaskType: models.TaskTypeCheckCompetitors})
	assert.Error(t, err)
}

func TestFail_RetryThenTerminal(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	db.SetQueuePolicy(3, func(attempt int) time.Duration {
		return time.Duration(attempt) * time.Second
	})
	ctx := context.Background()

	id, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
	require.NoError(t, err)

	var prevAttempts int
	for attempt := 1; attempt <= 3; attempt++ {
		// scheduled_for смещена в прошлое, чтобы задача была доступна сразу
		_, err := db.ExecContext(ctx, `UPDATE sync_tasks SET scheduled_for = NULL WHERE id = ?`, id)
		require.NoError(t, err)

		claimed, err := db.ClaimNext(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, id, claimed.ID)

		_, err = db.Fail(ctx, id, "worker-1", "marketplace timeout", true)
		require.NoError(t, err)

		task, err := db.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Greater(t, task.AttemptCount, prevAttempts, "attempt_count strictly increases")
		prevAttempts = task.AttemptCount
		require.NotNil(t, task.LastError)
		assert.Equal(t, "marketplace timeout", *task.LastError)

		if attempt < 3 {
			assert.Equal(t, models.TaskStatusPending, task.Status)
			require.NotNil(t, task.ScheduledFor)
			assert.True(t, task.ScheduledFor.After(time.Now()), "backoff pushes scheduled_for into the future")
		} else {
			assert.Equal(t, models.TaskStatusError, task.Status, "attempt limit reached")
		}
	}
}

func TestFail_PermanentIsImmediatelyTerminal(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	id, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
	require.NoError(t, err)

	_, err = db.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	status, err := db.Fail(ctx, id, "worker-1", "401 unauthorized", false)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusError, status)

	task, err := db.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusError, task.Status)
	assert.Equal(t, 1, task.AttemptCount)

	failed, err := db.GetFailedTasks(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
}

func TestCancel(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	t.Run("pending task is cancelled immediately", func(t *testing.T) {
		id, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
		require.NoError(t, err)

		require.NoError(t, db.Cancel(ctx, id))

		task, err := db.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCancelled, task.Status)
		assert.True(t, task.Cancelled)

		_, err = db.ClaimNext(ctx, "worker-1", time.Minute)
		assert.ErrorIs(t, err, ErrNoTask)
	})

	t.Run("processing task keeps running until a safe point", func(t *testing.T) {
		id, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
		require.NoError(t, err)

		_, err = db.ClaimNext(ctx, "worker-1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, db.Cancel(ctx, id))

		task, err := db.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusProcessing, task.Status, "in-flight work is not interrupted")

		cancelled, err := db.IsCancelled(ctx, id)
		require.NoError(t, err)
		assert.True(t, cancelled)

		require.NoError(t, db.ConfirmCancelled(ctx, id, "worker-1"))
		task, err = db.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCancelled, task.Status)
		assert.Nil(t, task.WorkerID)
	})
}

func TestRelease_NoAttemptIncrement(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	id, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
	require.NoError(t, err)

	_, err = db.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, db.Release(ctx, id, "worker-1", 30*time.Second))

	task, err := db.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 0, task.AttemptCount, "waiting for a rate limit slot is not a failure")
	assert.Nil(t, task.WorkerID)
	require.NotNil(t, task.ScheduledFor)
	assert.True(t, task.ScheduledFor.After(time.Now()))
}

func TestReapExpiredLeases(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	expiredID, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
	require.NoError(t, err)
	_, err = db.ClaimNext(ctx, "dead-worker", -time.Second)
	require.NoError(t, err)

	aliveID, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
	require.NoError(t, err)
	_, err = db.ClaimNext(ctx, "live-worker", time.Hour)
	require.NoError(t, err)

	reaped, err := db.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	expired, err := db.GetTask(ctx, expiredID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, expired.Status)
	assert.Equal(t, 1, expired.AttemptCount, "lost run counts as an attempt")
	assert.Nil(t, expired.WorkerID)

	alive, err := db.GetTask(ctx, aliveID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, alive.Status)
}

func TestComplete_RequiresProcessing(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	id, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
	require.NoError(t, err)

	err = db.Complete(ctx, id, "worker-1")
	assert.ErrorIs(t, err, ErrNotOwner, "pending task cannot be completed")
}

func TestQueueStats(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
		require.NoError(t, err)
	}
	_, err := db.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	toFail, err := db.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	_, err = db.Fail(ctx, toFail.ID, "worker-1", "boom", false)
	require.NoError(t, err)

	// задачи другого тенанта не попадают в счётчики
	_, err = db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-b"))
	require.NoError(t, err)

	stats, err := db.QueueStats(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
	assert.Equal(t, 1, stats.ProcessingCount)
	assert.Equal(t, 1, stats.ErrorCount)
	assert.GreaterOrEqual(t, stats.OldestPendingAge, time.Duration(0))
}

func TestStaleWorkerCannotTouchReclaimedTask(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	id, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
	require.NoError(t, err)

	// worker-a зависает: аренда истекает и задача возвращается в очередь
	_, err = db.ClaimNext(ctx, "worker-a", -time.Second)
	require.NoError(t, err)
	reaped, err := db.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), reaped)

	reclaimed, err := db.ClaimNext(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, reclaimed.ID)

	// Пока worker-b работает, отставший worker-a не может отобрать задачу
	assert.ErrorIs(t, db.Release(ctx, id, "worker-a", time.Second), ErrNotOwner)
	inFlight, err := db.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, inFlight.Status)
	require.NotNil(t, inFlight.WorkerID)
	assert.Equal(t, "worker-b", *inFlight.WorkerID)

	require.NoError(t, db.Complete(ctx, id, "worker-b"))

	// Поздний отчёт worker-a не трогает терминальный success
	_, err = db.Fail(ctx, id, "worker-a", "late timeout", true)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.ErrorIs(t, db.Complete(ctx, id, "worker-a"), ErrNotOwner)
	assert.ErrorIs(t, db.ConfirmCancelled(ctx, id, "worker-a"), ErrNotOwner)

	final, err := db.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, final.Status)
	assert.Equal(t, 1, final.AttemptCount, "only the reaped lease counted as an attempt")
}

func TestGetTask_NotFound(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	_, err := db.GetTask(context.Background(), 9999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}
