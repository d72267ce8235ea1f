package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketsync/internal/models"
)

// ErrNoTask is returned by ClaimNext when the queue has no eligible work.
var ErrNoTask = errors.New("no eligible task")

// ErrNotOwner is returned when a state transition is attempted by a worker
// that no longer holds the task: its lease was reaped and the task was
// reclaimed or already finished by someone else. A stale worker must never
// move a task out of the state its current owner put it in.
var ErrNotOwner = errors.New("task is not processing under this worker")

// BackoffFunc computes the retry delay for a given attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

type queuePolicy struct {
	maxAttempts int
	backoff     BackoffFunc
}

// SetQueuePolicy configures retry limits for Fail. Must be called before
// workers start; defaults are applied otherwise.
func (db *DB) SetQueuePolicy(maxAttempts int, backoff BackoffFunc) {
	db.queue = queuePolicy{maxAttempts: maxAttempts, backoff: backoff}
}

func (db *DB) queuePolicy() queuePolicy {
	p := db.queue
	if p.maxAttempts <= 0 {
		p.maxAttempts = models.DefaultMaxAttempts
	}
	if p.backoff == nil {
		p.backoff = func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		}
	}
	return p
}

const taskColumns = `id, task_type, tenant_id, payload, priority, status, attempt_count, last_error,
              worker_id, lease_expires_at, scheduled_for, cancelled, dedupe_key, created_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*models.SyncTask, error) {
	var t models.SyncTask
	err := row.Scan(
		&t.ID, &t.TaskType, &t.TenantID, &t.Payload, &t.Priority, &t.Status, &t.AttemptCount, &t.LastError,
		&t.WorkerID, &t.LeaseExpiresAt, &t.ScheduledFor, &t.Cancelled, &t.DedupeKey, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Enqueue persists a new task. When task.DedupeKey is set, an already-pending
// task with the same tenant, type and key suppresses the insert and Enqueue
// returns 0 — a recurring scheduler cannot pile up duplicate work.
func (db *DB) Enqueue(ctx context.Context, task *models.SyncTask) (int64, error) {
	if task.TaskType == "" {
		return 0, errors.New("task type is required")
	}
	if task.TenantID == "" {
		return 0, errors.New("tenant id is required")
	}
	if task.Payload == "" {
		task.Payload = "{}"
	}
	if task.Priority == 0 {
		task.Priority = models.DefaultPriority
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}

	now := time.Now()

	var result sql.Result
	var err error
	if task.DedupeKey != "" {
		query := `INSERT INTO sync_tasks (task_type, tenant_id, payload, priority, status, scheduled_for, dedupe_key, created_at, updated_at)
              SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
              WHERE NOT EXISTS (
                  SELECT 1 FROM sync_tasks
                  WHERE tenant_id = ? AND task_type = ? AND dedupe_key = ? AND status = 'pending'
              )`
		result, err = db.ExecContext(ctx, query,
			task.TaskType, task.TenantID, task.Payload, task.Priority, task.Status, task.ScheduledFor, task.DedupeKey, now, now,
			task.TenantID, task.TaskType, task.DedupeKey,
		)
	} else {
		query := `INSERT INTO sync_tasks (task_type, tenant_id, payload, priority, status, scheduled_for, dedupe_key, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		result, err = db.ExecContext(ctx, query,
			task.TaskType, task.TenantID, task.Payload, task.Priority, task.Status, task.ScheduledFor, task.DedupeKey, now, now,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return 0, nil // deduplicated
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	task.UpdatedAt = now
	return id, nil
}

// ClaimNext atomically transitions the oldest eligible highest-priority
// pending task to processing, bound to workerID with a lease. The inner
// select and the status guard run as a single conditional update, so two
// concurrent workers can never claim the same row.
func (db *DB) ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration) (*models.SyncTask, error) {
	now := time.Now()
	lease := now.Add(leaseTTL)

	query := `UPDATE sync_tasks
              SET status = 'processing', worker_id = ?, lease_expires_at = ?, updated_at = ?
              WHERE id = (
                  SELECT id FROM sync_tasks
                  WHERE status = 'pending'
                    AND cancelled = 0
                    AND (scheduled_for IS NULL OR scheduled_for <= ?)
                  ORDER BY priority ASC, created_at ASC, id ASC
                  LIMIT 1
              ) AND status = 'pending'
              RETURNING ` + taskColumns

	task, err := scanTask(db.QueryRowContext(ctx, query, workerID, lease, now, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return task, nil
}

// Complete marks a processing task as success. The update is fenced on
// worker_id so a worker whose lease was reaped cannot finish a task that a
// new owner is already running.
func (db *DB) Complete(ctx context.Context, id int64, workerID string) error {
	query := `UPDATE sync_tasks
              SET status = 'success', last_error = NULL, worker_id = NULL, lease_expires_at = NULL, updated_at = ?
              WHERE id = ? AND status = 'processing' AND worker_id = ?`
	result, err := db.ExecContext(ctx, query, time.Now(), id, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete task %d: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("complete task %d: %w", id, ErrNotOwner)
	}
	return nil
}

// Fail records a failed attempt and returns the resulting status. Retryable
// failures below the attempt limit go back to pending with an
// exponential-backoff scheduled_for; everything else becomes terminal error.
// The attempt increment happens inside the ownership-fenced update, so a
// reaped lease (which bumps the counter itself) can never be clobbered by a
// stale worker's late report.
func (db *DB) Fail(ctx context.Context, id int64, workerID, errMsg string, retryable bool) (string, error) {
	policy := db.queuePolicy()

	// Routing and backoff need the current attempt count; the fenced read
	// also rejects stale workers before any write.
	var attempts int
	err := db.QueryRowContext(ctx,
		`SELECT attempt_count FROM sync_tasks WHERE id = ? AND status = 'processing' AND worker_id = ?`,
		id, workerID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("fail task %d: %w", id, ErrNotOwner)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load task %d: %w", id, err)
	}
	attempts++

	now := time.Now()
	status := models.TaskStatusError
	var result sql.Result
	if retryable && attempts < policy.maxAttempts {
		status = models.TaskStatusPending
		nextAt := now.Add(policy.backoff(attempts))
		query := `UPDATE sync_tasks
                  SET status = 'pending', attempt_count = attempt_count + 1, last_error = ?, scheduled_for = ?,
                      worker_id = NULL, lease_expires_at = NULL, updated_at = ?
                  WHERE id = ? AND status = 'processing' AND worker_id = ?`
		result, err = db.ExecContext(ctx, query, errMsg, nextAt, now, id, workerID)
	} else {
		query := `UPDATE sync_tasks
                  SET status = 'error', attempt_count = attempt_count + 1, last_error = ?,
                      worker_id = NULL, lease_expires_at = NULL, updated_at = ?
                  WHERE id = ? AND status = 'processing' AND worker_id = ?`
		result, err = db.ExecContext(ctx, query, errMsg, now, id, workerID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to fail task %d: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return "", fmt.Errorf("fail task %d: %w", id, ErrNotOwner)
	}
	return status, nil
}

// Cancel flags a task. Pending tasks move to cancelled immediately; workers
// observe the flag at safe points and let in-flight adapter calls finish.
func (db *DB) Cancel(ctx context.Context, id int64) error {
	now := time.Now()
	query := `UPDATE sync_tasks
              SET cancelled = 1,
                  status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
                  updated_at = ?
              WHERE id = ?`
	_, err := db.ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("failed to cancel task %d: %w", id, err)
	}
	return nil
}

// Release returns a claimed task to pending without counting an attempt.
// Used when the rate limiter denies a slot: waiting is not a task failure.
// Fenced on worker_id so a stale release cannot yank a reclaimed task out
// from under its new owner.
func (db *DB) Release(ctx context.Context, id int64, workerID string, delay time.Duration) error {
	now := time.Now()
	nextAt := now.Add(delay)
	query := `UPDATE sync_tasks
              SET status = 'pending', scheduled_for = ?, worker_id = NULL, lease_expires_at = NULL, updated_at = ?
              WHERE id = ? AND status = 'processing' AND worker_id = ?`
	result, err := db.ExecContext(ctx, query, nextAt, now, id, workerID)
	if err != nil {
		return fmt.Errorf("failed to release task %d: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("release task %d: %w", id, ErrNotOwner)
	}
	return nil
}

// ConfirmCancelled finishes a claimed task whose cancelled flag the worker
// observed at a safe point.
func (db *DB) ConfirmCancelled(ctx context.Context, id int64, workerID string) error {
	query := `UPDATE sync_tasks
              SET status = 'cancelled', worker_id = NULL, lease_expires_at = NULL, updated_at = ?
              WHERE id = ? AND status = 'processing' AND worker_id = ?`
	result, err := db.ExecContext(ctx, query, time.Now(), id, workerID)
	if err != nil {
		return fmt.Errorf("failed to confirm cancellation for task %d: %w", id, err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("confirm cancellation for task %d: %w", id, ErrNotOwner)
	}
	return nil
}

// IsCancelled reads the cancellation flag for a claimed task.
func (db *DB) IsCancelled(ctx context.Context, id int64) (bool, error) {
	var cancelled bool
	err := db.QueryRowContext(ctx, `SELECT cancelled FROM sync_tasks WHERE id = ?`, id).Scan(&cancelled)
	if err != nil {
		return false, fmt.Errorf("failed to check cancellation for task %d: %w", id, err)
	}
	return cancelled, nil
}

// ReapExpiredLeases returns abandoned processing tasks to pending, counting
// the lost run as an attempt. This is the crash-recovery path.
func (db *DB) ReapExpiredLeases(ctx context.Context) (int64, error) {
	now := time.Now()
	query := `UPDATE sync_tasks
              SET status = 'pending', attempt_count = attempt_count + 1,
                  worker_id = NULL, lease_expires_at = NULL, updated_at = ?
              WHERE status = 'processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`
	result, err := db.ExecContext(ctx, query, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	return result.RowsAffected()
}

// GetTask loads a single task by id.
func (db *DB) GetTask(ctx context.Context, id int64) (*models.SyncTask, error) {
	query := `SELECT ` + taskColumns + ` FROM sync_tasks WHERE id = ?`
	task, err := scanTask(db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return task, nil
}

// GetFailedTasks returns terminal-error tasks for a tenant, newest first.
func (db *DB) GetFailedTasks(ctx context.Context, tenantID string) ([]models.SyncTask, error) {
	query := `SELECT ` + taskColumns + ` FROM sync_tasks
              WHERE tenant_id = ? AND status = 'error' ORDER BY updated_at DESC`
	rows, err := db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.SyncTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// QueueStats aggregates operational counters for one tenant.
func (db *DB) QueueStats(ctx context.Context, tenantID string) (*models.QueueStats, error) {
	query := `SELECT
                  COUNT(CASE WHEN status = 'pending' THEN 1 END),
                  COUNT(CASE WHEN status = 'processing' THEN 1 END),
                  COUNT(CASE WHEN status = 'error' THEN 1 END),
                  MIN(CASE WHEN status = 'pending' THEN created_at END)
              FROM sync_tasks WHERE tenant_id = ?`

	stats := models.QueueStats{TenantID: tenantID}
	var oldest sql.NullTime
	err := db.QueryRowContext(ctx, query, tenantID).Scan(
		&stats.PendingCount, &stats.ProcessingCount, &stats.ErrorCount, &oldest,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAge = time.Since(oldest.Time)
	}
	return &stats, nil
}
