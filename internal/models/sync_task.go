package models

import "time"

// SyncTask represents a queued synchronization job for a marketplace.
type SyncTask struct {
	ID             int64      `json:"id"`
	TaskType       string     `json:"task_type"`
	TenantID       string     `json:"tenant_id"`
	Payload        string     `json:"payload"`
	Priority       int        `json:"priority"` // lower value is claimed first
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      *string    `json:"last_error"`
	WorkerID       *string    `json:"worker_id"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at"`
	ScheduledFor   *time.Time `json:"scheduled_for"`
	Cancelled      bool       `json:"cancelled"`
	DedupeKey      string     `json:"dedupe_key"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the task reached a final state.
func (t *SyncTask) Terminal() bool {
	return t.Status == TaskStatusSuccess || t.Status == TaskStatusError || t.Status == TaskStatusCancelled
}

// QueueStats summarizes queue health for one tenant.
type QueueStats struct {
	TenantID         string        `json:"tenant_id"`
	PendingCount     int           `json:"pending_count"`
	ProcessingCount  int           `json:"processing_count"`
	ErrorCount       int           `json:"error_count"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}
