package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/models"
)

// Workers hammering ClaimNext must never receive the same task twice.
func TestClaimNext_NoDoubleClaim(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	const taskCount = 50
	const workerCount = 8

	for i := 0; i < taskCount; i++ {
		_, err := db.Enqueue(ctx, newTask(models.TaskTypeCheckCompetitors, "tenant-a"))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := make(map[int64]string)

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				task, err := db.ClaimNext(ctx, workerID, time.Minute)
				if errors.Is(err, ErrNoTask) {
					return
				}
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}

				mu.Lock()
				if prev, dup := claimed[task.ID]; dup {
					t.Errorf("task %d claimed by both %s and %s", task.ID, prev, workerID)
				}
				claimed[task.ID] = workerID
				mu.Unlock()

				if err := db.Complete(ctx, task.ID, workerID); err != nil {
					t.Errorf("complete failed: %v", err)
				}
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, taskCount, "every task claimed exactly once")

	stats, err := db.QueueStats(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
	assert.Zero(t, stats.ProcessingCount)
}

// Concurrent enqueues with the same dedupe key collapse to a single pending row.
func TestEnqueue_ConcurrentDedupe(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	ids := make(chan int64, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := newTask(models.TaskTypeCheckCompetitors, "tenant-a")
			task.DedupeKey = "periodic"
			id, err := db.Enqueue(ctx, task)
			if err != nil {
				t.Errorf("enqueue failed: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	var inserted int
	for id := range ids {
		if id != 0 {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)

	stats, err := db.QueueStats(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
}
