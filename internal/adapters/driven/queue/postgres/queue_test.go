package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgstore "github.com/custodia-labs/ragdoc/internal/adapters/driven/postgres"
	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// Needs a PostgreSQL server with pgvector; set RAGDOC_TEST_DATABASE_URL.
func setupQueue(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("RAGDOC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RAGDOC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := pgstore.Connect(ctx, pgstore.DefaultConfig(url))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(ctx))
	_, err = db.ExecContext(ctx, `DELETE FROM tasks`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewQueue(db.DB)
}

func TestQueue_ClaimAckLifecycle(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	low := domain.NewDeleteTask("a")
	high := domain.NewDeleteTask("b")
	high.Priority = 10
	require.NoError(t, q.EnqueueBatch(ctx, []*domain.Task{low, high}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.ID, got.ID, "higher priority first")
	assert.Equal(t, domain.TaskStatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, q.Ack(ctx, got.ID))
	done, err := q.GetTask(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PendingCount)
	assert.Equal(t, int64(1), stats.CompletedCount)
}

func TestQueue_NackRetriesThenFails(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	task := domain.NewReapStaleTask(time.Minute)
	task.MaxAttempts = 2
	require.NoError(t, q.Enqueue(ctx, task))

	claimed, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.Nack(ctx, task.ID, "boom"))

	retried, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, retried.Status)
	assert.Equal(t, "boom", retried.Error)
	assert.True(t, retried.ScheduledFor.After(time.Now()), "retry waits for its backoff")

	// not due yet
	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = q.db.ExecContext(ctx, `UPDATE tasks SET scheduled_for = NOW() WHERE id = $1`, task.ID)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, task.ID, "boom again"))

	failed, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, failed.Status)
	assert.Equal(t, 2, failed.Attempts)
}

func TestQueue_UnknownTask(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	assert.ErrorIs(t, q.Ack(ctx, "missing"), domain.ErrNotFound)
	assert.ErrorIs(t, q.Nack(ctx, "missing", "x"), domain.ErrNotFound)
	_, err := q.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueue_CancelListPurge(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	task := domain.NewDeleteTask("c")
	require.NoError(t, q.Enqueue(ctx, task))
	require.NoError(t, q.CancelTask(ctx, task.ID))
	assert.ErrorIs(t, q.CancelTask(ctx, task.ID), domain.ErrConflict)

	failed, err := q.ListTasks(ctx, domain.TaskFilter{Status: domain.TaskStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "cancelled", failed[0].Error)

	n, err := q.PurgeTasks(ctx, -60)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_DequeueWithTimeout_Empty(t *testing.T) {
	q := setupQueue(t)

	start := time.Now()
	task, err := q.DequeueWithTimeout(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}
