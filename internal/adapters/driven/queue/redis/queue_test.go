package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewQueue(context.Background(), client, "test-worker")
	require.NoError(t, err)
	return q, mr
}

func TestNewQueue_RequiresClient(t *testing.T) {
	_, err := NewQueue(context.Background(), nil, "")
	assert.Error(t, err)
}

func TestNewQueue_GroupAlreadyExists(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := NewQueue(context.Background(), client, "a")
	require.NoError(t, err)
	_, err = NewQueue(context.Background(), client, "b")
	assert.NoError(t, err)
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task := domain.NewIngestTask(domain.IngestRequest{DocumentID: "doc-1", Content: "hello", MimeType: "text/plain"})
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, domain.TaskStatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "hello", got.IngestRequest().Content)

	require.NoError(t, q.Ack(ctx, task.ID))

	stored, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)

	// nothing left
	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestQueue_Dequeue_Empty(t *testing.T) {
	q, _ := newTestQueue(t)

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestQueue_EnqueueBatch_Order(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tasks := []*domain.Task{domain.NewDeleteTask("a"), domain.NewDeleteTask("b"), nil}
	require.NoError(t, q.EnqueueBatch(ctx, tasks))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, "a", first.DocumentID())
	assert.Equal(t, "b", second.DocumentID())
}

func TestQueue_DelayedTask(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task := domain.NewReapStaleTask(time.Hour)
	task.ScheduledFor = time.Now().Add(time.Hour)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "delayed task must not be delivered early")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PendingCount)
}

func TestQueue_Nack_RetriesThenFails(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	task := domain.NewDeleteTask("doc-1")
	task.MaxAttempts = 1
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	// attempts exhausted after one delivery
	require.NoError(t, q.Nack(ctx, task.ID, "boom"))
	stored, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, "boom", stored.Error)
	assert.False(t, mr.Exists(scheduledTasks))
}

func TestQueue_Nack_Reschedules(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	task := domain.NewDeleteTask("doc-1")
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, task.ID, "transient"))

	stored, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, stored.Status)
	assert.True(t, stored.ScheduledFor.After(time.Now()))

	members, err := mr.ZMembers(scheduledTasks)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, members)
}

func TestQueue_GetTask_NotFound(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.GetTask(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	assert.ErrorIs(t, q.Ack(context.Background(), "missing"), domain.ErrNotFound)
	assert.ErrorIs(t, q.Nack(context.Background(), "missing", "x"), domain.ErrNotFound)
}

func TestQueue_CancelTask(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task := domain.NewReapStaleTask(time.Hour)
	task.ScheduledFor = time.Now().Add(time.Hour)
	require.NoError(t, q.Enqueue(ctx, task))

	require.NoError(t, q.CancelTask(ctx, task.ID))
	stored, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, "cancelled", stored.Error)

	assert.ErrorIs(t, q.CancelTask(ctx, task.ID), domain.ErrConflict)
}

func TestQueue_ListTasks_Filter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueBatch(ctx, []*domain.Task{
		domain.NewDeleteTask("a"),
		domain.NewDeleteTask("b"),
		domain.NewReapStaleTask(time.Minute),
	}))

	deletes, err := q.ListTasks(ctx, domain.TaskFilter{Type: domain.TaskTypeDeleteDocument})
	require.NoError(t, err)
	assert.Len(t, deletes, 2)

	limited, err := q.ListTasks(ctx, domain.TaskFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := q.ListTasks(ctx, domain.TaskFilter{Status: domain.TaskStatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueue_PurgeAndStats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	done := domain.NewDeleteTask("a")
	open := domain.NewDeleteTask("b")
	require.NoError(t, q.EnqueueBatch(ctx, []*domain.Task{done, open}))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, done.ID, got.ID)
	require.NoError(t, q.Ack(ctx, done.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PendingCount)
	assert.Equal(t, int64(1), stats.CompletedCount)

	// negative age puts the cutoff in the future
	purged, err := q.PurgeTasks(ctx, -60)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = q.GetTask(ctx, done.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueue_Ping(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.NoError(t, q.Ping(context.Background()))
	assert.NoError(t, q.Close())
}
