package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.TaskQueue = (*TaskQueue)(nil)

// TaskQueue is an in-process driven.TaskQueue for single-node deployments.
// Tasks do not survive a restart.
type TaskQueue struct {
	mu     sync.Mutex
	tasks  map[string]*domain.Task
	order  []string // enqueue order, ties broken by it
	wake   chan struct{}
	closed bool
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		tasks: make(map[string]*domain.Task),
		wake:  make(chan struct{}, 1),
	}
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.Payload = maps.Clone(t.Payload)
	return &c
}

func (q *TaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds a task to the queue for processing.
func (q *TaskQueue) Enqueue(ctx context.Context, task *domain.Task) error {
	return q.EnqueueBatch(ctx, []*domain.Task{task})
}

// EnqueueBatch adds multiple tasks to the queue.
func (q *TaskQueue) EnqueueBatch(ctx context.Context, tasks []*domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("task queue is closed")
	}
	for _, task := range tasks {
		if task == nil || task.ID == "" {
			return fmt.Errorf("%w: task id is required", domain.ErrInvalidInput)
		}
	}
	for _, task := range tasks {
		if _, exists := q.tasks[task.ID]; !exists {
			q.order = append(q.order, task.ID)
		}
		q.tasks[task.ID] = cloneTask(task)
	}
	q.signal()
	return nil
}

// Dequeue claims the ready task with the highest priority.
// Returns nil, nil if no task is ready.
func (q *TaskQueue) Dequeue(ctx context.Context) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var next *domain.Task
	now := time.Now()
	for _, id := range q.order {
		task := q.tasks[id]
		if task == nil || task.Status != domain.TaskStatusPending || task.ScheduledFor.After(now) {
			continue
		}
		if next == nil || task.Priority > next.Priority {
			next = task
		}
	}
	if next == nil {
		return nil, nil
	}

	next.MarkProcessing()
	return cloneTask(next), nil
}

// DequeueWithTimeout waits up to timeout seconds for a ready task.
func (q *TaskQueue) DequeueWithTimeout(ctx context.Context, timeout int) (*domain.Task, error) {
	deadline := time.NewTimer(time.Duration(timeout) * time.Second)
	defer deadline.Stop()

	// delayed tasks become ready without an enqueue
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		task, err := q.Dequeue(ctx)
		if task != nil || err != nil {
			return task, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.wake:
		case <-poll.C:
		}
	}
}

func (q *TaskQueue) lookup(taskID string) (*domain.Task, error) {
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	return task, nil
}

// Ack acknowledges successful completion of a task.
func (q *TaskQueue) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.lookup(taskID)
	if err != nil {
		return err
	}
	task.MarkCompleted()
	return nil
}

// Nack records a failed attempt, rescheduling with backoff while attempts remain.
func (q *TaskQueue) Nack(ctx context.Context, taskID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.lookup(taskID)
	if err != nil {
		return err
	}
	task.Fail(reason)
	return nil
}

// GetTask retrieves a task by ID.
func (q *TaskQueue) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return cloneTask(task), nil
}

// ListTasks returns tasks in enqueue order.
func (q *TaskQueue) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := []*domain.Task{}
	skipped := 0
	for _, id := range q.order {
		task := q.tasks[id]
		if task == nil {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		tasks = append(tasks, cloneTask(task))
		if filter.Limit > 0 && len(tasks) >= filter.Limit {
			break
		}
	}
	return tasks, nil
}

// CancelTask marks a pending task as cancelled.
func (q *TaskQueue) CancelTask(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.lookup(taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusPending {
		return fmt.Errorf("%w: task %s is %s", domain.ErrConflict, taskID, task.Status)
	}
	task.MarkFailed("cancelled")
	return nil
}

// PurgeTasks removes completed and failed tasks older than the given age.
func (q *TaskQueue) PurgeTasks(ctx context.Context, olderThanSeconds int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	purged := 0
	for id, task := range q.tasks {
		done := task.Status == domain.TaskStatusCompleted || task.Status == domain.TaskStatusFailed
		if done && task.UpdatedAt.Before(cutoff) {
			delete(q.tasks, id)
			purged++
		}
	}
	q.order = slices.DeleteFunc(q.order, func(id string) bool {
		_, ok := q.tasks[id]
		return !ok
	})
	return purged, nil
}

// Stats returns queue statistics.
func (q *TaskQueue) Stats(ctx context.Context) (*domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &domain.QueueStats{}
	var oldest time.Time
	for _, task := range q.tasks {
		switch task.Status {
		case domain.TaskStatusPending:
			stats.PendingCount++
			if oldest.IsZero() || task.CreatedAt.Before(oldest) {
				oldest = task.CreatedAt
			}
		case domain.TaskStatusProcessing:
			stats.ProcessingCount++
		case domain.TaskStatusCompleted:
			stats.CompletedCount++
		case domain.TaskStatusFailed:
			stats.FailedCount++
		}
	}
	if !oldest.IsZero() {
		stats.OldestPendingAge = int64(time.Since(oldest).Seconds())
	}
	return stats, nil
}

// Ping always succeeds while the queue is open.
func (q *TaskQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("task queue is closed")
	}
	return nil
}

// Close rejects further enqueues.
func (q *TaskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
