package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven/mocks"
)

// mockSchedulerStore implements driven.SchedulerStore for testing
type mockSchedulerStore struct {
	mu             sync.Mutex
	scheduledTasks map[string]*domain.ScheduledTask
	getDueFn       func() ([]*domain.ScheduledTask, error)
	updateLastFn   func(id string, lastError string) error
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{
		scheduledTasks: make(map[string]*domain.ScheduledTask),
	}
}

func (m *mockSchedulerStore) GetScheduledTask(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.scheduledTasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return task, nil
}

func (m *mockSchedulerStore) ListScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*domain.ScheduledTask
	for _, task := range m.scheduledTasks {
		result = append(result, task)
	}
	return result, nil
}

func (m *mockSchedulerStore) SaveScheduledTask(ctx context.Context, task *domain.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scheduledTasks[task.ID] = task
	return nil
}

func (m *mockSchedulerStore) DeleteScheduledTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scheduledTasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.scheduledTasks, id)
	return nil
}

func (m *mockSchedulerStore) GetDueScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error) {
	if m.getDueFn != nil {
		return m.getDueFn()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*domain.ScheduledTask
	for _, task := range m.scheduledTasks {
		if task.IsDue() {
			result = append(result, task)
		}
	}
	return result, nil
}

func (m *mockSchedulerStore) UpdateLastRun(ctx context.Context, id string, lastError string) error {
	if m.updateLastFn != nil {
		return m.updateLastFn(id, lastError)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.scheduledTasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	task.UpdateNextRun()
	task.LastError = lastError
	return nil
}

// mockSchedulerTaskQueue records enqueued tasks
type mockSchedulerTaskQueue struct {
	mu        sync.Mutex
	tasks     []*domain.Task
	enqueueFn func(*domain.Task) error
}

func newMockSchedulerTaskQueue() *mockSchedulerTaskQueue {
	return &mockSchedulerTaskQueue{
		tasks: make([]*domain.Task, 0),
	}
}

func (m *mockSchedulerTaskQueue) Enqueue(ctx context.Context, task *domain.Task) error {
	if m.enqueueFn != nil {
		return m.enqueueFn(task)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *mockSchedulerTaskQueue) EnqueueBatch(ctx context.Context, tasks []*domain.Task) error {
	for _, t := range tasks {
		if err := m.Enqueue(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockSchedulerTaskQueue) Dequeue(ctx context.Context) (*domain.Task, error) {
	return nil, nil
}

func (m *mockSchedulerTaskQueue) DequeueWithTimeout(ctx context.Context, timeout int) (*domain.Task, error) {
	return nil, nil
}

func (m *mockSchedulerTaskQueue) Ack(ctx context.Context, taskID string) error { return nil }

func (m *mockSchedulerTaskQueue) Nack(ctx context.Context, taskID string, reason string) error {
	return nil
}

func (m *mockSchedulerTaskQueue) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return nil, domain.ErrNotFound
}

func (m *mockSchedulerTaskQueue) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	return m.getEnqueuedTasks(), nil
}

func (m *mockSchedulerTaskQueue) CancelTask(ctx context.Context, taskID string) error { return nil }

func (m *mockSchedulerTaskQueue) PurgeTasks(ctx context.Context, olderThan int) (int, error) {
	return 0, nil
}

func (m *mockSchedulerTaskQueue) Stats(ctx context.Context) (*domain.QueueStats, error) {
	return &domain.QueueStats{}, nil
}

func (m *mockSchedulerTaskQueue) Ping(ctx context.Context) error { return nil }

func (m *mockSchedulerTaskQueue) Close() error { return nil }

func (m *mockSchedulerTaskQueue) getEnqueuedTasks() []*domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*domain.Task, len(m.tasks))
	copy(result, m.tasks)
	return result
}

// dueSchedule returns a reap schedule whose next run has passed
func dueSchedule(id string) *domain.ScheduledTask {
	scheduled := domain.NewScheduledTask(id, "Reap "+id, domain.TaskTypeReapStale, time.Hour)
	scheduled.NextRun = time.Now().Add(-time.Minute)
	return scheduled
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Store:     newMockSchedulerStore(),
		TaskQueue: newMockSchedulerTaskQueue(),
	})

	if s.interval != 30*time.Second {
		t.Errorf("expected default interval 30s, got %v", s.interval)
	}
	if s.lockTTL != 60*time.Second {
		t.Errorf("expected default lock TTL 60s, got %v", s.lockTTL)
	}
	if s.staleAfter != 15*time.Minute {
		t.Errorf("expected default stale age 15m, got %v", s.staleAfter)
	}
	if s.logger == nil {
		t.Error("expected default logger")
	}
}

func TestNewScheduler_LockRequiredWhenLockSet(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Store:     newMockSchedulerStore(),
		TaskQueue: newMockSchedulerTaskQueue(),
		Lock:      mocks.NewMockDistributedLock(),
	})
	if !s.lockRequired {
		t.Error("expected lock to be required when a lock is configured")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Store:        newMockSchedulerStore(),
		TaskQueue:    newMockSchedulerTaskQueue(),
		PollInterval: 100 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	if !s.Running() {
		t.Error("expected scheduler to be running")
	}

	// Start again should be no-op
	if err := s.Start(ctx); err != nil {
		t.Errorf("second start should not error: %v", err)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("failed to stop scheduler: %v", err)
	}
	if s.Running() {
		t.Error("expected scheduler to be stopped")
	}

	// Stop again should be no-op
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second stop should not error: %v", err)
	}
}

func TestScheduler_SaveListDelete(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Store:     newMockSchedulerStore(),
		TaskQueue: newMockSchedulerTaskQueue(),
	})
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		if err := s.SaveSchedule(ctx, domain.NewScheduledTask(id, "Reap", domain.TaskTypeReapStale, time.Hour)); err != nil {
			t.Fatalf("failed to save schedule %s: %v", id, err)
		}
	}

	retrieved, err := s.Schedule(ctx, "s1")
	if err != nil {
		t.Fatalf("failed to get schedule: %v", err)
	}
	if retrieved.Type != domain.TaskTypeReapStale {
		t.Errorf("expected type reap_stale, got %s", retrieved.Type)
	}

	schedules, err := s.Schedules(ctx)
	if err != nil {
		t.Fatalf("failed to list schedules: %v", err)
	}
	if len(schedules) != 2 {
		t.Errorf("expected 2 schedules, got %d", len(schedules))
	}

	if err := s.DeleteSchedule(ctx, "s2"); err != nil {
		t.Fatalf("failed to delete schedule: %v", err)
	}
	if _, err := s.Schedule(ctx, "s2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestScheduler_SaveScheduleValidation(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Store: newMockSchedulerStore(), TaskQueue: newMockSchedulerTaskQueue()})
	ctx := context.Background()

	tests := map[string]*domain.ScheduledTask{
		"missing id":        domain.NewScheduledTask("", "Reap", domain.TaskTypeReapStale, time.Hour),
		"zero interval":     domain.NewScheduledTask("reap", "Reap", domain.TaskTypeReapStale, 0),
		"negative interval": domain.NewScheduledTask("reap", "Reap", domain.TaskTypeReapStale, -time.Second),
		"unschedulable":     domain.NewScheduledTask("ingest", "Ingest", domain.TaskTypeIngestDocument, time.Hour),
	}
	for name, scheduled := range tests {
		if err := s.SaveSchedule(ctx, scheduled); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestScheduler_SetEnabled(t *testing.T) {
	store := newMockSchedulerStore()
	s := NewScheduler(SchedulerConfig{Store: store, TaskQueue: newMockSchedulerTaskQueue()})
	ctx := context.Background()

	_ = s.SaveSchedule(ctx, domain.NewScheduledTask("reap", "Reap", domain.TaskTypeReapStale, time.Hour))

	if err := s.SetEnabled(ctx, "reap", false); err != nil {
		t.Fatalf("failed to disable: %v", err)
	}
	scheduled, _ := s.Schedule(ctx, "reap")
	if scheduled.Enabled {
		t.Error("expected schedule to be disabled")
	}

	if err := s.SetEnabled(ctx, "reap", true); err != nil {
		t.Fatalf("failed to enable: %v", err)
	}
	scheduled, _ = s.Schedule(ctx, "reap")
	if !scheduled.Enabled {
		t.Error("expected schedule to be enabled")
	}

	if err := s.SetEnabled(ctx, "missing", true); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduler_EnsureDefaults(t *testing.T) {
	store := newMockSchedulerStore()
	s := NewScheduler(SchedulerConfig{Store: store, TaskQueue: newMockSchedulerTaskQueue()})
	ctx := context.Background()

	if err := s.EnsureDefaults(ctx, domain.DefaultSchedules(time.Minute)); err != nil {
		t.Fatalf("EnsureDefaults failed: %v", err)
	}
	scheduled, err := s.Schedule(ctx, "reap-stale")
	if err != nil {
		t.Fatalf("expected default schedule, got %v", err)
	}

	// Operator changes survive a second call
	scheduled.Interval = time.Hour
	scheduled.Enabled = false
	if err := s.EnsureDefaults(ctx, domain.DefaultSchedules(time.Minute)); err != nil {
		t.Fatalf("EnsureDefaults failed: %v", err)
	}
	scheduled, _ = s.Schedule(ctx, "reap-stale")
	if scheduled.Interval != time.Hour || scheduled.Enabled {
		t.Errorf("expected existing schedule to be kept, got interval %v enabled %v", scheduled.Interval, scheduled.Enabled)
	}
}

func TestScheduler_TriggerNow(t *testing.T) {
	queue := newMockSchedulerTaskQueue()
	s := NewScheduler(SchedulerConfig{
		Store:      newMockSchedulerStore(),
		TaskQueue:  queue,
		StaleAfter: 5 * time.Minute,
	})
	ctx := context.Background()

	_ = s.SaveSchedule(ctx, domain.NewScheduledTask("reap", "Reap", domain.TaskTypeReapStale, time.Hour))

	task, err := s.TriggerNow(ctx, "reap")
	if err != nil {
		t.Fatalf("failed to trigger: %v", err)
	}
	if task.Type != domain.TaskTypeReapStale {
		t.Errorf("expected reap_stale task, got %s", task.Type)
	}
	if got := task.OlderThan(time.Hour); got != 5*time.Minute {
		t.Errorf("expected older-than 5m in payload, got %v", got)
	}
	if len(queue.getEnqueuedTasks()) != 1 {
		t.Errorf("expected 1 enqueued task, got %d", len(queue.getEnqueuedTasks()))
	}
}

func TestScheduler_TriggerNow_NotFound(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Store: newMockSchedulerStore(), TaskQueue: newMockSchedulerTaskQueue()})

	if _, err := s.TriggerNow(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduler_Tick(t *testing.T) {
	store := newMockSchedulerStore()
	queue := newMockSchedulerTaskQueue()
	s := NewScheduler(SchedulerConfig{Store: store, TaskQueue: queue})
	ctx := context.Background()

	_ = store.SaveScheduledTask(ctx, dueSchedule("due"))
	_ = store.SaveScheduledTask(ctx, domain.NewScheduledTask("later", "Later", domain.TaskTypeReapStale, time.Hour))

	if n := s.tick(ctx); n != 1 {
		t.Fatalf("expected 1 enqueued task, got %d", n)
	}

	tasks := queue.getEnqueuedTasks()
	if len(tasks) != 1 || tasks[0].Type != domain.TaskTypeReapStale {
		t.Fatalf("expected one reap_stale task, got %v", tasks)
	}

	due, _ := store.GetScheduledTask(ctx, "due")
	if due.LastRun == nil || !due.NextRun.After(time.Now()) {
		t.Error("expected next run to move forward")
	}

	// nothing is due on the next cycle
	if n := s.tick(ctx); n != 0 {
		t.Errorf("expected no tasks on the second cycle, got %d", n)
	}
}

func TestScheduler_Tick_SkipsDisabled(t *testing.T) {
	store := newMockSchedulerStore()
	queue := newMockSchedulerTaskQueue()
	s := NewScheduler(SchedulerConfig{Store: store, TaskQueue: queue})
	ctx := context.Background()

	disabled := dueSchedule("off")
	disabled.Enabled = false
	store.getDueFn = func() ([]*domain.ScheduledTask, error) {
		return []*domain.ScheduledTask{disabled}, nil
	}

	if n := s.tick(ctx); n != 0 {
		t.Errorf("expected disabled schedule to be skipped, got %d", n)
	}
}

func TestScheduler_Tick_EnqueueError(t *testing.T) {
	store := newMockSchedulerStore()
	queue := newMockSchedulerTaskQueue()
	queue.enqueueFn = func(*domain.Task) error { return errors.New("queue down") }
	s := NewScheduler(SchedulerConfig{Store: store, TaskQueue: queue})
	ctx := context.Background()

	_ = store.SaveScheduledTask(ctx, dueSchedule("due"))

	if n := s.tick(ctx); n != 0 {
		t.Errorf("expected nothing enqueued, got %d", n)
	}

	due, _ := store.GetScheduledTask(ctx, "due")
	if due.LastError != "queue down" {
		t.Errorf("expected last error to be recorded, got %q", due.LastError)
	}
}

func TestScheduler_Tick_StoreError(t *testing.T) {
	store := newMockSchedulerStore()
	store.getDueFn = func() ([]*domain.ScheduledTask, error) { return nil, errors.New("db down") }
	queue := newMockSchedulerTaskQueue()
	s := NewScheduler(SchedulerConfig{Store: store, TaskQueue: queue})

	if n := s.tick(context.Background()); n != 0 {
		t.Errorf("expected nothing enqueued, got %d", n)
	}
}

func TestScheduler_Tick_LockHeldElsewhere(t *testing.T) {
	store := newMockSchedulerStore()
	queue := newMockSchedulerTaskQueue()
	lock := mocks.NewMockDistributedLock()
	lock.SetLockHeld(schedulerLockName, time.Minute)
	s := NewScheduler(SchedulerConfig{Store: store, TaskQueue: queue, Lock: lock})
	ctx := context.Background()

	_ = store.SaveScheduledTask(ctx, dueSchedule("due"))

	if n := s.tick(ctx); n != 0 {
		t.Errorf("expected no tasks while another instance holds the lock, got %d", n)
	}
}

func TestScheduler_Tick_ReleasesLock(t *testing.T) {
	store := newMockSchedulerStore()
	queue := newMockSchedulerTaskQueue()
	lock := mocks.NewMockDistributedLock()
	s := NewScheduler(SchedulerConfig{Store: store, TaskQueue: queue, Lock: lock})
	ctx := context.Background()

	_ = store.SaveScheduledTask(ctx, dueSchedule("due"))

	if n := s.tick(ctx); n != 1 {
		t.Errorf("expected 1 enqueued task, got %d", n)
	}
	if lock.IsHeld(schedulerLockName) {
		t.Error("expected scheduler lock to be released after the cycle")
	}
	if lock.Acquisitions(schedulerLockName) != 1 {
		t.Errorf("expected 1 acquisition, got %d", lock.Acquisitions(schedulerLockName))
	}
}

func TestScheduler_Tick_LockError(t *testing.T) {
	store := newMockSchedulerStore()
	queue := newMockSchedulerTaskQueue()
	lock := mocks.NewMockDistributedLock()
	lock.AcquireFn = func(string, time.Duration) (bool, error) { return false, errors.New("redis down") }
	s := NewScheduler(SchedulerConfig{Store: store, TaskQueue: queue, Lock: lock})
	ctx := context.Background()

	_ = store.SaveScheduledTask(ctx, dueSchedule("due"))

	if n := s.tick(ctx); n != 0 {
		t.Errorf("expected cycle to be skipped when the lock errors, got %d", n)
	}
}

func TestScheduler_ContextCancellation(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Store:        newMockSchedulerStore(),
		TaskQueue:    newMockSchedulerTaskQueue(),
		PollInterval: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	s.mu.RLock()
	done := s.doneCh
	s.mu.RUnlock()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not exit after context cancellation")
	}
}

func TestScheduler_RunsDueTaskOnStart(t *testing.T) {
	store := newMockSchedulerStore()
	queue := newMockSchedulerTaskQueue()
	s := NewScheduler(SchedulerConfig{Store: store, TaskQueue: queue, PollInterval: time.Hour})
	ctx := context.Background()

	_ = store.SaveScheduledTask(ctx, dueSchedule("due"))

	if err := s.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(queue.getEnqueuedTasks()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}

	if len(queue.getEnqueuedTasks()) != 1 {
		t.Errorf("expected the due task to be enqueued on start, got %d", len(queue.getEnqueuedTasks()))
	}
}

func TestMockSchedulerInterfaces(t *testing.T) {
	var _ driven.SchedulerStore = (*mockSchedulerStore)(nil)
	var _ driven.TaskQueue = (*mockSchedulerTaskQueue)(nil)
}
