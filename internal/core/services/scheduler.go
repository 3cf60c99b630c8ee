package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driving"
)

var (
	_ driving.Scheduler       = (*Scheduler)(nil)
	_ driving.ScheduleService = (*Scheduler)(nil)
)

// schedulerLockName is the distributed lock held for one scheduling cycle
const schedulerLockName = "scheduler"

// Scheduler enqueues maintenance tasks, such as reaping stale pending
// versions, when their schedule is due. Every worker process may run one;
// a DistributedLock keeps the cycles of several processes from overlapping.
type Scheduler struct {
	store     driven.SchedulerStore
	taskQueue driven.TaskQueue
	lock      driven.DistributedLock
	logger    *slog.Logger

	interval     time.Duration
	lockTTL      time.Duration
	lockRequired bool
	staleAfter   time.Duration

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	Store        driven.SchedulerStore
	TaskQueue    driven.TaskQueue
	Lock         driven.DistributedLock // Optional: distributed lock for multi-instance coordination
	Logger       *slog.Logger
	PollInterval time.Duration // How often to check for due tasks (default: 30s)
	LockTTL      time.Duration // TTL for the distributed lock (default: 60s)
	LockRequired bool          // Skip the cycle when the lock backend errors. Forced on when Lock is set.
	StaleAfter   time.Duration // Age at which reap_stale treats a pending version as abandoned (default: 15m)
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		store:        cfg.Store,
		taskQueue:    cfg.TaskQueue,
		lock:         cfg.Lock,
		logger:       cfg.Logger,
		interval:     cfg.PollInterval,
		lockTTL:      cfg.LockTTL,
		lockRequired: cfg.LockRequired || cfg.Lock != nil,
		staleAfter:   cfg.StaleAfter,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 2 * s.interval
	}
	if s.staleAfter <= 0 {
		s.staleAfter = 15 * time.Minute
	}
	return s
}

// Start launches the scheduling loop. It returns immediately; the loop ends
// when Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	s.logger.Info("scheduler starting", "poll_interval", s.interval, "lock", s.lock != nil)
	go s.loop(ctx, s.stopCh, s.doneCh)
	return nil
}

// Stop ends the loop and waits for an in-flight cycle until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the scheduling loop is active
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// tick runs one scheduling cycle and returns the number of tasks enqueued
func (s *Scheduler) tick(ctx context.Context) int {
	release, ok := s.claimCycle(ctx)
	if !ok {
		return 0
	}
	defer release()

	due, err := s.store.GetDueScheduledTasks(ctx)
	if err != nil {
		s.logger.Error("failed to list due schedules", "error", err)
		return 0
	}

	enqueued := 0
	for _, scheduled := range due {
		if !scheduled.IsDue() {
			continue
		}
		task, err := s.dispatch(ctx, scheduled)

		lastError := ""
		if err != nil {
			lastError = err.Error()
			s.logger.Error("failed to enqueue scheduled task", "scheduled_id", scheduled.ID, "error", err)
		} else {
			enqueued++
			s.logger.Info("enqueued scheduled task", "scheduled_id", scheduled.ID, "task_id", task.ID, "task_type", task.Type)
		}
		if err := s.store.UpdateLastRun(ctx, scheduled.ID, lastError); err != nil {
			s.logger.Warn("failed to record schedule run", "scheduled_id", scheduled.ID, "error", err)
		}
	}
	return enqueued
}

// claimCycle takes the scheduler lock when one is configured. ok is false
// when this cycle must be skipped. release is always safe to call.
func (s *Scheduler) claimCycle(ctx context.Context) (release func(), ok bool) {
	noop := func() {}
	if s.lock == nil {
		return noop, true
	}

	acquired, err := s.lock.Acquire(ctx, schedulerLockName, s.lockTTL)
	switch {
	case err != nil:
		s.logger.Warn("failed to acquire scheduler lock", "error", err)
		return noop, !s.lockRequired
	case !acquired:
		s.logger.Debug("scheduler lock held by another instance, skipping cycle")
		return noop, false
	}

	return func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), schedulerLockName); err != nil {
			s.logger.Warn("failed to release scheduler lock", "error", err)
		}
	}, true
}

// dispatch builds the queue task for a schedule and enqueues it
func (s *Scheduler) dispatch(ctx context.Context, scheduled *domain.ScheduledTask) (*domain.Task, error) {
	var task *domain.Task
	switch scheduled.Type {
	case domain.TaskTypeReapStale:
		task = domain.NewReapStaleTask(s.staleAfter)
	default:
		return nil, fmt.Errorf("%w: task type %q cannot be scheduled", domain.ErrInvalidInput, scheduled.Type)
	}
	if err := s.taskQueue.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// EnsureDefaults saves the given schedules unless a schedule with the same ID
// already exists, so operator changes survive restarts.
func (s *Scheduler) EnsureDefaults(ctx context.Context, schedules []*domain.ScheduledTask) error {
	for _, scheduled := range schedules {
		_, err := s.store.GetScheduledTask(ctx, scheduled.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("get schedule %s: %w", scheduled.ID, err)
		}
		if err := s.SaveSchedule(ctx, scheduled); err != nil {
			return err
		}
		s.logger.Info("registered default schedule", "scheduled_id", scheduled.ID, "interval", scheduled.Interval)
	}
	return nil
}

// Schedule returns one schedule
func (s *Scheduler) Schedule(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	return s.store.GetScheduledTask(ctx, id)
}

// Schedules lists all schedules
func (s *Scheduler) Schedules(ctx context.Context) ([]*domain.ScheduledTask, error) {
	return s.store.ListScheduledTasks(ctx)
}

// SaveSchedule creates or replaces a schedule
func (s *Scheduler) SaveSchedule(ctx context.Context, scheduled *domain.ScheduledTask) error {
	if scheduled.ID == "" {
		return fmt.Errorf("%w: schedule id is required", domain.ErrInvalidInput)
	}
	if scheduled.Interval <= 0 {
		return fmt.Errorf("%w: schedule %s needs a positive interval", domain.ErrInvalidInput, scheduled.ID)
	}
	if scheduled.Type != domain.TaskTypeReapStale {
		return fmt.Errorf("%w: task type %q cannot be scheduled", domain.ErrInvalidInput, scheduled.Type)
	}
	if err := s.store.SaveScheduledTask(ctx, scheduled); err != nil {
		return fmt.Errorf("save schedule %s: %w", scheduled.ID, err)
	}
	return nil
}

// DeleteSchedule removes a schedule
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	return s.store.DeleteScheduledTask(ctx, id)
}

// SetEnabled turns a schedule on or off
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	scheduled, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return err
	}
	if scheduled.Enabled == enabled {
		return nil
	}
	scheduled.Enabled = enabled
	return s.store.SaveScheduledTask(ctx, scheduled)
}

// TriggerNow enqueues the task of a schedule regardless of its next run time.
// The schedule itself is left untouched.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) (*domain.Task, error) {
	scheduled, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task, err := s.dispatch(ctx, scheduled)
	if err != nil {
		return nil, err
	}
	s.logger.Info("manually triggered scheduled task", "scheduled_id", scheduled.ID, "task_id", task.ID)
	return task, nil
}
