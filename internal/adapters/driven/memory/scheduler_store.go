package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.SchedulerStore = (*SchedulerStore)(nil)

// SchedulerStore keeps scheduled tasks in memory.
type SchedulerStore struct {
	mu    sync.RWMutex
	tasks map[string]domain.ScheduledTask
}

// NewSchedulerStore creates an empty store.
func NewSchedulerStore() *SchedulerStore {
	return &SchedulerStore{tasks: make(map[string]domain.ScheduledTask)}
}

// GetScheduledTask retrieves a scheduled task by ID
func (s *SchedulerStore) GetScheduledTask(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: scheduled task %s", domain.ErrNotFound, id)
	}
	return &task, nil
}

// ListScheduledTasks returns every schedule ordered by next run
func (s *SchedulerStore) ListScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error) {
	return s.collect(func(*domain.ScheduledTask) bool { return true }), nil
}

// SaveScheduledTask creates or updates a scheduled task
func (s *SchedulerStore) SaveScheduledTask(ctx context.Context, task *domain.ScheduledTask) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: scheduled task id is required", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = *task
	return nil
}

// DeleteScheduledTask removes a scheduled task
func (s *SchedulerStore) DeleteScheduledTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("%w: scheduled task %s", domain.ErrNotFound, id)
	}
	delete(s.tasks, id)
	return nil
}

// GetDueScheduledTasks retrieves enabled scheduled tasks whose next run has passed
func (s *SchedulerStore) GetDueScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error) {
	return s.collect((*domain.ScheduledTask).IsDue), nil
}

// UpdateLastRun records a run and moves the next run one interval ahead
func (s *SchedulerStore) UpdateLastRun(ctx context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: scheduled task %s", domain.ErrNotFound, id)
	}
	task.UpdateNextRun()
	task.LastError = lastError
	s.tasks[id] = task
	return nil
}

func (s *SchedulerStore) collect(keep func(*domain.ScheduledTask) bool) []*domain.ScheduledTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*domain.ScheduledTask{}
	for _, task := range s.tasks {
		if keep(&task) {
			out = append(out, &task)
		}
	}
	slices.SortFunc(out, func(a, b *domain.ScheduledTask) int {
		if c := a.NextRun.Compare(b.NextRun); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
