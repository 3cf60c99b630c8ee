package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driving"
)

// Ensure taskService implements TaskService
var _ driving.TaskService = (*taskService)(nil)

// taskService implements the TaskService interface
type taskService struct {
	taskQueue driven.TaskQueue
	logger    *slog.Logger
}

// TaskServiceConfig holds dependencies for the task service.
type TaskServiceConfig struct {
	TaskQueue driven.TaskQueue
	Logger    *slog.Logger
}

// NewTaskService creates a new TaskService
func NewTaskService(cfg TaskServiceConfig) driving.TaskService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &taskService{
		taskQueue: cfg.TaskQueue,
		logger:    logger,
	}
}

// Task retrieves one task by ID.
func (s *taskService) Task(ctx context.Context, id string) (*domain.Task, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: task id is required", domain.ErrInvalidInput)
	}
	return s.taskQueue.GetTask(ctx, id)
}

// Tasks lists tasks matching the filter.
func (s *taskService) Tasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", domain.ErrInvalidInput)
	}
	switch filter.Status {
	case "", domain.TaskStatusPending, domain.TaskStatusProcessing, domain.TaskStatusCompleted, domain.TaskStatusFailed:
	default:
		return nil, fmt.Errorf("%w: unknown task status %q", domain.ErrInvalidInput, filter.Status)
	}
	switch filter.Type {
	case "", domain.TaskTypeIngestDocument, domain.TaskTypeDeleteDocument, domain.TaskTypeReapStale:
	default:
		return nil, fmt.Errorf("%w: unknown task type %q", domain.ErrInvalidInput, filter.Type)
	}
	return s.taskQueue.ListTasks(ctx, filter)
}

// Cancel fails a pending task.
func (s *taskService) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: task id is required", domain.ErrInvalidInput)
	}
	if err := s.taskQueue.CancelTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task cancelled", "task_id", id)
	return nil
}

// Purge removes finished tasks older than olderThan. The queue works in
// whole seconds so the age must be at least one second.
func (s *taskService) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < time.Second {
		return 0, fmt.Errorf("%w: purge age must be at least 1s, got %s", domain.ErrInvalidInput, olderThan)
	}
	n, err := s.taskQueue.PurgeTasks(ctx, int(olderThan/time.Second))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("tasks purged", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// Stats returns queue statistics.
func (s *taskService) Stats(ctx context.Context) (*domain.QueueStats, error) {
	return s.taskQueue.Stats(ctx)
}
