package driving

import (
	"context"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// TaskService inspects and maintains the background task queue
type TaskService interface {
	// Task retrieves one task by ID
	Task(ctx context.Context, id string) (*domain.Task, error)

	// Tasks lists tasks matching the filter
	Tasks(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error)

	// Cancel fails a pending task so no worker picks it up.
	// Tasks in any other state return ErrConflict.
	Cancel(ctx context.Context, id string) error

	// Purge removes completed and failed tasks older than the given age
	Purge(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns queue depth per status
	Stats(ctx context.Context) (*domain.QueueStats, error)
}
