package driving

import (
	"context"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// Scheduler triggers recurring maintenance tasks
type Scheduler interface {
	// Start begins the scheduler loop
	Start(ctx context.Context) error

	// Stop stops the scheduler loop
	Stop(ctx context.Context) error
}

// ScheduleService manages the maintenance schedules
type ScheduleService interface {
	Schedules(ctx context.Context) ([]*domain.ScheduledTask, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// TriggerNow enqueues the task of a schedule immediately
	TriggerNow(ctx context.Context, id string) (*domain.Task, error)
}
