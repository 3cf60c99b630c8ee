package driven

import (
	"context"
	"time"
)

// DistributedLock is a named mutex shared by every process using the same
// backend. It guards per-document ingestion and deletion and the scheduler
// cycle when several workers run against one store.
type DistributedLock interface {
	// Acquire takes name without blocking. acquired is false when another
	// holder has it. The lock lapses after ttl on backends that support expiry.
	Acquire(ctx context.Context, name string, ttl time.Duration) (acquired bool, err error)

	// Release gives up name. Releasing a lock that is not held is not an error.
	Release(ctx context.Context, name string) error

	// Extend pushes the expiry of a held lock to ttl from now. It fails with
	// domain.ErrLockNotAcquired when this process no longer holds name.
	Extend(ctx context.Context, name string, ttl time.Duration) error

	Ping(ctx context.Context) error
}
