package driving

import (
	"context"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// DocumentService provides access to stored documents and their removal
type DocumentService interface {
	// Get retrieves a document version (0 = current)
	Get(ctx context.Context, id string, version int64) (*domain.Document, error)

	// ListChunks retrieves the chunks of a version (0 = current)
	ListChunks(ctx context.Context, id string, version int64) ([]domain.Chunk, error)

	// Delete tombstones a document and removes it from the index
	Delete(ctx context.Context, id string) (*domain.DeleteResult, error)

	// DeleteAsync enqueues a delete task and returns its ID
	DeleteAsync(ctx context.Context, id string) (string, error)

	// ReapStale fails pending versions older than the given age and drops
	// their staged index entries. Returns the number of versions reaped.
	ReapStale(ctx context.Context, olderThan time.Duration) (int, error)
}
