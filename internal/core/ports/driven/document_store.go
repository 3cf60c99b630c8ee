package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// DocumentStore is the durable record of documents, versions and chunks.
// Writes for one document id are serialised by the store; readers only ever
// observe committed versions.
type DocumentStore interface {
	// Put allocates the next version for doc.ID and stores it as pending.
	// baseVersion is the latest version the caller observed (0 for a new document);
	// a mismatch with the stored latest version fails with ErrConflict.
	// A negative baseVersion skips the check.
	Put(ctx context.Context, doc *domain.Document, baseVersion int64) (int64, error)

	// Get retrieves a document version. Version 0 returns the current indexed
	// version, or the tombstone if the document was deleted.
	Get(ctx context.Context, id string, version int64) (*domain.Document, error)

	// Head returns the version bookkeeping for a document id
	Head(ctx context.Context, id string) (*domain.DocumentHead, error)

	// SaveChunks stores the chunks (with embeddings) of a pending version
	SaveChunks(ctx context.Context, id string, version int64, chunks []domain.Chunk) error

	// ListChunks returns the chunks of a version ordered by sequence
	ListChunks(ctx context.Context, id string, version int64) ([]domain.Chunk, error)

	// MarkStatus moves a version to a new status. Marking a pending version
	// indexed is the commit point: it becomes current and the previous current
	// version is superseded, in one transaction. The superseded version keeps
	// its chunks until PruneChunks.
	MarkStatus(ctx context.Context, id string, version int64, status domain.DocumentStatus) error

	// PruneChunks drops the chunks of a superseded version. Other statuses
	// fail with ErrConflict.
	PruneChunks(ctx context.Context, id string, version int64) error

	// Delete tombstones the document and removes all of its chunks.
	// Returns the version that was current when the tombstone was written.
	Delete(ctx context.Context, id string) (int64, error)

	// ListIndexed streams the chunks of every current indexed version
	ListIndexed(ctx context.Context, fn func(doc *domain.Document, chunks []domain.Chunk) error) error

	// ListStale returns pending versions created before the cutoff
	ListStale(ctx context.Context, before time.Time) ([]*domain.Document, error)
}

// IndexMetaStore persists the configuration a vector index was built with
type IndexMetaStore interface {
	// EnsureIndexConfig records cfg on first use and afterwards verifies that
	// metric, dimension and model match. A mismatch fails with ErrInvalidConfig.
	EnsureIndexConfig(ctx context.Context, cfg domain.IndexConfig) error
}
