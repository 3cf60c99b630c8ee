package driven

import (
	"context"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// VectorIndex supports nearest-neighbour search over chunk vectors.
// Entries are staged by Upsert and only become searchable once their
// document version is published, so a document is never partially visible.
type VectorIndex interface {
	// Config returns the immutable configuration the index was created with
	Config() domain.IndexConfig

	// Upsert stages entries. They stay invisible until Publish.
	Upsert(ctx context.Context, entries []domain.IndexEntry) error

	// Publish makes version the only visible version of documentID and
	// returns the previously visible version (0 if none).
	Publish(ctx context.Context, documentID string, version int64) (int64, error)

	// Remove drops entries by chunk id
	Remove(ctx context.Context, chunkIDs ...string) error

	// Retract drops every entry and the visibility record of a document
	Retract(ctx context.Context, documentID string) error

	// Search returns up to k visible entries ranked by similarity
	Search(ctx context.Context, query domain.Vector, k int, filter *domain.Filter) ([]domain.ScoredChunk, error)

	// Stats reports entry counts
	Stats() domain.IndexStats

	// Close releases the index. Subsequent calls fail with ErrIndexUnavailable.
	Close() error
}
