package driving

import (
	"context"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// IngestionService chunks, embeds and indexes documents
type IngestionService interface {
	// Ingest runs the full pipeline for one document. The new version becomes
	// searchable all at once, or not at all.
	Ingest(ctx context.Context, req domain.IngestRequest) (*domain.IngestResult, error)

	// IngestAsync validates the request, enqueues an ingest task and returns its ID
	IngestAsync(ctx context.Context, req domain.IngestRequest) (string, error)
}
