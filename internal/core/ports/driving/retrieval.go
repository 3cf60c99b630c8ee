package driving

import (
	"context"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// RetrievalService answers queries with ranked chunks and their provenance
type RetrievalService interface {
	// Query returns up to q.K hits, best first. A K above the configured
	// maximum fails with ErrInvalidInput.
	Query(ctx context.Context, q domain.Query) (*domain.RetrievalResult, error)
}
