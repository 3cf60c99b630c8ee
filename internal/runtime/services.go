package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

// Services owns the embedder shared by ingestion and retrieval. The embedder
// may be replaced while the process runs, but only by one producing vectors
// the index accepts: same model and same dimension.
type Services struct {
	index domain.IndexConfig

	mu       sync.RWMutex
	embedder driven.EmbeddingService
}

// NewServices binds the registry to the index it feeds
func NewServices(index domain.IndexConfig) *Services {
	return &Services{index: index}
}

func (s *Services) IndexConfig() domain.IndexConfig {
	return s.index
}

// EmbeddingService returns the current embedder, or nil
func (s *Services) EmbeddingService() driven.EmbeddingService {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embedder
}

// Embedder returns the current embedder or domain.ErrEmbedderUnavailable.
// It is safe on a nil *Services.
func (s *Services) Embedder() (driven.EmbeddingService, error) {
	if e := s.EmbeddingService(); e != nil {
		return e, nil
	}
	return nil, domain.ErrEmbedderUnavailable
}

func (s *Services) EmbeddingAvailable() bool {
	return s.EmbeddingService() != nil
}

// Compatible reports whether svc writes vectors the index accepts.
// Errors wrap domain.ErrEmbeddingVersionMismatch.
func (s *Services) Compatible(svc driven.EmbeddingService) error {
	switch {
	case svc.Model() != s.index.ModelVersion:
		return fmt.Errorf("%w: embedder model %q, index model %q",
			domain.ErrEmbeddingVersionMismatch, svc.Model(), s.index.ModelVersion)
	case svc.Dimensions() != s.index.Dimension:
		return fmt.Errorf("%w: embedder dimension %d, index dimension %d",
			domain.ErrEmbeddingVersionMismatch, svc.Dimensions(), s.index.Dimension)
	}
	return nil
}

// SetEmbeddingService installs svc and closes the embedder it replaces.
// nil clears the slot. An incompatible svc is rejected and left open.
func (s *Services) SetEmbeddingService(svc driven.EmbeddingService) error {
	if svc != nil {
		if err := s.Compatible(svc); err != nil {
			return err
		}
	}

	s.mu.Lock()
	old := s.embedder
	s.embedder = svc
	s.mu.Unlock()

	if old != nil && old != svc {
		_ = old.Close()
	}
	return nil
}

// ValidateAndSetEmbedding installs svc after a compatibility check and a
// health check. svc is closed when either fails.
func (s *Services) ValidateAndSetEmbedding(ctx context.Context, svc driven.EmbeddingService) error {
	if svc == nil {
		return s.SetEmbeddingService(nil)
	}
	if err := s.Compatible(svc); err != nil {
		_ = svc.Close()
		return err
	}
	if err := svc.HealthCheck(ctx); err != nil {
		_ = svc.Close()
		return fmt.Errorf("%w: %w", domain.ErrEmbedderUnavailable, err)
	}
	return s.SetEmbeddingService(svc)
}

// Close closes and clears the embedder
func (s *Services) Close() error {
	return s.SetEmbeddingService(nil)
}
