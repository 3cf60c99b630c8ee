package driven

import (
	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// AIServiceFactory creates AI services based on configuration
type AIServiceFactory interface {
	// CreateEmbeddingService creates an embedding service from settings
	CreateEmbeddingService(settings domain.EmbeddingSettings) (EmbeddingService, error)
}
