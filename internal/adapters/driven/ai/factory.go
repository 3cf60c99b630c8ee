package ai

import (
	"fmt"
	"net/http"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

var _ driven.AIServiceFactory = (*Factory)(nil)

// Factory builds the embedding service named by EmbeddingSettings.Provider
type Factory struct {
	httpClient *http.Client
}

// FactoryOption customises a Factory
type FactoryOption func(*Factory)

// WithHTTPClient makes remote providers send requests through c.
// The client's Timeout is replaced by the provider's configured timeout.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) { f.httpClient = c }
}

func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateEmbeddingService validates settings and returns the matching
// embedder. Errors wrap domain.ErrInvalidConfig.
func (f *Factory) CreateEmbeddingService(settings domain.EmbeddingSettings) (driven.EmbeddingService, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	switch settings.Provider {
	case domain.EmbeddingProviderHashing:
		svc, err := NewHashingEmbedding(settings.Dimensions)
		if err != nil {
			return nil, err
		}
		return svc, nil

	case domain.EmbeddingProviderOpenAI:
		svc, err := NewOpenAIEmbedding(settings)
		if err != nil {
			return nil, err
		}
		if f.httpClient != nil {
			client := *f.httpClient
			client.Timeout = svc.client.Timeout
			svc.client = &client
		}
		return svc, nil
	}
	return nil, fmt.Errorf("%w: unknown embedding provider %q", domain.ErrInvalidConfig, settings.Provider)
}
