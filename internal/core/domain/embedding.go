package domain

import (
	"fmt"
	"time"
)

// EmbeddingProvider names an embedding backend
type EmbeddingProvider string

const (
	EmbeddingProviderHashing EmbeddingProvider = "hashing" // local, deterministic
	EmbeddingProviderOpenAI  EmbeddingProvider = "openai"
)

// EmbeddingSettings configures the embedding service
type EmbeddingSettings struct {
	Provider   EmbeddingProvider `json:"provider" yaml:"provider"`
	Model      string            `json:"model" yaml:"model"`
	APIKey     string            `json:"-" yaml:"api_key"`
	BaseURL    string            `json:"base_url,omitempty" yaml:"base_url"`
	Dimensions int               `json:"dimensions" yaml:"dimensions"`
	BatchSize  int               `json:"batch_size" yaml:"batch_size"`

	// Timeout bounds a single embedding call
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// RequestsPerSecond limits calls to remote providers (0 = unlimited)
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
}

// DefaultEmbeddingSettings returns settings for the local hashing embedder
func DefaultEmbeddingSettings() EmbeddingSettings {
	return EmbeddingSettings{
		Provider:   EmbeddingProviderHashing,
		Dimensions: 256,
		BatchSize:  32,
		Timeout:    30 * time.Second,
	}
}

// Validate checks the settings. Errors wrap ErrInvalidConfig.
func (s EmbeddingSettings) Validate() error {
	switch s.Provider {
	case EmbeddingProviderHashing:
		if s.Dimensions <= 0 {
			return fmt.Errorf("%w: hashing embedder needs positive dimensions", ErrInvalidConfig)
		}
	case EmbeddingProviderOpenAI:
		if s.APIKey == "" {
			return fmt.Errorf("%w: openai embedder needs an API key", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, s.Provider)
	}
	if s.BatchSize < 0 || s.RequestsPerSecond < 0 || s.Timeout < 0 {
		return fmt.Errorf("%w: batch size, rate and timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}
