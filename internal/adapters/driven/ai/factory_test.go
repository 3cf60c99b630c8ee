package ai

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// countingTransport counts round trips before delegating
type countingTransport struct {
	n    atomic.Int32
	next http.RoundTripper
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.n.Add(1)
	return c.next.RoundTrip(r)
}

func TestFactory_WithHTTPClient(t *testing.T) {
	srv := embeddingServer(t, 8, nil)
	defer srv.Close()

	transport := &countingTransport{next: http.DefaultTransport}
	factory := NewFactory(WithHTTPClient(&http.Client{Transport: transport}))

	settings := openAISettings(srv.URL, 8)
	settings.Timeout = 7 * time.Second
	svc, err := factory.CreateEmbeddingService(settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := svc.(*OpenAIEmbedding).client.Timeout; got != 7*time.Second {
		t.Errorf("expected provider timeout on shared client, got %v", got)
	}

	if _, err := svc.EmbedQuery(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transport.n.Load() != 1 {
		t.Errorf("expected 1 request through the shared client, got %d", transport.n.Load())
	}
}

func TestFactory_CreateEmbeddingService_Hashing(t *testing.T) {
	factory := NewFactory()

	svc, err := factory.CreateEmbeddingService(domain.DefaultEmbeddingSettings())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := svc.(*HashingEmbedding); !ok {
		t.Errorf("expected *HashingEmbedding, got %T", svc)
	}
	if svc.Dimensions() != 256 {
		t.Errorf("expected 256 dimensions, got %d", svc.Dimensions())
	}
}

func TestFactory_CreateEmbeddingService_OpenAI(t *testing.T) {
	factory := NewFactory()

	settings := domain.EmbeddingSettings{
		Provider: domain.EmbeddingProviderOpenAI,
		Model:    "text-embedding-3-small",
		APIKey:   "sk-test",
	}

	svc, err := factory.CreateEmbeddingService(settings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := svc.(*OpenAIEmbedding); !ok {
		t.Errorf("expected *OpenAIEmbedding, got %T", svc)
	}
}

func TestFactory_CreateEmbeddingService_Invalid(t *testing.T) {
	factory := NewFactory()

	tests := []struct {
		name     string
		settings domain.EmbeddingSettings
	}{
		{"unknown provider", domain.EmbeddingSettings{Provider: "cohere", Dimensions: 8}},
		{"openai without key", domain.EmbeddingSettings{Provider: domain.EmbeddingProviderOpenAI}},
		{"hashing without dimensions", domain.EmbeddingSettings{Provider: domain.EmbeddingProviderHashing}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := factory.CreateEmbeddingService(tt.settings)
			if !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if svc != nil {
				t.Error("expected nil service")
			}
		})
	}
}
