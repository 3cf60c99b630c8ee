package driven

import "context"

// EmbeddingService maps text to fixed-length vectors. Every vector it returns
// has Dimensions() values, and the index refuses vectors from any other Model().
type EmbeddingService interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds retrieval query text. Providers with asymmetric
	// models may treat queries differently from document chunks.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)

	Dimensions() int
	Model() string

	HealthCheck(ctx context.Context) error
	Close() error
}
