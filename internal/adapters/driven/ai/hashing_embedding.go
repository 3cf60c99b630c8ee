package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

// Ensure HashingEmbedding implements EmbeddingService
var _ driven.EmbeddingService = (*HashingEmbedding)(nil)

// HashingEmbedding is a local, deterministic embedder. Tokens are hashed into
// a fixed number of signed buckets, weighted by sublinear term frequency and
// L2-normalised. It needs no corpus and no network.
type HashingEmbedding struct {
	dimensions   int
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

// NewHashingEmbedding creates a hashing embedder producing vectors of the given size
func NewHashingEmbedding(dimensions int) (*HashingEmbedding, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("hashing embedder needs positive dimensions, got %d", dimensions)
	}
	return &HashingEmbedding{
		dimensions:   dimensions,
		tokenPattern: regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`),
		stopwords:    defaultStopwords(),
	}, nil
}

// Embed generates embeddings for multiple texts
func (e *HashingEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(text)
	}
	return out, nil
}

// EmbedQuery generates an embedding for a search query
func (e *HashingEmbedding) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.embed(query), nil
}

// Dimensions returns the embedding dimension size
func (e *HashingEmbedding) Dimensions() int {
	return e.dimensions
}

// Model returns the model version tag
func (e *HashingEmbedding) Model() string {
	return fmt.Sprintf("hashing-v1-%d", e.dimensions)
}

// HealthCheck always succeeds
func (e *HashingEmbedding) HealthCheck(context.Context) error {
	return nil
}

// Close is a no-op
func (e *HashingEmbedding) Close() error {
	return nil
}

func (e *HashingEmbedding) embed(text string) []float32 {
	tf := make(map[string]int)
	for _, tok := range e.tokenize(text) {
		tf[tok]++
	}

	acc := make([]float64, e.dimensions)
	for tok, count := range tf {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()

		bucket := int(sum % uint64(e.dimensions))
		weight := 1 + math.Log(float64(count))
		if sum>>63 == 1 {
			weight = -weight
		}
		acc[bucket] += weight
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	vec := make([]float32, e.dimensions)
	if norm == 0 {
		return vec
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec
}

func (e *HashingEmbedding) tokenize(text string) []string {
	raw := e.tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := e.stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at",
		"by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that",
		"these", "those", "from", "so", "such", "into", "about", "than", "too", "very", "can", "will",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
