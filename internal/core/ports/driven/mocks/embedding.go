package mocks

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

var _ driven.EmbeddingService = (*MockEmbeddingService)(nil)

// MockEmbeddingService embeds text as a normalised bag of hashed words, so
// texts sharing words score higher than unrelated ones.
type MockEmbeddingService struct {
	mu         sync.Mutex
	dimensions int
	model      string
	failNext   bool
	block      bool

	// EmbedFn replaces Embed when set
	EmbedFn func(ctx context.Context, texts []string) ([][]float32, error)

	calls atomic.Int32
	texts atomic.Int32
}

// NewMockEmbeddingService creates a mock with 16 dimensions
func NewMockEmbeddingService() *MockEmbeddingService {
	return &MockEmbeddingService{
		dimensions: 16,
		model:      "mock-embedding-v1",
	}
}

func (m *MockEmbeddingService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	m.texts.Add(int32(len(texts)))
	if m.EmbedFn != nil {
		return m.EmbedFn(ctx, texts)
	}
	if err := m.gate(ctx); err != nil {
		return nil, err
	}

	dims := m.Dimensions()
	result := make([][]float32, len(texts))
	for i, text := range texts {
		result[i] = embed(text, dims)
	}
	return result, nil
}

func (m *MockEmbeddingService) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if err := m.gate(ctx); err != nil {
		return nil, err
	}
	return embed(query, m.Dimensions()), nil
}

// gate applies injected failures and blocking
func (m *MockEmbeddingService) gate(ctx context.Context) error {
	m.mu.Lock()
	fail, block := m.failNext, m.block
	m.failNext = false
	m.mu.Unlock()

	if fail {
		return domain.ErrEmbedderUnavailable
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return ctx.Err()
}

func (m *MockEmbeddingService) Dimensions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dimensions
}

func (m *MockEmbeddingService) Model() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

func (m *MockEmbeddingService) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *MockEmbeddingService) Close() error {
	return nil
}

func embed(text string, dims int) []float32 {
	v := make([]float32, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?\"'()")
		if word == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		v[h.Sum32()%uint32(dims)]++
	}

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		n := float32(math.Sqrt(sum))
		for i := range v {
			v[i] /= n
		}
	}
	return v
}

// SetFailNext makes the next embed call fail with ErrEmbedderUnavailable
func (m *MockEmbeddingService) SetFailNext(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = fail
}

// SetBlocking makes embed calls wait for their context to end
func (m *MockEmbeddingService) SetBlocking(block bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = block
}

func (m *MockEmbeddingService) SetDimensions(dim int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dimensions = dim
}

func (m *MockEmbeddingService) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
}

// Calls returns the number of Embed calls
func (m *MockEmbeddingService) Calls() int {
	return int(m.calls.Load())
}

// EmbeddedTexts returns the number of texts passed to Embed
func (m *MockEmbeddingService) EmbeddedTexts() int {
	return int(m.texts.Load())
}
