package mocks

import (
	"sync"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

var (
	_ driven.Normaliser            = (*MockNormaliser)(nil)
	_ driven.NormaliserRegistry    = (*MockNormaliserRegistry)(nil)
	_ driven.PostProcessorPipeline = (*MockPostProcessorPipeline)(nil)
)

// MockNormaliser returns content unchanged unless NormaliseFn is set
type MockNormaliser struct {
	Types       []string
	Prio        int
	NormaliseFn func(content, mimeType string) string
}

func NewMockNormaliser(fn func(content, mimeType string) string) *MockNormaliser {
	return &MockNormaliser{Types: []string{"*/*"}, Prio: 50, NormaliseFn: fn}
}

func (m *MockNormaliser) Normalise(content, mimeType string) string {
	if m.NormaliseFn == nil {
		return content
	}
	return m.NormaliseFn(content, mimeType)
}

func (m *MockNormaliser) SupportedTypes() []string { return m.Types }
func (m *MockNormaliser) Priority() int            { return m.Prio }

// MockNormaliserRegistry hands out the last registered normaliser for every
// MIME type and records the types it was asked for.
type MockNormaliserRegistry struct {
	mu         sync.Mutex
	normaliser driven.Normaliser
	lookups    []string
}

func NewMockNormaliserRegistry() *MockNormaliserRegistry {
	return &MockNormaliserRegistry{}
}

func (m *MockNormaliserRegistry) Get(mimeType string) driven.Normaliser {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, mimeType)
	return m.normaliser
}

func (m *MockNormaliserRegistry) GetAll(mimeType string) []driven.Normaliser {
	if n := m.Get(mimeType); n != nil {
		return []driven.Normaliser{n}
	}
	return nil
}

func (m *MockNormaliserRegistry) Register(n driven.Normaliser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.normaliser = n
}

func (m *MockNormaliserRegistry) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.normaliser == nil {
		return nil
	}
	return m.normaliser.SupportedTypes()
}

// Lookups returns the MIME types passed to Get, in call order
func (m *MockNormaliserRegistry) Lookups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lookups...)
}

// MockPostProcessorPipeline returns ProcessFn's chunks, or one chunk spanning
// the content when ProcessFn is nil.
type MockPostProcessorPipeline struct {
	ProcessFn func(content string) []domain.Chunk
	added     []driven.PostProcessor
}

func NewMockPostProcessorPipeline(fn func(content string) []domain.Chunk) *MockPostProcessorPipeline {
	return &MockPostProcessorPipeline{ProcessFn: fn}
}

func (m *MockPostProcessorPipeline) Process(content string) []domain.Chunk {
	if m.ProcessFn != nil {
		return m.ProcessFn(content)
	}
	if content == "" {
		return nil
	}
	return []domain.Chunk{{Content: content, EndOffset: len(content)}}
}

func (m *MockPostProcessorPipeline) Add(processor driven.PostProcessor) {
	m.added = append(m.added, processor)
}

func (m *MockPostProcessorPipeline) List() []string {
	names := make([]string, 0, len(m.added))
	for _, p := range m.added {
		names = append(names, p.Name())
	}
	return names
}
