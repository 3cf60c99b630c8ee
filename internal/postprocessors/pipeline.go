package postprocessors

import (
	"cmp"
	"slices"
	"sync"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

var _ driven.PostProcessorPipeline = (*Pipeline)(nil)

// Pipeline turns document content into chunks by running its processors in
// ascending Order. The first processor sees one chunk spanning the content.
type Pipeline struct {
	mu     sync.RWMutex
	stages []driven.PostProcessor
}

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// NewChunkPipeline returns a pipeline holding one Chunker built from cfg
func NewChunkPipeline(cfg domain.ChunkConfig) (*Pipeline, error) {
	chunker, err := NewChunker(cfg)
	if err != nil {
		return nil, err
	}
	p := NewPipeline()
	p.Add(chunker)
	return p, nil
}

// Add inserts a processor. Processors with equal Order keep insertion order.
func (p *Pipeline) Add(processor driven.PostProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stages = append(p.stages, processor)
	slices.SortStableFunc(p.stages, func(a, b driven.PostProcessor) int {
		return cmp.Compare(a.Order(), b.Order())
	})
}

// Process returns the chunks of content; empty content yields none.
func (p *Pipeline) Process(content string) []domain.Chunk {
	if content == "" {
		return nil
	}

	p.mu.RLock()
	stages := slices.Clone(p.stages)
	p.mu.RUnlock()

	chunks := []domain.Chunk{{Content: content, EndOffset: len(content)}}
	for _, stage := range stages {
		chunks = stage.Process(chunks)
	}
	return chunks
}

func (p *Pipeline) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.stages))
	for _, stage := range p.stages {
		names = append(names, stage.Name())
	}
	return names
}
