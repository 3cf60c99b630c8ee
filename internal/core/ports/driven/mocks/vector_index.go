package mocks

import (
	"context"

	"github.com/custodia-labs/ragdoc/internal/adapters/driven/memory"
	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

var _ driven.VectorIndex = (*MockVectorIndex)(nil)

// MockVectorIndex is a working in-memory index with optional failure hooks.
type MockVectorIndex struct {
	*memory.VectorIndex

	UpsertErr  func(entries []domain.IndexEntry) error
	PublishErr func(documentID string, version int64) error
	SearchErr  func() error
}

// NewMockVectorIndex creates an index for the given config. It panics on an
// invalid config.
func NewMockVectorIndex(cfg domain.IndexConfig) *MockVectorIndex {
	ix, err := memory.NewVectorIndex(cfg)
	if err != nil {
		panic(err)
	}
	return &MockVectorIndex{VectorIndex: ix}
}

func (m *MockVectorIndex) Upsert(ctx context.Context, entries []domain.IndexEntry) error {
	if m.UpsertErr != nil {
		if err := m.UpsertErr(entries); err != nil {
			return err
		}
	}
	return m.VectorIndex.Upsert(ctx, entries)
}

func (m *MockVectorIndex) Publish(ctx context.Context, documentID string, version int64) (int64, error) {
	if m.PublishErr != nil {
		if err := m.PublishErr(documentID, version); err != nil {
			return 0, err
		}
	}
	return m.VectorIndex.Publish(ctx, documentID, version)
}

func (m *MockVectorIndex) Search(ctx context.Context, query domain.Vector, k int, filter *domain.Filter) ([]domain.ScoredChunk, error) {
	if m.SearchErr != nil {
		if err := m.SearchErr(); err != nil {
			return nil, err
		}
	}
	return m.VectorIndex.Search(ctx, query, k, filter)
}
