package mocks

import (
	"context"
	"time"

	"github.com/custodia-labs/ragdoc/internal/adapters/driven/memory"
	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

var (
	_ driven.DocumentStore  = (*MockDocumentStore)(nil)
	_ driven.IndexMetaStore = (*MockDocumentStore)(nil)
)

// MockDocumentStore is a working in-memory store with optional failure hooks.
// A hook that returns a non-nil error short-circuits the call.
type MockDocumentStore struct {
	*memory.DocumentStore

	PutErr        func(doc *domain.Document) error
	SaveChunksErr func(id string, version int64) error
	ListChunksErr func(id string, version int64) error
	MarkStatusErr func(id string, version int64, status domain.DocumentStatus) error
	DeleteErr     func(id string) error
}

// NewMockDocumentStore creates a new MockDocumentStore
func NewMockDocumentStore() *MockDocumentStore {
	return &MockDocumentStore{DocumentStore: memory.NewDocumentStore()}
}

func (m *MockDocumentStore) Put(ctx context.Context, doc *domain.Document, baseVersion int64) (int64, error) {
	if m.PutErr != nil {
		if err := m.PutErr(doc); err != nil {
			return 0, err
		}
	}
	return m.DocumentStore.Put(ctx, doc, baseVersion)
}

func (m *MockDocumentStore) SaveChunks(ctx context.Context, id string, version int64, chunks []domain.Chunk) error {
	if m.SaveChunksErr != nil {
		if err := m.SaveChunksErr(id, version); err != nil {
			return err
		}
	}
	return m.DocumentStore.SaveChunks(ctx, id, version, chunks)
}

func (m *MockDocumentStore) ListChunks(ctx context.Context, id string, version int64) ([]domain.Chunk, error) {
	if m.ListChunksErr != nil {
		if err := m.ListChunksErr(id, version); err != nil {
			return nil, err
		}
	}
	return m.DocumentStore.ListChunks(ctx, id, version)
}

func (m *MockDocumentStore) MarkStatus(ctx context.Context, id string, version int64, status domain.DocumentStatus) error {
	if m.MarkStatusErr != nil {
		if err := m.MarkStatusErr(id, version, status); err != nil {
			return err
		}
	}
	return m.DocumentStore.MarkStatus(ctx, id, version, status)
}

func (m *MockDocumentStore) Delete(ctx context.Context, id string) (int64, error) {
	if m.DeleteErr != nil {
		if err := m.DeleteErr(id); err != nil {
			return 0, err
		}
	}
	return m.DocumentStore.Delete(ctx, id)
}

// Status returns the stored status of one version, or "" if it does not exist
func (m *MockDocumentStore) Status(id string, version int64) domain.DocumentStatus {
	doc, err := m.DocumentStore.Get(context.Background(), id, version)
	if err != nil {
		return ""
	}
	return doc.Status
}

// Backdate stores a pending version whose ingestion started d ago
func (m *MockDocumentStore) Backdate(ctx context.Context, doc *domain.Document, d time.Duration) (int64, error) {
	doc.IngestedAt = time.Now().Add(-d)
	return m.DocumentStore.Put(ctx, doc, -1)
}
