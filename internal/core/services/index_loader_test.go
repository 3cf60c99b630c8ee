package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven/mocks"
)

func TestLoadIndex_RebuildsFromStore(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.ingest(t, "solar", solarText)
	h.ingest(t, "ocean", oceanText)
	h.ingest(t, "bread", breadText)
	h.ingest(t, "ocean", oceanText+" Spring tides are the strongest.")
	_, err := h.documents.Delete(ctx, "bread")
	require.NoError(t, err)

	// Failed attempt: never loaded
	h.embedder.SetFailNext(true)
	_, err = h.ingestion.Ingest(ctx, domain.IngestRequest{DocumentID: "solar", Content: breadText})
	require.Error(t, err)

	before := h.index.Stats()

	fresh := mocks.NewMockVectorIndex(h.services.IndexConfig())
	n, err := LoadIndex(ctx, h.store, fresh, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, before.Visible, fresh.Stats().Visible)
	assert.Zero(t, fresh.Stats().Staged)

	retriever := NewRetriever(RetrieverConfig{Store: h.store, Index: fresh, Services: h.services})
	res, err := retriever.Query(ctx, domain.Query{Text: "spring tides moon", K: 3})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "ocean", res.Hits[0].DocumentID)
	assert.Equal(t, int64(2), res.Hits[0].Version)
	assert.NotContains(t, hitDocuments(res.Hits), "bread")
}

func TestLoadIndex_SkipsForeignVectors(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.ingest(t, "solar", solarText)

	other := mocks.NewMockVectorIndex(domain.DefaultIndexConfig("mock-embedding-v1", 8))
	n, err := LoadIndex(ctx, h.store, other, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the document is published even when no chunk fits")
	assert.Zero(t, other.Stats().Visible)
}

func TestLoadIndex_ClosedIndex(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.ingest(t, "solar", solarText)

	closed := mocks.NewMockVectorIndex(h.services.IndexConfig())
	require.NoError(t, closed.Close())

	_, err := LoadIndex(ctx, h.store, closed, nil)
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)
}
