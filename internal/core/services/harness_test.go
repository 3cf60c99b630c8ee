package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ragdoc/internal/adapters/driven/memory"
	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driving"
	"github.com/custodia-labs/ragdoc/internal/normalisers"
	"github.com/custodia-labs/ragdoc/internal/postprocessors"
	"github.com/custodia-labs/ragdoc/internal/runtime"
)

// testHarness wires the services over working in-memory adapters
type testHarness struct {
	store     *mocks.MockDocumentStore
	index     *mocks.MockVectorIndex
	embedder  *mocks.MockEmbeddingService
	services  *runtime.Services
	queue     *memory.TaskQueue
	locks     *KeyedLock
	ingestion *IngestionService
	retriever *Retriever
	documents driving.DocumentService
}

type harnessOption func(*IngestionServiceConfig)

func withBatchSize(n int) harnessOption {
	return func(cfg *IngestionServiceConfig) { cfg.BatchSize = n }
}

func withNormalisers(r driven.NormaliserRegistry) harnessOption {
	return func(cfg *IngestionServiceConfig) { cfg.Normalisers = r }
}

func withPipeline(p driven.PostProcessorPipeline) harnessOption {
	return func(cfg *IngestionServiceConfig) { cfg.Pipeline = p }
}

func newTestHarness(t *testing.T, opts ...harnessOption) *testHarness {
	t.Helper()

	embedder := mocks.NewMockEmbeddingService()
	services := runtime.NewServices(domain.DefaultIndexConfig(embedder.Model(), embedder.Dimensions()))
	require.NoError(t, services.SetEmbeddingService(embedder))

	pipeline, err := postprocessors.NewChunkPipeline(domain.ChunkConfig{
		MaxChunkSize:       60,
		Overlap:            10,
		PreserveBoundaries: true,
	})
	require.NoError(t, err)

	h := &testHarness{
		store:    mocks.NewMockDocumentStore(),
		index:    mocks.NewMockVectorIndex(services.IndexConfig()),
		embedder: embedder,
		services: services,
		queue:    memory.NewTaskQueue(),
		locks:    NewKeyedLock(),
	}

	cfg := IngestionServiceConfig{
		Store:       h.store,
		Index:       h.index,
		Services:    services,
		Normalisers: normalisers.DefaultRegistry(),
		Pipeline:    pipeline,
		TaskQueue:   h.queue,
		Locks:       h.locks,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.ingestion = NewIngestionService(cfg)
	h.retriever = NewRetriever(RetrieverConfig{Store: h.store, Index: h.index, Services: services})
	h.documents = NewDocumentService(DocumentServiceConfig{
		Store:     h.store,
		Index:     h.index,
		TaskQueue: h.queue,
		Locks:     h.locks,
	})

	t.Cleanup(func() {
		_ = h.queue.Close()
		_ = h.index.Close()
	})
	return h
}

// ingest runs a successful ingestion of plain text
func (h *testHarness) ingest(t *testing.T, id, content string) *domain.IngestResult {
	t.Helper()
	res, err := h.ingestion.Ingest(context.Background(), domain.IngestRequest{DocumentID: id, Content: content})
	require.NoError(t, err)
	return res
}

// query returns the hits for text with no filter
func (h *testHarness) query(t *testing.T, text string, k int) []*domain.Hit {
	t.Helper()
	res, err := h.retriever.Query(context.Background(), domain.Query{Text: text, K: k})
	require.NoError(t, err)
	return res.Hits
}

func hitDocuments(hits []*domain.Hit) []string {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.DocumentID)
	}
	return ids
}

const (
	solarText = "Solar panels convert sunlight into electricity. Photovoltaic cells absorb photons and release electrons."
	oceanText = "Ocean tides rise and fall twice a day. The moon pulls on the water of the oceans."
	breadText = "Bread dough needs yeast flour water and salt. Knead the dough and let it rise before baking."
)
