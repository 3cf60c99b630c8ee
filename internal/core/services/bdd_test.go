package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cucumber/godog"

	"github.com/custodia-labs/ragdoc/internal/adapters/driven/memory"
	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/ragdoc/internal/normalisers"
	"github.com/custodia-labs/ragdoc/internal/postprocessors"
	"github.com/custodia-labs/ragdoc/internal/runtime"
)

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "ragdoc",
		ScenarioInitializer: initializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Strict:   true,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("feature scenarios failed")
	}
}

// bddWorld is the state shared by the steps of one scenario
type bddWorld struct {
	embedder  *mocks.MockEmbeddingService
	services  *runtime.Services
	store     *memory.DocumentStore
	index     *memory.VectorIndex
	chunkCfg  domain.ChunkConfig
	ingestion *IngestionService
	retriever *Retriever
	documents *documentService

	lastResult *domain.IngestResult
	lastErr    error
	hits       []*domain.Hit
}

func (w *bddWorld) build() error {
	w.embedder = mocks.NewMockEmbeddingService()
	w.services = runtime.NewServices(domain.DefaultIndexConfig(w.embedder.Model(), w.embedder.Dimensions()))
	if err := w.services.SetEmbeddingService(w.embedder); err != nil {
		return err
	}

	index, err := memory.NewVectorIndex(w.services.IndexConfig())
	if err != nil {
		return err
	}
	pipeline, err := postprocessors.NewChunkPipeline(w.chunkCfg)
	if err != nil {
		return err
	}

	w.store = memory.NewDocumentStore()
	w.index = index
	locks := NewKeyedLock()
	w.ingestion = NewIngestionService(IngestionServiceConfig{
		Store:       w.store,
		Index:       w.index,
		Services:    w.services,
		Normalisers: normalisers.DefaultRegistry(),
		Pipeline:    pipeline,
		Locks:       locks,
	})
	w.retriever = NewRetriever(RetrieverConfig{Store: w.store, Index: w.index, Services: w.services})
	w.documents = NewDocumentService(DocumentServiceConfig{Store: w.store, Index: w.index, Locks: locks}).(*documentService)
	return nil
}

func (w *bddWorld) chunkSize(size, overlap int) error {
	w.chunkCfg = domain.ChunkConfig{MaxChunkSize: size, Overlap: overlap, PreserveBoundaries: true}
	return w.build()
}

func (w *bddWorld) ingestDocument(id, content string) error {
	w.lastResult, w.lastErr = w.ingestion.Ingest(context.Background(), domain.IngestRequest{DocumentID: id, Content: content})
	return nil
}

func (w *bddWorld) embedderFails() error {
	w.embedder.SetFailNext(true)
	return nil
}

func (w *bddWorld) ingestionFailed() error {
	if !errors.Is(w.lastErr, domain.ErrIngestionFailed) {
		return fmt.Errorf("expected ingestion to fail, got %v", w.lastErr)
	}
	if w.lastResult == nil || w.lastResult.Status != domain.DocumentStatusFailed {
		return fmt.Errorf("expected failed result, got %+v", w.lastResult)
	}
	return nil
}

func (w *bddWorld) ingestionUnchanged() error {
	if w.lastErr != nil {
		return w.lastErr
	}
	if !w.lastResult.Unchanged {
		return fmt.Errorf("expected unchanged ingestion, got %+v", w.lastResult)
	}
	return nil
}

func (w *bddWorld) documentAtVersion(id string, version int64) error {
	doc, err := w.documents.Get(context.Background(), id, 0)
	if err != nil {
		return err
	}
	if doc.Version != version {
		return fmt.Errorf("document %s is at version %d, expected %d", id, doc.Version, version)
	}
	if doc.Status != domain.DocumentStatusIndexed {
		return fmt.Errorf("document %s is %s", id, doc.Status)
	}
	return nil
}

func (w *bddWorld) atLeastChunks(id string, n int) error {
	chunks, err := w.documents.ListChunks(context.Background(), id, 0)
	if err != nil {
		return err
	}
	if len(chunks) < n {
		return fmt.Errorf("document %s has %d chunks, expected at least %d", id, len(chunks), n)
	}
	return nil
}

func (w *bddWorld) chunksCoverContent(id string) error {
	ctx := context.Background()
	doc, err := w.documents.Get(ctx, id, 0)
	if err != nil {
		return err
	}
	chunks, err := w.documents.ListChunks(ctx, id, 0)
	if err != nil {
		return err
	}

	covered := 0
	for _, c := range chunks {
		if c.StartOffset > covered {
			return fmt.Errorf("gap before chunk %d at offset %d", c.Sequence, covered)
		}
		if doc.Content[c.StartOffset:c.EndOffset] != c.Content {
			return fmt.Errorf("chunk %d does not match its span", c.Sequence)
		}
		covered = max(covered, c.EndOffset)
	}
	if covered != len(doc.Content) {
		return fmt.Errorf("chunks cover %d of %d bytes", covered, len(doc.Content))
	}
	return nil
}

func (w *bddWorld) query(text string, k int) error {
	res, err := w.retriever.Query(context.Background(), domain.Query{Text: text, K: k})
	if err != nil {
		return err
	}
	w.hits = res.Hits
	return nil
}

func (w *bddWorld) topResult(id string, version int64) error {
	if len(w.hits) == 0 {
		return errors.New("no results")
	}
	top := w.hits[0]
	if top.DocumentID != id || top.Version != version {
		return fmt.Errorf("top result is %s version %d", top.DocumentID, top.Version)
	}
	return nil
}

func (w *bddWorld) resultsBoundedAndSorted(k int) error {
	if len(w.hits) > k {
		return fmt.Errorf("%d results for k %d", len(w.hits), k)
	}
	for i := 1; i < len(w.hits); i++ {
		if w.hits[i].Score > w.hits[i-1].Score {
			return fmt.Errorf("result %d scores above result %d", i, i-1)
		}
	}
	for _, h := range w.hits {
		doc, err := w.store.Get(context.Background(), h.DocumentID, h.Version)
		if err != nil {
			return err
		}
		if doc.Status != domain.DocumentStatusIndexed {
			return fmt.Errorf("result from %s version %d which is %s", h.DocumentID, h.Version, doc.Status)
		}
	}
	return nil
}

func (w *bddWorld) everyResultVersion(id string, version int64) error {
	found := false
	for _, h := range w.hits {
		if h.DocumentID != id {
			continue
		}
		found = true
		if h.Version != version {
			return fmt.Errorf("result from %s version %d", id, h.Version)
		}
	}
	if !found {
		return fmt.Errorf("no result for %s", id)
	}
	return nil
}

func (w *bddWorld) deleteDocument(id string) error {
	_, err := w.documents.Delete(context.Background(), id)
	return err
}

func (w *bddWorld) noResultFor(id string) error {
	for _, h := range w.hits {
		if h.DocumentID == id {
			return fmt.Errorf("result references deleted document %s", id)
		}
	}
	return nil
}

func (w *bddWorld) documentStatus(id, status string) error {
	doc, err := w.documents.Get(context.Background(), id, 0)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(doc.Status) != status {
		return fmt.Errorf("document %s is %s, expected %s", id, doc.Status, status)
	}
	return nil
}

func initializeScenario(sc *godog.ScenarioContext) {
	w := &bddWorld{}

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		*w = bddWorld{chunkCfg: domain.DefaultChunkConfig()}
		return ctx, w.build()
	})

	sc.Step(`^a chunk size of (\d+) with overlap (\d+)$`, w.chunkSize)
	sc.Step(`^I ingest document "([^"]*)" with content "([^"]*)"$`, w.ingestDocument)
	sc.Step(`^the embedder fails$`, w.embedderFails)
	sc.Step(`^the ingestion failed$`, w.ingestionFailed)
	sc.Step(`^the ingestion reports unchanged$`, w.ingestionUnchanged)
	sc.Step(`^document "([^"]*)" is at version (\d+)$`, w.documentAtVersion)
	sc.Step(`^document "([^"]*)" has at least (\d+) chunks$`, w.atLeastChunks)
	sc.Step(`^the chunks of "([^"]*)" cover its content$`, w.chunksCoverContent)
	sc.Step(`^I query "([^"]*)" with k (\d+)$`, w.query)
	sc.Step(`^the top result is document "([^"]*)" version (\d+)$`, w.topResult)
	sc.Step(`^at most (\d+) results are returned in descending score order$`, w.resultsBoundedAndSorted)
	sc.Step(`^every result for document "([^"]*)" is version (\d+)$`, w.everyResultVersion)
	sc.Step(`^I delete document "([^"]*)"$`, w.deleteDocument)
	sc.Step(`^no result references document "([^"]*)"$`, w.noResultFor)
	sc.Step(`^getting document "([^"]*)" reports status "([^"]*)"$`, w.documentStatus)
}
