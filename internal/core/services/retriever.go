package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driving"
	"github.com/custodia-labs/ragdoc/internal/runtime"
)

// Ensure Retriever implements driving.RetrievalService
var _ driving.RetrievalService = (*Retriever)(nil)

// Retriever answers queries with ranked chunks and their provenance.
// Only committed versions are returned: index hits are re-checked against
// the document store before they reach the caller.

type Retriever struct {
	store    driven.DocumentStore
	index    driven.VectorIndex
	services *runtime.Services
	maxK     int
	logger   *slog.Logger
}

// RetrieverConfig holds dependencies for Retriever.
type RetrieverConfig struct {
	Store    driven.DocumentStore
	Index    driven.VectorIndex
	Services *runtime.Services
	MaxK     int // Largest k a query may ask for (default: 100)
	Logger   *slog.Logger
}

// NewRetriever creates a new retriever.
func NewRetriever(cfg RetrieverConfig) *Retriever {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxK := cfg.MaxK
	if maxK <= 0 {
		maxK = 100
	}
	return &Retriever{
		store:    cfg.Store,
		index:    cfg.Index,
		services: cfg.Services,
		maxK:     maxK,
		logger:   logger,
	}
}

// Query embeds the query text and returns at most K hits, best first.
// K above MaxK fails with ErrInvalidInput; K <= 0 returns no hits.
func (r *Retriever) Query(ctx context.Context, q domain.Query) (*domain.RetrievalResult, error) {
	start := time.Now()
	result := &domain.RetrievalResult{Query: q.Text, Hits: []*domain.Hit{}}

	if q.K <= 0 {
		result.Took = time.Since(start)
		return result, nil
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("%w: query text is required", domain.ErrInvalidInput)
	}
	if q.Filter != nil && q.Filter.Scope != "" && !q.Filter.Scope.IsValid() {
		return nil, fmt.Errorf("%w: unknown scope %q", domain.ErrInvalidInput, q.Filter.Scope)
	}

	if q.K > r.maxK {
		return nil, fmt.Errorf("%w: k %d exceeds the maximum of %d", domain.ErrInvalidInput, q.K, r.maxK)
	}

	embedder, err := r.services.Embedder()
	if err != nil {
		return nil, err
	}

	k := q.K
	values, err := embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch so hits dropped during enrichment do not starve the result
	scored, err := r.index.Search(ctx, domain.Vector{Values: values, Model: embedder.Model()}, k*2, q.Filter)
	if err != nil {
		if errors.Is(err, domain.ErrEmbeddingVersionMismatch) || errors.Is(err, domain.ErrIndexUnavailable) ||
			errors.Is(err, domain.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrIndexUnavailable, err)
	}

	minScore := r.index.Config().MinScore
	if q.MinScore != nil {
		minScore = *q.MinScore
	}

	hits := r.enrich(ctx, scored, minScore)
	slices.SortFunc(hits, func(a, b *domain.Hit) int {
		sa := domain.ScoredChunk{ChunkID: a.Chunk.ID, DocumentID: a.DocumentID, Sequence: a.Chunk.Sequence, Score: a.Score}
		sb := domain.ScoredChunk{ChunkID: b.Chunk.ID, DocumentID: b.DocumentID, Sequence: b.Chunk.Sequence, Score: b.Score}
		switch {
		case sa.Less(sb):
			return -1
		case sb.Less(sa):
			return 1
		}
		return 0
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	result.Hits = hits
	result.TotalCount = len(hits)
	result.Took = time.Since(start)

	r.logger.Debug("query served", "k", k, "candidates", len(scored), "hits", len(hits), "took", result.Took)
	return result, nil
}

type versionRef struct {
	id      string
	version int64
}

// servable reports whether hits of a version with status st may be returned.
// The index only returns its published version. A superseded version is still
// published while the switch to its successor is in flight, and its chunks are
// kept until that switch completes.
func servable(st domain.DocumentStatus) bool {
	return st == domain.DocumentStatusIndexed || st == domain.DocumentStatusSuperseded
}

// enrich attaches chunk text and document provenance to index hits. Hits of
// pending, failed or deleted versions, or whose chunk is gone, are dropped.
func (r *Retriever) enrich(ctx context.Context, scored []domain.ScoredChunk, minScore float64) []*domain.Hit {
	docs := make(map[versionRef]*domain.Document)
	chunks := make(map[versionRef]map[string]*domain.Chunk)

	hits := make([]*domain.Hit, 0, len(scored))
	for _, sc := range scored {
		if sc.Score < minScore {
			continue
		}
		ref := versionRef{sc.DocumentID, sc.Version}

		doc, seen := docs[ref]
		if !seen {
			d, err := r.store.Get(ctx, sc.DocumentID, sc.Version)
			if err != nil {
				if !errors.Is(err, domain.ErrNotFound) {
					r.logger.Warn("failed to load document for hit", "document_id", sc.DocumentID, "version", sc.Version, "error", err)
				}
				d = nil
			} else if !servable(d.Status) {
				d = nil
			}
			docs[ref] = d
			doc = d

			if d != nil {
				list, err := r.store.ListChunks(ctx, sc.DocumentID, sc.Version)
				if err != nil {
					r.logger.Warn("failed to load chunks for hit", "document_id", sc.DocumentID, "version", sc.Version, "error", err)
				}
				byID := make(map[string]*domain.Chunk, len(list))
				for i := range list {
					list[i].Embedding = nil
					byID[list[i].ID] = &list[i]
				}
				chunks[ref] = byID
			}
		}
		if doc == nil {
			continue
		}

		chunk, ok := chunks[ref][sc.ChunkID]
		if !ok {
			continue
		}
		hits = append(hits, &domain.Hit{
			Chunk:      chunk,
			DocumentID: sc.DocumentID,
			Version:    sc.Version,
			Title:      doc.Title,
			Score:      sc.Score,
		})
	}
	return hits
}
