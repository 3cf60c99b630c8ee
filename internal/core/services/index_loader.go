package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

// LoadIndex rebuilds a vector index from the committed versions in the store.
// Chunks without an embedding, or embedded by a model other than the index's,
// are skipped. It returns the number of documents published.
func LoadIndex(ctx context.Context, store driven.DocumentStore, index driven.VectorIndex, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := index.Config()

	loaded, skipped := 0, 0
	err := store.ListIndexed(ctx, func(doc *domain.Document, chunks []domain.Chunk) error {
		entries := make([]domain.IndexEntry, 0, len(chunks))
		for _, c := range chunks {
			if c.Embedding == nil || c.Embedding.Dimension() != cfg.Dimension ||
				(c.Embedding.Model != "" && c.Embedding.Model != cfg.ModelVersion) {
				skipped++
				continue
			}
			entries = append(entries, domain.IndexEntry{
				ChunkID:    c.ID,
				DocumentID: doc.ID,
				Version:    doc.Version,
				Sequence:   c.Sequence,
				Vector:     domain.Vector{Values: c.Embedding.Values, Model: cfg.ModelVersion},
				Scope:      doc.Scope,
				Owner:      doc.Owner,
			})
		}

		if len(entries) > 0 {
			if err := index.Upsert(ctx, entries); err != nil {
				return fmt.Errorf("load document %s: %w", doc.ID, err)
			}
		}
		if _, err := index.Publish(ctx, doc.ID, doc.Version); err != nil {
			return fmt.Errorf("publish document %s: %w", doc.ID, err)
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, err
	}

	logger.Info("vector index loaded", "documents", loaded, "skipped_chunks", skipped)
	return loaded, nil
}
