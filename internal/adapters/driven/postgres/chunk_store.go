package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// SaveChunks replaces the chunks of a pending version. Embeddings go to a
// pgvector column tagged with the model that produced them.
func (s *DocumentStore) SaveChunks(ctx context.Context, id string, version int64, chunks []domain.Chunk) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var status domain.DocumentStatus
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM documents WHERE id = $1 AND version = $2 FOR UPDATE`, id, version,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: document %s version %d", domain.ErrNotFound, id, version)
		}
		if err != nil {
			return fmt.Errorf("lock document version: %w", err)
		}
		if status != domain.DocumentStatusPending {
			return fmt.Errorf("%w: document %s version %d is %s", domain.ErrConflict, id, version, status)
		}

		if err := deleteChunks(ctx, tx, id, version); err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (id, document_id, version, sequence, start_offset, end_offset,
				content, embedding, embedding_model, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
		if err != nil {
			return fmt.Errorf("prepare chunk insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now()
		for _, c := range chunks {
			var embedding *pgvector.Vector
			var model string
			if c.Embedding != nil {
				v := pgvector.NewVector(c.Embedding.Values)
				embedding = &v
				model = c.Embedding.Model
			}
			createdAt := c.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}

			_, err := stmt.ExecContext(ctx,
				c.ID, id, version, c.Sequence, c.StartOffset, c.EndOffset,
				c.Content, embedding, model, createdAt,
			)
			if err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// ListChunks returns the chunks of a version ordered by sequence.
// Version 0 is the current version.
func (s *DocumentStore) ListChunks(ctx context.Context, id string, version int64) ([]domain.Chunk, error) {
	if version == 0 {
		head, err := s.Head(ctx, id)
		if err != nil {
			return nil, err
		}
		if head.CurrentVersion == 0 {
			return nil, fmt.Errorf("%w: document %s has no current version", domain.ErrNotFound, id)
		}
		version = head.CurrentVersion
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1 AND version = $2)`, id, version,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("query document version: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: document %s version %d", domain.ErrNotFound, id, version)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version, sequence, start_offset, end_offset,
			content, embedding, embedding_model, created_at
		FROM chunks
		WHERE document_id = $1 AND version = $2
		ORDER BY sequence`, id, version)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	chunks := []domain.Chunk{}
	for rows.Next() {
		var c domain.Chunk
		var embedding *pgvector.Vector
		var model string
		err := rows.Scan(
			&c.ID, &c.DocumentID, &c.Version, &c.Sequence, &c.StartOffset, &c.EndOffset,
			&c.Content, &embedding, &model, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if embedding != nil {
			c.Embedding = &domain.Vector{Values: embedding.Slice(), Model: model}
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

// PruneChunks drops the chunks of a superseded version
func (s *DocumentStore) PruneChunks(ctx context.Context, id string, version int64) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var status domain.DocumentStatus
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM documents WHERE id = $1 AND version = $2 FOR UPDATE`, id, version,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: document %s version %d", domain.ErrNotFound, id, version)
		}
		if err != nil {
			return fmt.Errorf("lock document version: %w", err)
		}
		if status != domain.DocumentStatusSuperseded {
			return fmt.Errorf("%w: document %s version %d is %s", domain.ErrConflict, id, version, status)
		}
		return deleteChunks(ctx, tx, id, version)
	})
}

func deleteChunks(ctx context.Context, tx *sql.Tx, id string, version int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("delete chunks of version %d: %w", version, err)
	}
	return nil
}
