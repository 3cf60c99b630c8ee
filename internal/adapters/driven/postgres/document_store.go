package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.DocumentStore  = (*DocumentStore)(nil)
	_ driven.IndexMetaStore = (*DocumentStore)(nil)
)

const documentColumns = `d.id, d.version, d.title, d.mime_type, d.content, d.content_hash, d.status,
	d.scope, d.account_id, d.user_id, d.session_id, d.metadata, d.ingested_at, d.updated_at`

// DocumentStore implements driven.DocumentStore on PostgreSQL.
//
// Writes for one document id serialise on its document_heads row
// (SELECT ... FOR UPDATE); the commit of a version, the supersede of its
// predecessor and the chunk cleanup happen in one transaction.
type DocumentStore struct {
	db *DB
}

// NewDocumentStore creates a new DocumentStore
func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var metadata []byte

	err := row.Scan(
		&doc.ID, &doc.Version, &doc.Title, &doc.MimeType, &doc.Content, &doc.ContentHash, &doc.Status,
		&doc.Scope, &doc.Owner.AccountID, &doc.Owner.UserID, &doc.Owner.SessionID,
		&metadata, &doc.IngestedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

// lockHead loads and row-locks the head of a document inside tx
func lockHead(ctx context.Context, tx *sql.Tx, id string) (*domain.DocumentHead, error) {
	var h domain.DocumentHead
	err := tx.QueryRowContext(ctx, `
		SELECT id, current_version, latest_version, status, content_hash, updated_at
		FROM document_heads WHERE id = $1 FOR UPDATE`, id,
	).Scan(&h.ID, &h.CurrentVersion, &h.LatestVersion, &h.Status, &h.ContentHash, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock document head: %w", err)
	}
	return &h, nil
}

// Put allocates the next version of doc.ID and stores it as pending
func (s *DocumentStore) Put(ctx context.Context, doc *domain.Document, baseVersion int64) (int64, error) {
	if doc == nil || doc.ID == "" {
		return 0, fmt.Errorf("%w: document id is required", domain.ErrInvalidInput)
	}
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	var version int64
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()

		var latest int64
		head, err := lockHead(ctx, tx, doc.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO document_heads (id, status, updated_at) VALUES ($1, $2, $3)`,
				doc.ID, domain.DocumentStatusPending, now)
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: document %s was created concurrently", domain.ErrConflict, doc.ID)
			}
			if err != nil {
				return fmt.Errorf("insert document head: %w", err)
			}
		case err != nil:
			return err
		default:
			latest = head.LatestVersion
		}

		if baseVersion >= 0 && baseVersion != latest {
			return fmt.Errorf("%w: document %s is at version %d, caller saw %d",
				domain.ErrConflict, doc.ID, latest, baseVersion)
		}
		version = latest + 1

		ingestedAt := doc.IngestedAt
		if ingestedAt.IsZero() {
			ingestedAt = now
		}
		scope := doc.Scope
		if scope == "" {
			scope = domain.ScopeGlobal
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (id, version, title, mime_type, content, content_hash, status,
				scope, account_id, user_id, session_id, metadata, ingested_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			doc.ID, version, doc.Title, doc.MimeType, doc.Content, doc.ContentHash, domain.DocumentStatusPending,
			scope, doc.Owner.AccountID, doc.Owner.UserID, doc.Owner.SessionID, metadata, ingestedAt, now,
		)
		if err != nil {
			return fmt.Errorf("insert document version: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE document_heads SET latest_version = $1, updated_at = $2 WHERE id = $3`,
			version, now, doc.ID)
		if err != nil {
			return fmt.Errorf("update document head: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Get retrieves a document version. Version 0 is the current version.
func (s *DocumentStore) Get(ctx context.Context, id string, version int64) (*domain.Document, error) {
	var row *sql.Row
	if version == 0 {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+documentColumns+`
			FROM documents d
			JOIN document_heads h ON h.id = d.id AND h.current_version = d.version
			WHERE d.id = $1`, id)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+documentColumns+` FROM documents d WHERE d.id = $1 AND d.version = $2`, id, version)
	}

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s version %d", domain.ErrNotFound, id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("query document: %w", err)
	}
	return doc, nil
}

// Head returns the version bookkeeping of a document
func (s *DocumentStore) Head(ctx context.Context, id string) (*domain.DocumentHead, error) {
	var h domain.DocumentHead
	err := s.db.QueryRowContext(ctx, `
		SELECT id, current_version, latest_version, status, content_hash, updated_at
		FROM document_heads WHERE id = $1`, id,
	).Scan(&h.ID, &h.CurrentVersion, &h.LatestVersion, &h.Status, &h.ContentHash, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query document head: %w", err)
	}
	return &h, nil
}

// MarkStatus moves a version to indexed (the commit point) or failed
func (s *DocumentStore) MarkStatus(ctx context.Context, id string, version int64, status domain.DocumentStatus) error {
	if status != domain.DocumentStatusIndexed && status != domain.DocumentStatusFailed {
		return fmt.Errorf("%w: cannot mark a version %q", domain.ErrInvalidInput, status)
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		head, err := lockHead(ctx, tx, id)
		if err != nil {
			return err
		}

		var current domain.DocumentStatus
		var hash string
		err = tx.QueryRowContext(ctx, `
			SELECT status, content_hash FROM documents WHERE id = $1 AND version = $2`, id, version,
		).Scan(&current, &hash)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: document %s version %d", domain.ErrNotFound, id, version)
		}
		if err != nil {
			return fmt.Errorf("query document version: %w", err)
		}

		now := time.Now()
		if status == domain.DocumentStatusFailed {
			if current != domain.DocumentStatusPending && current != domain.DocumentStatusFailed {
				return fmt.Errorf("%w: document %s version %d is %s", domain.ErrConflict, id, version, current)
			}
			if err := setVersionStatus(ctx, tx, id, version, domain.DocumentStatusFailed, now); err != nil {
				return err
			}
			return deleteChunks(ctx, tx, id, version)
		}

		if current != domain.DocumentStatusPending {
			return fmt.Errorf("%w: document %s version %d is %s", domain.ErrConflict, id, version, current)
		}
		if head.CurrentVersion > version {
			return fmt.Errorf("%w: document %s already at version %d", domain.ErrConflict, id, head.CurrentVersion)
		}

		if prev := head.CurrentVersion; prev > 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE documents SET status = $1, updated_at = $2
				WHERE id = $3 AND version = $4 AND status = $5`,
				domain.DocumentStatusSuperseded, now, id, prev, domain.DocumentStatusIndexed)
			if err != nil {
				return fmt.Errorf("supersede version %d: %w", prev, err)
			}
		}

		if err := setVersionStatus(ctx, tx, id, version, domain.DocumentStatusIndexed, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE document_heads SET current_version = $1, status = $2, content_hash = $3, updated_at = $4
			WHERE id = $5`,
			version, domain.DocumentStatusIndexed, hash, now, id)
		if err != nil {
			return fmt.Errorf("update document head: %w", err)
		}
		return nil
	})
}

func setVersionStatus(ctx context.Context, tx *sql.Tx, id string, version int64, status domain.DocumentStatus, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE documents SET status = $1, updated_at = $2 WHERE id = $3 AND version = $4`,
		status, now, id, version)
	if err != nil {
		return fmt.Errorf("set status of version %d: %w", version, err)
	}
	return nil
}

// Delete tombstones a document and drops every chunk it has
func (s *DocumentStore) Delete(ctx context.Context, id string) (int64, error) {
	var tombstone int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		head, err := lockHead(ctx, tx, id)
		if err != nil {
			return err
		}
		if head.IsDeleted() {
			tombstone = head.CurrentVersion
			return nil
		}

		tombstone = head.CurrentVersion
		if tombstone == 0 {
			tombstone = head.LatestVersion
		}
		now := time.Now()

		// in-flight ingestions must not commit over the tombstone
		_, err = tx.ExecContext(ctx, `
			UPDATE documents SET status = $1, updated_at = $2
			WHERE id = $3 AND status = $4 AND version <> $5`,
			domain.DocumentStatusFailed, now, id, domain.DocumentStatusPending, tombstone)
		if err != nil {
			return fmt.Errorf("fail pending versions: %w", err)
		}
		if err := setVersionStatus(ctx, tx, id, tombstone, domain.DocumentStatusDeleted, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, id); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE document_heads SET current_version = $1, status = $2, content_hash = '', updated_at = $3
			WHERE id = $4`,
			tombstone, domain.DocumentStatusDeleted, now, id)
		if err != nil {
			return fmt.Errorf("update document head: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return tombstone, nil
}

// ListIndexed calls fn with every current indexed version and its chunks, in id order
func (s *DocumentStore) ListIndexed(ctx context.Context, fn func(doc *domain.Document, chunks []domain.Chunk) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents d
		JOIN document_heads h ON h.id = d.id AND h.current_version = d.version
		WHERE h.status = $1
		ORDER BY d.id`, domain.DocumentStatusIndexed)
	if err != nil {
		return fmt.Errorf("query indexed documents: %w", err)
	}

	var docs []*domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate documents: %w", err)
	}

	for _, doc := range docs {
		chunks, err := s.ListChunks(ctx, doc.ID, doc.Version)
		if err != nil {
			return err
		}
		if err := fn(doc, chunks); err != nil {
			return err
		}
	}
	return nil
}

// ListStale returns pending versions ingested before the cutoff
func (s *DocumentStore) ListStale(ctx context.Context, before time.Time) ([]*domain.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents d
		WHERE d.status = $1 AND d.ingested_at < $2
		ORDER BY d.id, d.version`, domain.DocumentStatusPending, before)
	if err != nil {
		return nil, fmt.Errorf("query stale documents: %w", err)
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// EnsureIndexConfig records the index config on first use and verifies it afterwards
func (s *DocumentStore) EnsureIndexConfig(ctx context.Context, cfg domain.IndexConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_meta (id, metric, dimension, model_version) VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO NOTHING`,
		cfg.Metric, cfg.Dimension, cfg.ModelVersion)
	if err != nil {
		return fmt.Errorf("record index config: %w", err)
	}

	var stored domain.IndexConfig
	err = s.db.QueryRowContext(ctx, `
		SELECT metric, dimension, model_version FROM index_meta WHERE id = 1`,
	).Scan(&stored.Metric, &stored.Dimension, &stored.ModelVersion)
	if err != nil {
		return fmt.Errorf("query index config: %w", err)
	}

	if stored.Metric != cfg.Metric || stored.Dimension != cfg.Dimension || stored.ModelVersion != cfg.ModelVersion {
		return fmt.Errorf("%w: index was built with %s/%d/%s, configured %s/%d/%s, full reindex required",
			domain.ErrInvalidConfig,
			stored.Metric, stored.Dimension, stored.ModelVersion,
			cfg.Metric, cfg.Dimension, cfg.ModelVersion)
	}
	return nil
}
