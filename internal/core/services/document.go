package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driving"
)

// Ensure documentService implements DocumentService
var _ driving.DocumentService = (*documentService)(nil)

// documentService implements the DocumentService interface
type documentService struct {
	store     driven.DocumentStore
	index     driven.VectorIndex
	taskQueue driven.TaskQueue
	locker    *documentLocker
	logger    *slog.Logger
}

// DocumentServiceConfig holds dependencies for the document service.
type DocumentServiceConfig struct {
	Store     driven.DocumentStore
	Index     driven.VectorIndex
	TaskQueue driven.TaskQueue // Optional: required by DeleteAsync

	Locks           *KeyedLock // Share with the ingestion service
	DistributedLock driven.DistributedLock
	LockTTL         time.Duration
	Logger          *slog.Logger
}

// NewDocumentService creates a new DocumentService
func NewDocumentService(cfg DocumentServiceConfig) driving.DocumentService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &documentService{
		store:     cfg.Store,
		index:     cfg.Index,
		taskQueue: cfg.TaskQueue,
		locker:    newDocumentLocker(cfg.Locks, cfg.DistributedLock, cfg.LockTTL, logger),
		logger:    logger,
	}
}

// Get retrieves a document version. Version 0 is the current version.
func (s *documentService) Get(ctx context.Context, id string, version int64) (*domain.Document, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: document id is required", domain.ErrInvalidInput)
	}
	return s.store.Get(ctx, id, version)
}

// ListChunks returns the chunks of a version ordered by sequence
func (s *documentService) ListChunks(ctx context.Context, id string, version int64) ([]domain.Chunk, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: document id is required", domain.ErrInvalidInput)
	}
	return s.store.ListChunks(ctx, id, version)
}

// Delete tombstones a document. Once it returns, no query can retrieve any
// of the document's chunks.
func (s *documentService) Delete(ctx context.Context, id string) (*domain.DeleteResult, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: document id is required", domain.ErrInvalidInput)
	}

	unlock, err := s.locker.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	version, err := s.store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}

	// The tombstone already hides the document from queries; a failed retract
	// only leaves entries the retriever will drop.
	if err := s.index.Retract(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("failed to retract document from index", "document_id", id, "error", err)
	}

	s.logger.Info("document deleted", "document_id", id, "version", version)
	return &domain.DeleteResult{
		DocumentID: id,
		Version:    version,
		Status:     domain.DocumentStatusDeleted,
	}, nil
}

// DeleteAsync enqueues a delete task and returns its ID
func (s *documentService) DeleteAsync(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: document id is required", domain.ErrInvalidInput)
	}
	if s.taskQueue == nil {
		return "", fmt.Errorf("%w: no task queue configured", domain.ErrInvalidConfig)
	}

	task := domain.NewDeleteTask(id)
	if err := s.taskQueue.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue delete task: %w", err)
	}
	return task.ID, nil
}

// ReapStale fails pending versions whose ingestion started more than olderThan
// ago, typically left behind by a crashed process, and removes their staged
// index entries. It returns the number of versions reaped.
func (s *documentService) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: older-than must be positive", domain.ErrInvalidInput)
	}

	stale, err := s.store.ListStale(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("list stale versions: %w", err)
	}

	reaped := 0
	for _, doc := range stale {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		ok, err := s.reap(ctx, doc.ID, doc.Version)
		if err != nil {
			s.logger.Warn("failed to reap stale version", "document_id", doc.ID, "version", doc.Version, "error", err)
			continue
		}
		if ok {
			reaped++
		}
	}

	if reaped > 0 {
		s.logger.Info("reaped stale versions", "count", reaped, "older_than", olderThan)
	}
	return reaped, nil
}

func (s *documentService) reap(ctx context.Context, id string, version int64) (bool, error) {
	unlock, err := s.locker.lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	// A live ingestion may have finished while we waited for the lock
	doc, err := s.store.Get(ctx, id, version)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if doc.Status != domain.DocumentStatusPending {
		return false, nil
	}

	chunks, err := s.store.ListChunks(ctx, id, version)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}

	if err := s.store.MarkStatus(ctx, id, version, domain.DocumentStatusFailed); err != nil {
		return false, err
	}

	if len(chunks) > 0 {
		ids := make([]string, len(chunks))
		for i, c := range chunks {
			ids[i] = c.ID
		}
		if err := s.index.Remove(ctx, ids...); err != nil {
			s.logger.Warn("failed to remove staged entries of stale version", "document_id", id, "version", version, "error", err)
		}
	}
	return true, nil
}
