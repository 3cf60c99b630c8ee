package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driving"
	"github.com/custodia-labs/ragdoc/internal/runtime"
)

// Ensure IngestionService implements driving.IngestionService
var _ driving.IngestionService = (*IngestionService)(nil)

// IngestionService runs documents through the ingestion pipeline:
//
//	Received -> Chunked -> Embedded -> Indexed -> Visible
//
// Any failure before the commit ends in Failed: the attempt's staged index
// entries are removed, the version is marked failed and the previously
// indexed version stays searchable. The store commit (MarkStatus indexed) is
// the single point at which a new version replaces the old one; the index
// switches to it only afterwards.
type IngestionService struct {
	store       driven.DocumentStore
	index       driven.VectorIndex
	services    *runtime.Services
	normalisers driven.NormaliserRegistry
	pipeline    driven.PostProcessorPipeline
	taskQueue   driven.TaskQueue
	locker      *documentLocker
	logger      *slog.Logger

	batchSize    int
	embedTimeout time.Duration
}

// IngestionServiceConfig holds dependencies for IngestionService.
type IngestionServiceConfig struct {
	Store       driven.DocumentStore
	Index       driven.VectorIndex
	Services    *runtime.Services
	Normalisers driven.NormaliserRegistry    // Optional: content passes through unchanged without it
	Pipeline    driven.PostProcessorPipeline // Chunking pipeline built from a validated ChunkConfig
	TaskQueue   driven.TaskQueue             // Optional: required by IngestAsync

	Locks           *KeyedLock             // Shared with DocumentService so deletes and ingests serialise
	DistributedLock driven.DistributedLock // Optional: cross-process per-document lock
	LockTTL         time.Duration          // default: 5m

	BatchSize    int           // Texts per embedder call (default: 32)
	EmbedTimeout time.Duration // Deadline of each embedder call (default: 30s)
	Logger       *slog.Logger
}

// NewIngestionService creates a new ingestion service.
func NewIngestionService(cfg IngestionServiceConfig) *IngestionService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	embedTimeout := cfg.EmbedTimeout
	if embedTimeout <= 0 {
		embedTimeout = 30 * time.Second
	}

	return &IngestionService{
		store:        cfg.Store,
		index:        cfg.Index,
		services:     cfg.Services,
		normalisers:  cfg.Normalisers,
		pipeline:     cfg.Pipeline,
		taskQueue:    cfg.TaskQueue,
		locker:       newDocumentLocker(cfg.Locks, cfg.DistributedLock, cfg.LockTTL, logger),
		logger:       logger,
		batchSize:    batchSize,
		embedTimeout: embedTimeout,
	}
}

// ContentHash identifies submitted content: hex blake2b-256 over the mime
// type and the raw bytes.
func ContentHash(content, mimeType string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(mimeType))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateIngestRequest checks a request before anything is written.
// Errors wrap ErrInvalidInput.
func ValidateIngestRequest(req domain.IngestRequest) error {
	if req.DocumentID == "" {
		return fmt.Errorf("%w: document id is required", domain.ErrInvalidInput)
	}
	if len(req.DocumentID) > 256 {
		return fmt.Errorf("%w: document id longer than 256 bytes", domain.ErrInvalidInput)
	}
	if req.Scope != "" && !req.Scope.IsValid() {
		return fmt.Errorf("%w: unknown scope %q", domain.ErrInvalidInput, req.Scope)
	}

	switch req.Scope {
	case domain.ScopeAccount:
		if req.Owner.AccountID == "" {
			return fmt.Errorf("%w: account scope requires an account id", domain.ErrInvalidInput)
		}
	case domain.ScopeUser:
		if req.Owner.UserID == "" {
			return fmt.Errorf("%w: user scope requires a user id", domain.ErrInvalidInput)
		}
	case domain.ScopeSession:
		if req.Owner.SessionID == "" {
			return fmt.Errorf("%w: session scope requires a session id", domain.ErrInvalidInput)
		}
	}
	return nil
}

// Ingest runs the full pipeline for one document.
func (s *IngestionService) Ingest(ctx context.Context, req domain.IngestRequest) (*domain.IngestResult, error) {
	if err := ValidateIngestRequest(req); err != nil {
		return nil, err
	}
	if s.pipeline == nil {
		return nil, fmt.Errorf("%w: no chunking pipeline configured", domain.ErrInvalidConfig)
	}
	embedder, err := s.services.Embedder()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIngestionFailed, err)
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "text/plain"
	}
	scope := req.Scope
	if scope == "" {
		scope = domain.ScopeGlobal
	}
	logger := s.logger.With("document_id", req.DocumentID)

	unlock, err := s.locker.lock(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIngestionFailed, err)
	}
	defer unlock()

	hash := ContentHash(req.Content, mimeType)

	var base, current int64
	head, err := s.store.Head(ctx, req.DocumentID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("%w: read document head: %w", domain.ErrIngestionFailed, err)
	default:
		base = head.LatestVersion
		if head.Status == domain.DocumentStatusIndexed {
			current = head.CurrentVersion
		}
	}

	if current > 0 && head.ContentHash == hash {
		return s.unchanged(ctx, logger, req.DocumentID, current)
	}

	content := req.Content
	if s.normalisers != nil {
		if n := s.normalisers.Get(mimeType); n != nil {
			content = n.Normalise(content, mimeType)
		}
	}

	now := time.Now()
	version, err := s.store.Put(ctx, &domain.Document{
		ID:          req.DocumentID,
		Title:       req.Title,
		MimeType:    mimeType,
		Content:     content,
		ContentHash: hash,
		Scope:       scope,
		Owner:       req.Owner,
		Metadata:    req.Metadata,
		IngestedAt:  now,
	}, base)
	if err != nil {
		return nil, fmt.Errorf("%w: store new version: %w", domain.ErrIngestionFailed, err)
	}

	attempt := &ingestAttempt{
		svc:    s,
		logger: logger.With("version", version),
		result: &domain.IngestResult{
			DocumentID: req.DocumentID,
			Version:    version,
			Status:     domain.DocumentStatusPending,
			Stage:      domain.IngestStageReceived,
		},
	}
	return attempt.run(ctx, embedder, content, scope, req.Owner)
}

// unchanged answers a re-submission of the current content. It republishes
// the current version, which completes a switch an earlier attempt committed
// but could not publish.
func (s *IngestionService) unchanged(ctx context.Context, logger *slog.Logger, id string, current int64) (*domain.IngestResult, error) {
	res := &domain.IngestResult{
		DocumentID: id,
		Version:    current,
		Status:     domain.DocumentStatusIndexed,
		Stage:      domain.IngestStageIndexed,
		Unchanged:  true,
	}

	chunks, err := s.store.ListChunks(ctx, id, current)
	if err != nil {
		return res, fmt.Errorf("%w: list chunks of version %d: %w", domain.ErrIngestionFailed, current, err)
	}
	res.Chunks = len(chunks)

	if _, err := s.switchVisible(ctx, logger, id, current); err != nil {
		return res, fmt.Errorf("%w: publish version %d: %w", domain.ErrIndexUnavailable, current, err)
	}
	res.Stage = domain.IngestStageVisible
	logger.Debug("content unchanged, skipping ingestion", "version", current)
	return res, nil
}

// ingestAttempt carries the state of one ingestion from Received onwards
type ingestAttempt struct {
	svc    *IngestionService
	logger *slog.Logger
	result *domain.IngestResult
	staged []string // chunk ids upserted into the index
}

func (a *ingestAttempt) run(
	ctx context.Context,
	embedder driven.EmbeddingService,
	content string,
	scope domain.Scope,
	owner domain.Owner,
) (*domain.IngestResult, error) {
	s := a.svc
	id, version := a.result.DocumentID, a.result.Version

	// Chunked
	chunks := s.pipeline.Process(content)
	createdAt := time.Now()
	for i := range chunks {
		chunks[i].ID = domain.ChunkID(id, version, i)
		chunks[i].DocumentID = id
		chunks[i].Version = version
		chunks[i].Sequence = i
		chunks[i].CreatedAt = createdAt
	}
	a.result.Stage = domain.IngestStageChunked
	a.result.Chunks = len(chunks)
	if err := ctx.Err(); err != nil {
		return a.fail(ctx, err)
	}

	// Embedded
	if err := s.embed(ctx, embedder, chunks); err != nil {
		return a.fail(ctx, err)
	}
	a.result.Stage = domain.IngestStageEmbedded

	// Indexed: chunks are durable and staged, still invisible
	if err := s.store.SaveChunks(ctx, id, version, chunks); err != nil {
		return a.fail(ctx, fmt.Errorf("save chunks: %w", err))
	}
	entries := make([]domain.IndexEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = domain.IndexEntry{
			ChunkID:    c.ID,
			DocumentID: id,
			Version:    version,
			Sequence:   c.Sequence,
			Vector:     *c.Embedding,
			Scope:      scope,
			Owner:      owner,
		}
	}
	if err := s.index.Upsert(ctx, entries); err != nil {
		return a.fail(ctx, fmt.Errorf("stage index entries: %w", err))
	}
	for _, e := range entries {
		a.staged = append(a.staged, e.ChunkID)
	}
	a.result.Stage = domain.IngestStageIndexed

	// Commit. From here on the version is current and is not rolled back.
	if err := s.store.MarkStatus(ctx, id, version, domain.DocumentStatusIndexed); err != nil {
		return a.fail(ctx, fmt.Errorf("commit: %w", err))
	}
	a.staged = nil
	a.result.Status = domain.DocumentStatusIndexed

	// Visible
	prev, err := s.switchVisible(context.WithoutCancel(ctx), a.logger, id, version)
	if err != nil {
		a.logger.Error("committed version not yet visible", "error", err)
		return a.result, fmt.Errorf("%w: document %s version %d committed, publish failed: %w",
			domain.ErrIndexUnavailable, id, version, err)
	}

	a.result.Stage = domain.IngestStageVisible
	a.logger.Info("document ingested", "chunks", len(chunks), "previous", prev)
	return a.result, nil
}

// switchVisible publishes a committed version in the index, then drops the
// version it replaced from the index and the store. Until Publish returns,
// readers keep getting the replaced version, whose chunks are still stored.
func (s *IngestionService) switchVisible(ctx context.Context, logger *slog.Logger, id string, version int64) (int64, error) {
	prev, err := s.index.Publish(ctx, id, version)
	if err != nil {
		return 0, err
	}
	if prev <= 0 || prev == version {
		return prev, nil
	}

	old, err := s.store.ListChunks(ctx, id, prev)
	if err != nil {
		logger.Warn("failed to list replaced chunks", "previous", prev, "error", err)
		return prev, nil
	}
	ids := make([]string, len(old))
	for i, c := range old {
		ids[i] = c.ID
	}
	if len(ids) > 0 {
		if err := s.index.Remove(ctx, ids...); err != nil {
			logger.Warn("failed to remove replaced index entries", "previous", prev, "error", err)
		}
	}
	if err := s.store.PruneChunks(ctx, id, prev); err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Warn("failed to prune replaced chunks", "previous", prev, "error", err)
	}
	return prev, nil
}

// embed fills in chunk embeddings batch by batch, each call under its own deadline
func (s *IngestionService) embed(ctx context.Context, embedder driven.EmbeddingService, chunks []domain.Chunk) error {
	model := embedder.Model()
	for start := 0; start < len(chunks); start += s.batchSize {
		end := min(start+s.batchSize, len(chunks))

		texts := make([]string, end-start)
		for i := range texts {
			texts[i] = chunks[start+i].Content
		}

		callCtx, cancel := context.WithTimeout(ctx, s.embedTimeout)
		vectors, err := embedder.Embed(callCtx, texts)
		cancel()
		if err != nil {
			return fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
		}

		for i, values := range vectors {
			chunks[start+i].Embedding = &domain.Vector{Values: values, Model: model}
		}
	}
	return nil
}

// fail rolls the attempt back: staged entries leave the index and the version is
// marked failed. Cleanup runs detached from ctx so cancellation still ends in Failed.
func (a *ingestAttempt) fail(ctx context.Context, cause error) (*domain.IngestResult, error) {
	s := a.svc
	id, version := a.result.DocumentID, a.result.Version
	cleanup := context.WithoutCancel(ctx)

	if len(a.staged) > 0 {
		if err := s.index.Remove(cleanup, a.staged...); err != nil {
			a.logger.Error("failed to remove staged index entries", "error", err)
		}
	}
	if err := s.store.MarkStatus(cleanup, id, version, domain.DocumentStatusFailed); err != nil {
		a.logger.Error("failed to mark version failed", "error", err)
	}

	a.logger.Warn("ingestion failed", "stage", a.result.Stage, "error", cause)
	a.result.Stage = domain.IngestStageFailed
	a.result.Status = domain.DocumentStatusFailed
	return a.result, fmt.Errorf("%w: document %s version %d: %w", domain.ErrIngestionFailed, id, version, cause)
}

// IngestAsync validates the request, enqueues an ingest task and returns its ID.
func (s *IngestionService) IngestAsync(ctx context.Context, req domain.IngestRequest) (string, error) {
	if err := ValidateIngestRequest(req); err != nil {
		return "", err
	}
	if s.taskQueue == nil {
		return "", fmt.Errorf("%w: no task queue configured", domain.ErrInvalidConfig)
	}

	task := domain.NewIngestTask(req)
	if err := s.taskQueue.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue ingest task: %w", err)
	}
	s.logger.Info("ingest task enqueued", "document_id", req.DocumentID, "task_id", task.ID)
	return task.ID, nil
}
