package domain

import "errors"

// Domain errors - used across all layers
var (
	// ErrInvalidConfig indicates bad chunking or index parameters. Rejected before any write.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound indicates an unknown document or version
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a write collided with a stale version
	ErrConflict = errors.New("version conflict")

	// ErrEmbeddingVersionMismatch indicates vectors from different embedding models met in one search
	ErrEmbeddingVersionMismatch = errors.New("embedding version mismatch")

	// ErrIndexUnavailable indicates the vector index is unreachable, closed or timed out
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrIngestionFailed indicates a pipeline step failed; the document stays at its last good version
	ErrIngestionFailed = errors.New("ingestion failed")

	// ErrEmbedderUnavailable indicates no embedding service is configured
	ErrEmbedderUnavailable = errors.New("embedder unavailable")

	// ErrLockNotAcquired indicates a per-document lock could not be taken before the deadline
	ErrLockNotAcquired = errors.New("lock not acquired")
)
