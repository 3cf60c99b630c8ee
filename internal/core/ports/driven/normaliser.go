package driven

import (
	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// Normaliser turns submitted content of a given MIME type into the plain
// text that is chunked, embedded and stored.
type Normaliser interface {
	// Normalise transforms raw content into normalised text.
	Normalise(content string, mimeType string) string

	// SupportedTypes returns MIME types this normaliser handles.
	// Can include wildcards like "text/*".
	SupportedTypes() []string

	// Priority returns the normaliser priority (higher = more specific).
	//   50-89:  Format-specific (Markdown, HTML)
	//   1-9:    Fallback (plain text)
	Priority() int
}

// NormaliserRegistry manages content normalisers.
// When multiple normalisers match a MIME type, the highest priority one is used.
type NormaliserRegistry interface {
	// Get retrieves the best-matching normaliser for a MIME type, or nil.
	Get(mimeType string) Normaliser

	// GetAll retrieves all matching normalisers, highest priority first.
	GetAll(mimeType string) []Normaliser

	// Register registers a normaliser.
	Register(normaliser Normaliser)

	// List returns all registered MIME types.
	List() []string
}

// PostProcessor transforms the chunk list of a document.
// The first processor (Chunker) receives a single chunk spanning the whole content.
type PostProcessor interface {
	Process(chunks []domain.Chunk) []domain.Chunk

	// Name returns the processor name for logging
	Name() string

	// Order returns the processor order in the pipeline (lower = earlier).
	Order() int
}

// PostProcessorPipeline chains post-processors in order.
type PostProcessorPipeline interface {
	// Process splits content into chunks and applies every processor.
	// Chunk spans are byte offsets into content.
	Process(content string) []domain.Chunk

	// Add adds a processor. Processors are sorted by Order().
	Add(processor PostProcessor)

	// List returns processor names in order.
	List() []string
}
