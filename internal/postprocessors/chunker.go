package postprocessors

import (
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

// Chunk splits text into windows of at most maxChunkSize runes, each sharing
// exactly overlap runes with the previous one. The returned sequence is lazy
// and can be ranged over any number of times. Spans are byte offsets into text.
func Chunk(text string, maxChunkSize, overlap int) (iter.Seq[domain.Chunk], error) {
	cfg := domain.ChunkConfig{MaxChunkSize: maxChunkSize, Overlap: overlap}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return windows(text, cfg), nil
}

// Chunker splits content into overlapping chunks.
// This is the first processor in the pipeline (Order = 0).
type Chunker struct {
	config domain.ChunkConfig
}

// Verify interface compliance
var _ driven.PostProcessor = (*Chunker)(nil)

// NewChunker creates a chunker. Invalid configs fail with ErrInvalidConfig.
func NewChunker(config domain.ChunkConfig) (*Chunker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: config}, nil
}

// Config returns the chunking parameters.
func (c *Chunker) Config() domain.ChunkConfig {
	return c.config
}

// Split returns the lazy chunk sequence of text.
func (c *Chunker) Split(text string) iter.Seq[domain.Chunk] {
	return windows(text, c.config)
}

// Process splits every input chunk and renumbers the output.
func (c *Chunker) Process(chunks []domain.Chunk) []domain.Chunk {
	var result []domain.Chunk
	seq := 0

	for _, in := range chunks {
		for out := range windows(in.Content, c.config) {
			out.Sequence = seq
			out.StartOffset += in.StartOffset
			out.EndOffset += in.StartOffset
			result = append(result, out)
			seq++
		}
	}

	return result
}

// Name returns the processor name.
func (c *Chunker) Name() string {
	return "chunker"
}

// Order returns 0 - chunker should be first.
func (c *Chunker) Order() int {
	return 0
}

func windows(text string, cfg domain.ChunkConfig) iter.Seq[domain.Chunk] {
	return func(yield func(domain.Chunk) bool) {
		start, seq := 0, 0

		for start < len(text) {
			end := advance(text, start, cfg.MaxChunkSize)

			if end < len(text) && cfg.PreserveBoundaries {
				// A break must leave more than overlap runes in the window or
				// the next window would not move forward.
				floor := advance(text, start, max(cfg.Overlap+1, cfg.MaxChunkSize/2))
				if bp := findBreakPoint(text, floor, end); bp > 0 {
					end = bp
				}
			}

			chunk := domain.Chunk{
				Sequence:    seq,
				StartOffset: start,
				EndOffset:   end,
				Content:     text[start:end],
			}
			if !yield(chunk) {
				return
			}

			if end >= len(text) {
				return
			}
			start = retreat(text, end, cfg.Overlap)
			seq++
		}
	}
}

// advance returns the byte offset n runes after from, capped at len(text).
func advance(text string, from, n int) int {
	i := from
	for ; n > 0 && i < len(text); n-- {
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return i
}

// retreat returns the byte offset n runes before from.
func retreat(text string, from, n int) int {
	i := from
	for ; n > 0 && i > 0; n-- {
		_, size := utf8.DecodeLastRuneInString(text[:i])
		i -= size
	}
	return i
}

var sentenceEnders = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

// findBreakPoint returns the byte offset just after the best separator in
// text[floor:end], or -1. Paragraphs win over lines, lines over sentences,
// sentences over words.
func findBreakPoint(text string, floor, end int) int {
	if floor >= end {
		return -1
	}
	region := text[floor:end]

	if idx := strings.LastIndex(region, "\n\n"); idx != -1 {
		return floor + idx + 2
	}
	if idx := strings.LastIndex(region, "\n"); idx != -1 {
		return floor + idx + 1
	}

	best := -1
	for _, ender := range sentenceEnders {
		if idx := strings.LastIndex(region, ender); idx != -1 && idx+len(ender) > best {
			best = idx + len(ender)
		}
	}
	if best > 0 {
		return floor + best
	}

	if idx := strings.LastIndex(region, " "); idx != -1 {
		return floor + idx + 1
	}
	return -1
}
