package domain

import "fmt"

// Metric is the similarity function of a vector index.
// It is fixed when the index is created.
type Metric string

const (
	MetricCosine     Metric = "cosine"
	MetricDotProduct Metric = "dot"
)

// IsValid reports whether the metric is supported
func (m Metric) IsValid() bool {
	return m == MetricCosine || m == MetricDotProduct
}

// IndexConfig is the immutable configuration of a vector index
type IndexConfig struct {
	Metric       Metric  `json:"metric" yaml:"metric"`
	Dimension    int     `json:"dimension" yaml:"dimension"`
	ModelVersion string  `json:"model_version" yaml:"model_version"`
	MinScore     float64 `json:"min_score" yaml:"min_score"`

	// ExactThreshold is the visible entry count at or below which search is brute force.
	ExactThreshold int `json:"exact_threshold" yaml:"exact_threshold"`
	// Lists is the number of partitions used by approximate search.
	Lists int `json:"lists" yaml:"lists"`
	// ScanLists is the number of partitions an approximate search scans first.
	// The search widens until it holds k/(1-RecallTarget) candidates.
	ScanLists int `json:"scan_lists" yaml:"scan_lists"`
	// RecallTarget is the lower bound on recall@k against exact search.
	RecallTarget float64 `json:"recall_target" yaml:"recall_target"`
}

// DefaultIndexConfig returns an index config for the given embedding model
func DefaultIndexConfig(model string, dimension int) IndexConfig {
	return IndexConfig{
		Metric:         MetricCosine,
		Dimension:      dimension,
		ModelVersion:   model,
		MinScore:       0,
		ExactThreshold: 10000,
		Lists:          64,
		ScanLists:      8,
		RecallTarget:   0.9,
	}
}

// Validate checks the config. Errors wrap ErrInvalidConfig.
func (c IndexConfig) Validate() error {
	if !c.Metric.IsValid() {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, c.Metric)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, c.Dimension)
	}
	if c.ModelVersion == "" {
		return fmt.Errorf("%w: model version is required", ErrInvalidConfig)
	}
	if c.ExactThreshold < 0 {
		return fmt.Errorf("%w: exact threshold must not be negative", ErrInvalidConfig)
	}
	if c.Lists <= 0 || c.ScanLists <= 0 || c.ScanLists > c.Lists {
		return fmt.Errorf("%w: scan_lists must be in [1, lists], got scan_lists=%d lists=%d", ErrInvalidConfig, c.ScanLists, c.Lists)
	}
	if c.RecallTarget <= 0 || c.RecallTarget > 1 {
		return fmt.Errorf("%w: recall target must be in (0, 1], got %v", ErrInvalidConfig, c.RecallTarget)
	}
	return nil
}

// Compatible reports whether a vector can be compared against entries of this index
func (c IndexConfig) Compatible(v Vector) error {
	if v.Model != c.ModelVersion {
		return fmt.Errorf("%w: vector model %q, index model %q", ErrEmbeddingVersionMismatch, v.Model, c.ModelVersion)
	}
	if v.Dimension() != c.Dimension {
		return fmt.Errorf("%w: vector dimension %d, index dimension %d", ErrEmbeddingVersionMismatch, v.Dimension(), c.Dimension)
	}
	return nil
}

// ChunkConfig controls how documents are split
type ChunkConfig struct {
	MaxChunkSize int `json:"max_chunk_size" yaml:"max_chunk_size"` // in runes
	Overlap      int `json:"overlap" yaml:"overlap"`               // in runes

	// PreserveBoundaries pulls chunk ends back to paragraph, line, sentence or word breaks
	PreserveBoundaries bool `json:"preserve_boundaries" yaml:"preserve_boundaries"`
}

// DefaultChunkConfig returns the default chunking parameters
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChunkSize:       512,
		Overlap:            64,
		PreserveBoundaries: true,
	}
}

// Validate checks the config. Errors wrap ErrInvalidConfig.
func (c ChunkConfig) Validate() error {
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("%w: max chunk size must be positive, got %d", ErrInvalidConfig, c.MaxChunkSize)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidConfig, c.Overlap)
	}
	if c.Overlap >= c.MaxChunkSize {
		return fmt.Errorf("%w: overlap %d must be smaller than max chunk size %d", ErrInvalidConfig, c.Overlap, c.MaxChunkSize)
	}
	return nil
}

// IndexEntry is a chunk vector with the provenance needed for filtering
type IndexEntry struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Version    int64  `json:"version"`
	Sequence   int    `json:"sequence"`
	Vector     Vector `json:"vector"`
	Scope      Scope  `json:"scope"`
	Owner      Owner  `json:"owner"`
}

// ScoredChunk is a single vector index hit
type ScoredChunk struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Version    int64   `json:"version"`
	Sequence   int     `json:"sequence"`
	Score      float64 `json:"score"`
}

// Less orders hits by score descending, then sequence, then document id
func (s ScoredChunk) Less(o ScoredChunk) bool {
	if s.Score != o.Score {
		return s.Score > o.Score
	}
	if s.Sequence != o.Sequence {
		return s.Sequence < o.Sequence
	}
	if s.DocumentID != o.DocumentID {
		return s.DocumentID < o.DocumentID
	}
	return s.ChunkID < o.ChunkID
}

// IndexStats reports entry counts of a vector index
type IndexStats struct {
	Documents int `json:"documents"`
	Visible   int `json:"visible"`
	Staged    int `json:"staged"`
}
