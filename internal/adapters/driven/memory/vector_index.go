package memory

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorIndex = (*VectorIndex)(nil)

// kmeansIterations bounds the Lloyd iterations of a partition rebuild
const kmeansIterations = 6

type indexedEntry struct {
	entry  domain.IndexEntry
	values []float32 // unit length under the cosine metric
	list   int       // partition, -1 when unassigned
}

// VectorIndex is an in-process nearest-neighbour index.
//
// Entries are staged per document version and searchable only while that
// version is the published one. Search is exact up to ExactThreshold visible
// entries; above it entries are partitioned around k-means centroids and only
// the ScanLists closest partitions are scanned first.
type VectorIndex struct {
	cfg domain.IndexConfig

	mu      sync.RWMutex
	entries map[string]*indexedEntry       // by chunk id
	byDoc   map[string]map[string]struct{} // document id -> chunk ids
	visible map[string]int64               // document id -> published version
	closed  bool

	centroids [][]float32
	lists     []map[string]struct{}
	builtSize int
}

// NewVectorIndex creates an index with a fixed configuration
func NewVectorIndex(cfg domain.IndexConfig) (*VectorIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &VectorIndex{
		cfg:     cfg,
		entries: make(map[string]*indexedEntry),
		byDoc:   make(map[string]map[string]struct{}),
		visible: make(map[string]int64),
	}, nil
}

// Config returns the index configuration
func (ix *VectorIndex) Config() domain.IndexConfig {
	return ix.cfg
}

// Upsert stages entries. Either every entry is staged or none is.
func (ix *VectorIndex) Upsert(ctx context.Context, entries []domain.IndexEntry) error {
	for _, e := range entries {
		if e.ChunkID == "" || e.DocumentID == "" {
			return fmt.Errorf("%w: index entry needs chunk and document ids", domain.ErrInvalidInput)
		}
		if err := ix.cfg.Compatible(e.Vector); err != nil {
			return fmt.Errorf("chunk %s: %w", e.ChunkID, err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.available(ctx); err != nil {
		return err
	}

	for _, e := range entries {
		ix.removeLocked(e.ChunkID)

		stored := e
		stored.Vector = domain.Vector{Values: slices.Clone(e.Vector.Values), Model: e.Vector.Model}
		ie := &indexedEntry{entry: stored, values: ix.prepare(e.Vector.Values), list: -1}
		if len(ix.centroids) > 0 {
			ie.list = nearestCentroid(ix.centroids, ie.values)
			ix.lists[ie.list][e.ChunkID] = struct{}{}
		}
		ix.entries[e.ChunkID] = ie

		ids := ix.byDoc[e.DocumentID]
		if ids == nil {
			ids = make(map[string]struct{})
			ix.byDoc[e.DocumentID] = ids
		}
		ids[e.ChunkID] = struct{}{}
	}
	return nil
}

// Publish makes version the visible version of documentID
func (ix *VectorIndex) Publish(ctx context.Context, documentID string, version int64) (int64, error) {
	if version <= 0 {
		return 0, fmt.Errorf("%w: cannot publish version %d", domain.ErrInvalidInput, version)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.available(ctx); err != nil {
		return 0, err
	}

	prev := ix.visible[documentID]
	ix.visible[documentID] = version
	return prev, nil
}

// Remove drops entries by chunk id. Unknown ids are ignored.
func (ix *VectorIndex) Remove(ctx context.Context, chunkIDs ...string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return fmt.Errorf("%w: index closed", domain.ErrIndexUnavailable)
	}

	for _, id := range chunkIDs {
		ix.removeLocked(id)
	}
	return nil
}

// Retract drops every entry of a document and hides it
func (ix *VectorIndex) Retract(ctx context.Context, documentID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return fmt.Errorf("%w: index closed", domain.ErrIndexUnavailable)
	}

	for id := range ix.byDoc[documentID] {
		ix.removeLocked(id)
	}
	delete(ix.byDoc, documentID)
	delete(ix.visible, documentID)
	return nil
}

// Search returns up to k visible entries passing filter, best first
func (ix *VectorIndex) Search(ctx context.Context, query domain.Vector, k int, filter *domain.Filter) ([]domain.ScoredChunk, error) {
	if k <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	if err := ix.cfg.Compatible(query); err != nil {
		return nil, err
	}

	q := ix.prepare(query.Values)
	if ix.needsPartitions() {
		ix.mu.Lock()
		if ix.needsPartitionsLocked() {
			ix.buildPartitions()
		}
		ix.mu.Unlock()
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if err := ix.available(ctx); err != nil {
		return nil, err
	}

	var hits []domain.ScoredChunk
	if ix.visibleCountLocked() <= ix.cfg.ExactThreshold || len(ix.centroids) == 0 {
		hits = ix.scan(q, filter, maps.Values(ix.entries))
	} else {
		hits = ix.searchPartitions(q, k, filter)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Less(hits[j]) })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Stats reports entry counts
func (ix *VectorIndex) Stats() domain.IndexStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	visible := ix.visibleCountLocked()
	return domain.IndexStats{
		Documents: len(ix.visible),
		Visible:   visible,
		Staged:    len(ix.entries) - visible,
	}
}

// Close releases the index
func (ix *VectorIndex) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.closed = true
	ix.entries = make(map[string]*indexedEntry)
	ix.byDoc = make(map[string]map[string]struct{})
	ix.visible = make(map[string]int64)
	ix.centroids = nil
	ix.lists = nil
	return nil
}

func (ix *VectorIndex) available(ctx context.Context) error {
	if ix.closed {
		return fmt.Errorf("%w: index closed", domain.ErrIndexUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrIndexUnavailable, err)
	}
	return nil
}

func (ix *VectorIndex) removeLocked(chunkID string) {
	ie, ok := ix.entries[chunkID]
	if !ok {
		return
	}
	delete(ix.entries, chunkID)
	if ids := ix.byDoc[ie.entry.DocumentID]; ids != nil {
		delete(ids, chunkID)
		if len(ids) == 0 {
			delete(ix.byDoc, ie.entry.DocumentID)
		}
	}
	if ie.list >= 0 && ie.list < len(ix.lists) {
		delete(ix.lists[ie.list], chunkID)
	}
}

func (ix *VectorIndex) isVisible(ie *indexedEntry) bool {
	v, ok := ix.visible[ie.entry.DocumentID]
	return ok && v == ie.entry.Version
}

func (ix *VectorIndex) visibleCountLocked() int {
	n := 0
	for _, ie := range ix.entries {
		if ix.isVisible(ie) {
			n++
		}
	}
	return n
}

// scan scores the visible candidates that pass filter
func (ix *VectorIndex) scan(q []float32, filter *domain.Filter, candidates iter.Seq[*indexedEntry]) []domain.ScoredChunk {
	var hits []domain.ScoredChunk
	for ie := range candidates {
		if !ix.isVisible(ie) {
			continue
		}
		e := ie.entry
		if !filter.Matches(e.DocumentID, e.Scope, e.Owner) {
			continue
		}
		hits = append(hits, domain.ScoredChunk{
			ChunkID:    e.ChunkID,
			DocumentID: e.DocumentID,
			Version:    e.Version,
			Sequence:   e.Sequence,
			Score:      dot(q, ie.values),
		})
	}
	return hits
}

// searchPartitions scans the ScanLists partitions closest to q, then doubles the number of
// partitions until enough candidates for the recall target were found or
// every partition was scanned.
func (ix *VectorIndex) searchPartitions(q []float32, k int, filter *domain.Filter) []domain.ScoredChunk {
	want := ix.candidates(k)

	order := make([]int, len(ix.centroids))
	scores := make([]float64, len(ix.centroids))
	for i, c := range ix.centroids {
		order[i] = i
		scores[i] = dot(q, c)
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	var hits []domain.ScoredChunk
	scanned, width := 0, min(ix.cfg.ScanLists, len(order))
	for scanned < len(order) {
		hits = append(hits, ix.scan(q, filter, ix.listEntries(order[scanned:width]))...)
		scanned = width
		if len(hits) >= want {
			break
		}
		width = min(width*2, len(order))
	}
	return hits
}

// candidates is the size of the candidate pool an approximate search of k
// collects: k/(1-RecallTarget), so a target of 0.9 ranks ten candidates per
// result. A target of 1 scans every partition.
func (ix *VectorIndex) candidates(k int) int {
	if ix.cfg.RecallTarget >= 1 {
		return math.MaxInt
	}
	// the epsilon keeps 1-0.9 rounding from adding a candidate
	return int(math.Ceil(float64(k)/(1-ix.cfg.RecallTarget) - 1e-9))
}

func (ix *VectorIndex) listEntries(lists []int) iter.Seq[*indexedEntry] {
	return func(yield func(*indexedEntry) bool) {
		for _, list := range lists {
			for id := range ix.lists[list] {
				if !yield(ix.entries[id]) {
					return
				}
			}
		}
	}
}

func (ix *VectorIndex) needsPartitions() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.needsPartitionsLocked()
}

// needsPartitionsLocked reports whether the partitions are missing or the
// entry count drifted far enough from the last build to rebalance.
func (ix *VectorIndex) needsPartitionsLocked() bool {
	if ix.closed || len(ix.entries) <= ix.cfg.ExactThreshold {
		return false
	}
	n := len(ix.entries)
	return len(ix.centroids) == 0 || n > 2*ix.builtSize || 2*n < ix.builtSize
}

// buildPartitions runs a few Lloyd iterations seeded deterministically from
// entries spread evenly over chunk id order.
func (ix *VectorIndex) buildPartitions() {
	ids := make([]string, 0, len(ix.entries))
	for id := range ix.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lists := min(ix.cfg.Lists, len(ids))
	centroids := make([][]float32, lists)
	for i := range centroids {
		centroids[i] = slices.Clone(ix.entries[ids[i*len(ids)/lists]].values)
	}

	assign := make([]int, len(ids))
	for range kmeansIterations {
		for i, id := range ids {
			assign[i] = nearestCentroid(centroids, ix.entries[id].values)
		}

		sums := make([][]float64, lists)
		counts := make([]int, lists)
		for i := range sums {
			sums[i] = make([]float64, ix.cfg.Dimension)
		}
		for i, id := range ids {
			c := assign[i]
			counts[c]++
			for d, v := range ix.entries[id].values {
				sums[c][d] += float64(v)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
			if ix.cfg.Metric == domain.MetricCosine {
				normalize(centroids[c])
			}
		}
	}

	ix.centroids = centroids
	ix.lists = make([]map[string]struct{}, lists)
	for i := range ix.lists {
		ix.lists[i] = make(map[string]struct{})
	}
	for _, id := range ids {
		c := nearestCentroid(centroids, ix.entries[id].values)
		ix.entries[id].list = c
		ix.lists[c][id] = struct{}{}
	}
	ix.builtSize = len(ids)
}

// prepare copies v, normalising it under the cosine metric
func (ix *VectorIndex) prepare(v []float32) []float32 {
	out := slices.Clone(v)
	if ix.cfg.Metric == domain.MetricCosine {
		normalize(out)
	}
	return out
}

func nearestCentroid(centroids [][]float32, v []float32) int {
	best, bestScore := 0, math.Inf(-1)
	for i, c := range centroids {
		if s := dot(v, c); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// normalize scales v to unit length in place. Zero vectors are left as is.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}
