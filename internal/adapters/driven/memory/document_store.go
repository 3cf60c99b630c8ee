package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.DocumentStore  = (*DocumentStore)(nil)
	_ driven.IndexMetaStore = (*DocumentStore)(nil)
)

type versionKey struct {
	id      string
	version int64
}

// DocumentStore is an in-process DocumentStore. Every operation runs under one
// mutex, so a version is either fully written or not visible at all.
type DocumentStore struct {
	mu       sync.RWMutex
	heads    map[string]*domain.DocumentHead
	docs     map[versionKey]*domain.Document
	chunks   map[versionKey][]domain.Chunk
	indexCfg *domain.IndexConfig
	now      func() time.Time
}

// NewDocumentStore creates an empty store
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		heads:  make(map[string]*domain.DocumentHead),
		docs:   make(map[versionKey]*domain.Document),
		chunks: make(map[versionKey][]domain.Chunk),
		now:    time.Now,
	}
}

// Put allocates the next version of doc.ID and stores it as pending
func (s *DocumentStore) Put(ctx context.Context, doc *domain.Document, baseVersion int64) (int64, error) {
	if doc == nil || doc.ID == "" {
		return 0, fmt.Errorf("%w: document id is required", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.heads[doc.ID]
	var latest int64
	if head != nil {
		latest = head.LatestVersion
	}
	if baseVersion >= 0 && baseVersion != latest {
		return 0, fmt.Errorf("%w: document %s is at version %d, caller saw %d",
			domain.ErrConflict, doc.ID, latest, baseVersion)
	}

	now := s.now()
	version := latest + 1
	stored := cloneDocument(doc)
	stored.Version = version
	stored.Status = domain.DocumentStatusPending
	if stored.IngestedAt.IsZero() {
		stored.IngestedAt = now
	}
	stored.UpdatedAt = now
	s.docs[versionKey{doc.ID, version}] = stored

	if head == nil {
		head = &domain.DocumentHead{ID: doc.ID, Status: domain.DocumentStatusPending}
		s.heads[doc.ID] = head
	}
	head.LatestVersion = version
	head.UpdatedAt = now

	return version, nil
}

// Get retrieves a document version. Version 0 is the current version.
func (s *DocumentStore) Get(ctx context.Context, id string, version int64) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if version == 0 {
		head := s.heads[id]
		if head == nil || head.CurrentVersion == 0 {
			return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, id)
		}
		version = head.CurrentVersion
	}

	doc, ok := s.docs[versionKey{id, version}]
	if !ok {
		return nil, fmt.Errorf("%w: document %s version %d", domain.ErrNotFound, id, version)
	}
	return cloneDocument(doc), nil
}

// Head returns the version bookkeeping of a document
func (s *DocumentStore) Head(ctx context.Context, id string) (*domain.DocumentHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	head, ok := s.heads[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, id)
	}
	h := *head
	return &h, nil
}

// SaveChunks stores the chunks of a pending version, replacing earlier ones
func (s *DocumentStore) SaveChunks(ctx context.Context, id string, version int64, chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := versionKey{id, version}
	doc, ok := s.docs[key]
	if !ok {
		return fmt.Errorf("%w: document %s version %d", domain.ErrNotFound, id, version)
	}
	if doc.Status != domain.DocumentStatusPending {
		return fmt.Errorf("%w: document %s version %d is %s", domain.ErrConflict, id, version, doc.Status)
	}

	stored := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		stored[i] = cloneChunk(c)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Sequence < stored[j].Sequence })
	s.chunks[key] = stored
	return nil
}

// ListChunks returns the chunks of a version ordered by sequence
func (s *DocumentStore) ListChunks(ctx context.Context, id string, version int64) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if version == 0 {
		head := s.heads[id]
		if head == nil || head.CurrentVersion == 0 {
			return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, id)
		}
		version = head.CurrentVersion
	}
	key := versionKey{id, version}
	if _, ok := s.docs[key]; !ok {
		return nil, fmt.Errorf("%w: document %s version %d", domain.ErrNotFound, id, version)
	}

	out := make([]domain.Chunk, 0, len(s.chunks[key]))
	for _, c := range s.chunks[key] {
		out = append(out, cloneChunk(c))
	}
	return out, nil
}

// MarkStatus moves a version to indexed (the commit point) or failed
func (s *DocumentStore) MarkStatus(ctx context.Context, id string, version int64, status domain.DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := versionKey{id, version}
	doc, ok := s.docs[key]
	if !ok {
		return fmt.Errorf("%w: document %s version %d", domain.ErrNotFound, id, version)
	}
	head := s.heads[id]
	now := s.now()

	switch status {
	case domain.DocumentStatusIndexed:
		if doc.Status != domain.DocumentStatusPending {
			return fmt.Errorf("%w: document %s version %d is %s", domain.ErrConflict, id, version, doc.Status)
		}
		if head.CurrentVersion > version {
			return fmt.Errorf("%w: document %s already at version %d", domain.ErrConflict, id, head.CurrentVersion)
		}

		if prev := head.CurrentVersion; prev > 0 {
			if p := s.docs[versionKey{id, prev}]; p != nil && p.Status == domain.DocumentStatusIndexed {
				p.Status = domain.DocumentStatusSuperseded
				p.UpdatedAt = now
			}
		}

		doc.Status = domain.DocumentStatusIndexed
		doc.UpdatedAt = now
		head.CurrentVersion = version
		head.Status = domain.DocumentStatusIndexed
		head.ContentHash = doc.ContentHash
		head.UpdatedAt = now
		return nil

	case domain.DocumentStatusFailed:
		if doc.Status != domain.DocumentStatusPending && doc.Status != domain.DocumentStatusFailed {
			return fmt.Errorf("%w: document %s version %d is %s", domain.ErrConflict, id, version, doc.Status)
		}
		doc.Status = domain.DocumentStatusFailed
		doc.UpdatedAt = now
		delete(s.chunks, key)
		return nil

	default:
		return fmt.Errorf("%w: cannot mark a version %q", domain.ErrInvalidInput, status)
	}
}

// PruneChunks drops the chunks of a superseded version
func (s *DocumentStore) PruneChunks(ctx context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := versionKey{id, version}
	doc, ok := s.docs[key]
	if !ok {
		return fmt.Errorf("%w: document %s version %d", domain.ErrNotFound, id, version)
	}
	if doc.Status != domain.DocumentStatusSuperseded {
		return fmt.Errorf("%w: document %s version %d is %s", domain.ErrConflict, id, version, doc.Status)
	}
	delete(s.chunks, key)
	return nil
}

// Delete tombstones a document and drops every chunk it has
func (s *DocumentStore) Delete(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.heads[id]
	if !ok {
		return 0, fmt.Errorf("%w: document %s", domain.ErrNotFound, id)
	}
	if head.IsDeleted() {
		return head.CurrentVersion, nil
	}

	now := s.now()
	tombstone := head.CurrentVersion
	if tombstone == 0 {
		tombstone = head.LatestVersion
	}

	for key, doc := range s.docs {
		if key.id != id {
			continue
		}
		switch {
		case key.version == tombstone:
			doc.Status = domain.DocumentStatusDeleted
			doc.UpdatedAt = now
		case doc.Status == domain.DocumentStatusPending:
			// in-flight ingestions must not commit over the tombstone
			doc.Status = domain.DocumentStatusFailed
			doc.UpdatedAt = now
		}
		delete(s.chunks, key)
	}

	head.CurrentVersion = tombstone
	head.Status = domain.DocumentStatusDeleted
	head.ContentHash = ""
	head.UpdatedAt = now
	return tombstone, nil
}

// ListIndexed calls fn with every current indexed version and its chunks,
// in document id order. fn runs outside the store lock.
func (s *DocumentStore) ListIndexed(ctx context.Context, fn func(doc *domain.Document, chunks []domain.Chunk) error) error {
	type snapshot struct {
		doc    *domain.Document
		chunks []domain.Chunk
	}

	s.mu.RLock()
	var snaps []snapshot
	for _, id := range slices.Sorted(maps.Keys(s.heads)) {
		head := s.heads[id]
		if head.Status != domain.DocumentStatusIndexed || head.CurrentVersion == 0 {
			continue
		}
		key := versionKey{id, head.CurrentVersion}
		chunks := make([]domain.Chunk, 0, len(s.chunks[key]))
		for _, c := range s.chunks[key] {
			chunks = append(chunks, cloneChunk(c))
		}
		snaps = append(snaps, snapshot{doc: cloneDocument(s.docs[key]), chunks: chunks})
	}
	s.mu.RUnlock()

	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(snap.doc, snap.chunks); err != nil {
			return err
		}
	}
	return nil
}

// ListStale returns pending versions ingested before the cutoff
func (s *DocumentStore) ListStale(ctx context.Context, before time.Time) ([]*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Document
	for _, doc := range s.docs {
		if doc.Status == domain.DocumentStatusPending && doc.IngestedAt.Before(before) {
			out = append(out, cloneDocument(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// EnsureIndexConfig records the index config on first use and verifies it afterwards
func (s *DocumentStore) EnsureIndexConfig(ctx context.Context, cfg domain.IndexConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexCfg == nil {
		c := cfg
		s.indexCfg = &c
		return nil
	}
	return compareIndexConfig(*s.indexCfg, cfg)
}

func compareIndexConfig(stored, cfg domain.IndexConfig) error {
	if stored.Metric != cfg.Metric || stored.Dimension != cfg.Dimension || stored.ModelVersion != cfg.ModelVersion {
		return fmt.Errorf("%w: index was built with %s/%d/%s, configured %s/%d/%s, full reindex required",
			domain.ErrInvalidConfig,
			stored.Metric, stored.Dimension, stored.ModelVersion,
			cfg.Metric, cfg.Dimension, cfg.ModelVersion)
	}
	return nil
}

func cloneDocument(doc *domain.Document) *domain.Document {
	d := *doc
	d.Metadata = maps.Clone(doc.Metadata)
	return &d
}

func cloneChunk(c domain.Chunk) domain.Chunk {
	if c.Embedding != nil {
		v := domain.Vector{Values: slices.Clone(c.Embedding.Values), Model: c.Embedding.Model}
		c.Embedding = &v
	}
	return c
}
