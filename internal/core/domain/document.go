package domain

import (
	"fmt"
	"time"
)

// DocumentStatus is the lifecycle state of one document version
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"    // written, not yet committed
	DocumentStatusIndexed    DocumentStatus = "indexed"    // current, searchable version
	DocumentStatusFailed     DocumentStatus = "failed"     // ingestion attempt failed, never promoted
	DocumentStatusDeleted    DocumentStatus = "deleted"    // tombstone
	DocumentStatusSuperseded DocumentStatus = "superseded" // replaced by a newer indexed version
)

// IsValid reports whether the status is one of the known values
func (s DocumentStatus) IsValid() bool {
	switch s {
	case DocumentStatusPending, DocumentStatusIndexed, DocumentStatusFailed,
		DocumentStatusDeleted, DocumentStatusSuperseded:
		return true
	}
	return false
}

// Scope determines who may retrieve a document
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeAccount Scope = "account"
	ScopeUser    Scope = "user"
	ScopeSession Scope = "session"
)

// IsValid reports whether the scope is one of the known values
func (s Scope) IsValid() bool {
	switch s {
	case ScopeGlobal, ScopeAccount, ScopeUser, ScopeSession:
		return true
	}
	return false
}

// Owner identifies the account, user and session a document belongs to
type Owner struct {
	AccountID string `json:"account_id,omitempty" yaml:"account_id"`
	UserID    string `json:"user_id,omitempty" yaml:"user_id"`
	SessionID string `json:"session_id,omitempty" yaml:"session_id"`
}

// Document is one version of an ingested document
type Document struct {
	ID          string            `json:"id"`
	Version     int64             `json:"version"`
	Title       string            `json:"title,omitempty"`
	MimeType    string            `json:"mime_type"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	Status      DocumentStatus    `json:"status"`
	Scope       Scope             `json:"scope"`
	Owner       Owner             `json:"owner"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IngestedAt  time.Time         `json:"ingested_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// IsGlobal reports whether every caller may retrieve the document
func (d *Document) IsGlobal() bool {
	return d.Scope == ScopeGlobal || d.Scope == ""
}

// DocumentHead is the per-id record that tracks which version is authoritative
type DocumentHead struct {
	ID             string         `json:"id"`
	CurrentVersion int64          `json:"current_version"` // last indexed version, 0 if none
	LatestVersion  int64          `json:"latest_version"`  // highest version ever allocated
	Status         DocumentStatus `json:"status"`          // status of the current version, deleted for tombstones
	ContentHash    string         `json:"content_hash"`    // hash of the current version
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsDeleted reports whether the document has been tombstoned
func (h *DocumentHead) IsDeleted() bool {
	return h.Status == DocumentStatusDeleted
}

// Vector is an embedding tagged with the model that produced it
type Vector struct {
	Values []float32 `json:"values"`
	Model  string    `json:"model"`
}

// Dimension returns the number of components
func (v Vector) Dimension() int {
	return len(v.Values)
}

// Chunk is a bounded span of a document version.
// StartOffset and EndOffset are byte offsets into Document.Content.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Version     int64     `json:"version"`
	Sequence    int       `json:"sequence"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	Content     string    `json:"content"`
	Embedding   *Vector   `json:"embedding,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChunkID builds the identifier of a chunk from its document, version and sequence
func ChunkID(documentID string, version int64, sequence int) string {
	return fmt.Sprintf("%s_v%d_chunk_%d", documentID, version, sequence)
}
