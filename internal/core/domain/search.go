package domain

import (
	"slices"
	"time"
)

// Filter restricts which documents a query may return
type Filter struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
	Scope       Scope    `json:"scope,omitempty"` // empty means no scope restriction
	Owner       Owner    `json:"owner"`
}

// Matches reports whether an entry with the given provenance passes the filter.
// A scoped filter admits documents owned by the matching principal and global documents.
func (f *Filter) Matches(documentID string, scope Scope, owner Owner) bool {
	if f == nil {
		return true
	}
	if len(f.DocumentIDs) > 0 && !slices.Contains(f.DocumentIDs, documentID) {
		return false
	}

	global := scope == ScopeGlobal || scope == ""
	switch f.Scope {
	case "":
		return true
	case ScopeGlobal:
		return global
	case ScopeAccount:
		return global || (f.Owner.AccountID != "" && owner.AccountID == f.Owner.AccountID)
	case ScopeUser:
		return global || (f.Owner.UserID != "" && owner.UserID == f.Owner.UserID)
	case ScopeSession:
		return global || (f.Owner.SessionID != "" && owner.SessionID == f.Owner.SessionID)
	}
	return false
}

// Query is a retrieval request
type Query struct {
	Text   string  `json:"text"`
	K      int     `json:"k"`
	Filter *Filter `json:"filter,omitempty"`

	// MinScore overrides the index minimum score when set
	MinScore *float64 `json:"min_score,omitempty"`
}

// Hit is one ranked chunk with its provenance
type Hit struct {
	Chunk      *Chunk  `json:"chunk"`
	DocumentID string  `json:"document_id"`
	Version    int64   `json:"version"`
	Title      string  `json:"title,omitempty"`
	Score      float64 `json:"score"`
}

// RetrievalResult is the ranked answer to a query
type RetrievalResult struct {
	Query      string        `json:"query"`
	Hits       []*Hit        `json:"hits"`
	TotalCount int           `json:"total_count"`
	Took       time.Duration `json:"took"`
}
