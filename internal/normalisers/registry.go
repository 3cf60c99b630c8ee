package normalisers

import (
	"maps"
	"mime"
	"slices"
	"strings"
	"sync"

	"github.com/custodia-labs/ragdoc/internal/core/ports/driven"
)

var _ driven.NormaliserRegistry = (*Registry)(nil)

// Registry picks a normaliser by MIME type. Entries are kept ordered by
// descending priority, so lookups return the first match.
type Registry struct {
	mu      sync.RWMutex
	entries []driven.Normaliser
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a registry holding every built-in normaliser.
// Plain text is the fallback for unmatched types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, n := range []driven.Normaliser{
		&PlaintextNormaliser{},
		&MarkdownNormaliser{},
		&HTMLNormaliser{},
		&CSVNormaliser{},
		&JSONNormaliser{},
	} {
		r.Register(n)
	}
	return r
}

// Register adds n after every entry of equal or higher priority
func (r *Registry) Register(n driven.Normaliser) {
	r.mu.Lock()
	defer r.mu.Unlock()

	at, _ := slices.BinarySearchFunc(r.entries, n.Priority(), func(e driven.Normaliser, p int) int {
		if e.Priority() >= p {
			return -1
		}
		return 1
	})
	r.entries = slices.Insert(r.entries, at, n)
}

func (r *Registry) Get(mimeType string) driven.Normaliser {
	mediaType := baseType(mimeType)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.entries {
		if accepts(n, mediaType) {
			return n
		}
	}
	return nil
}

func (r *Registry) GetAll(mimeType string) []driven.Normaliser {
	mediaType := baseType(mimeType)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []driven.Normaliser
	for _, n := range r.entries {
		if accepts(n, mediaType) {
			out = append(out, n)
		}
	}
	return out
}

// List returns the distinct registered MIME patterns, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, n := range r.entries {
		for _, t := range n.SupportedTypes() {
			seen[t] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Normalise applies the best normaliser for mimeType, defaulting to
// text/plain. Content without a matching normaliser is returned as is.
func (r *Registry) Normalise(content, mimeType string) string {
	if mimeType == "" {
		mimeType = "text/plain"
	}
	if n := r.Get(mimeType); n != nil {
		return n.Normalise(content, mimeType)
	}
	return content
}

// baseType strips parameters such as charset and lowercases the media type
func baseType(mimeType string) string {
	if mediaType, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mediaType
	}
	mediaType, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func accepts(n driven.Normaliser, mediaType string) bool {
	return slices.ContainsFunc(n.SupportedTypes(), func(pattern string) bool {
		return matchPattern(strings.ToLower(pattern), mediaType)
	})
}

// matchPattern matches a media type against an exact type, "major/*" or "*/*"
func matchPattern(pattern, mediaType string) bool {
	if pattern == "*/*" || pattern == mediaType {
		return true
	}
	major, ok := strings.CutSuffix(pattern, "/*")
	return ok && strings.HasPrefix(mediaType, major+"/")
}
