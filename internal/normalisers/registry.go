package normalisers

import (
	"mime"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/custodia-labs/evergreen-sync/internal/core/ports/driven"
)

var _ driven.NormaliserRegistry = (*Registry)(nil)

// Registry selects a normaliser by MIME type. When several match, the
// highest priority wins; ties go to the one registered first.
type Registry struct {
	mu          sync.RWMutex
	normalisers []driven.Normaliser
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a registry holding the normalisers used for
// provider content: plain text, markdown and HTML mail or page bodies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewPlaintext())
	r.Register(NewMarkdown())
	r.Register(NewHTML())
	return r
}

// Register adds a normaliser.
func (r *Registry) Register(n driven.Normaliser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.normalisers = append(r.normalisers, n)
}

// Get returns the best match for mimeType, or nil. Parameters such as
// charset are ignored.
func (r *Registry) Get(mimeType string) driven.Normaliser {
	matches := r.matching(mimeType)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

func (r *Registry) matching(mimeType string) []driven.Normaliser {
	mediaType := baseType(mimeType)
	if mediaType == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []driven.Normaliser
	for _, n := range r.normalisers {
		if slices.ContainsFunc(n.SupportedTypes(), func(pattern string) bool {
			return matchType(pattern, mediaType)
		}) {
			matches = append(matches, n)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Priority() > matches[j].Priority()
	})
	return matches
}

// List returns every registered MIME type pattern, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var types []string
	for _, n := range r.normalisers {
		for _, t := range n.SupportedTypes() {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

// baseType strips parameters and lowercases the media type.
func baseType(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType, _, _ = strings.Cut(mimeType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

// matchType supports exact types, "text/*" and "*/*".
func matchType(pattern, mediaType string) bool {
	pattern = strings.ToLower(pattern)
	if pattern == mediaType || pattern == "*/*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(mediaType, prefix+"/")
	}
	return false
}
