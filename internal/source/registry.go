package source

import (
	"sync"

	"github.com/tombee/weaver/internal/state"
)

// Registry deduplicates evidence by canonical URL and hands out stable
// source IDs. It is safe for concurrent use; canonicalize-and-insert is
// atomic with respect to other callers.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*state.Source
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*state.Source),
	}
}

// Add canonicalizes the source's URL and inserts it. The source's SourceID
// and URL fields are set to the derived ID and canonical form. On a
// duplicate the registry keeps the first-seen title and excerpt, unions the
// provider tags, and returns the existing ID with existed=true.
func (r *Registry) Add(src *state.Source) (string, bool, error) {
	raw := src.RawURL
	if raw == "" {
		raw = src.URL
	}
	id, canonical, err := Fingerprint(raw)
	if err != nil {
		return "", false, err
	}

	src.SourceID = id
	src.URL = canonical
	if src.RawURL == "" {
		src.RawURL = raw
	}
	if len(src.Providers) == 0 && src.Provider != "" {
		src.Providers = []string{src.Provider}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[id]; ok {
		for _, p := range src.Providers {
			if !containsString(existing.Providers, p) {
				existing.Providers = append(existing.Providers, p)
			}
		}
		// Fill fields the first sighting lacked; never overwrite.
		if existing.Excerpt == "" {
			existing.Excerpt = src.Excerpt
		}
		if existing.PublishedAt == nil && src.PublishedAt != nil {
			t := *src.PublishedAt
			existing.PublishedAt = &t
		}
		if src.RelevanceScore > existing.RelevanceScore {
			existing.RelevanceScore = src.RelevanceScore
		}
		return id, true, nil
	}

	stored := src.Clone()
	r.byID[id] = &stored
	r.order = append(r.order, id)
	return id, false, nil
}

// Get returns a copy of the source with the given ID.
func (r *Registry) Get(id string) (state.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src, ok := r.byID[id]
	if !ok {
		return state.Source{}, false
	}
	return src.Clone(), true
}

// List returns copies of all sources in insertion order.
func (r *Registry) List() []state.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]state.Source, 0, len(r.order))
	for _, id := range r.order {
		if src, ok := r.byID[id]; ok {
			out = append(out, src.Clone())
		}
	}
	return out
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byID)
}

func containsString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
