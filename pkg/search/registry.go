package search

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	pkgerrors "github.com/tombee/weaver/pkg/errors"
)

var (
	// ErrInvalidProvider indicates a nil provider or an empty provider name.
	ErrInvalidProvider = errors.New("invalid search provider")

	// ErrProviderAlreadyRegistered indicates a duplicate registration.
	ErrProviderAlreadyRegistered = errors.New("search provider already registered")
)

// Registry holds the enabled search providers. Registration is explicit and
// happens at startup; selective enablement is the set of names present.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider under its own name.
func (r *Registry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return ErrInvalidProvider
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, name)
	}
	r.providers[name] = p
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "search provider", ID: name}
	}
	return p, nil
}

// Resolve returns providers for the given names, preserving order.
func (r *Registry) Resolve(names []string) ([]Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(names))
	for _, name := range names {
		p, ok := r.providers[name]
		if !ok {
			return nil, &pkgerrors.NotFoundError{Resource: "search provider", ID: name}
		}
		out = append(out, p)
	}
	return out, nil
}

// List returns the registered provider names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.providers)
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used by package-level
// registration. Orchestrator instances take an explicit registry; the
// default exists for wiring convenience in command entry points.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a provider to the default registry.
func Register(p Provider) error {
	return defaultRegistry.Register(p)
}

// Get returns a provider from the default registry.
func Get(name string) (Provider, error) {
	return defaultRegistry.Get(name)
}
