package search

import (
	"context"
	"sync"
)

// MockProvider is a scriptable search provider for tests.
type MockProvider struct {
	// ProviderName overrides the default name "mock".
	ProviderName string

	// SearchFunc overrides Search entirely when set.
	SearchFunc func(ctx context.Context, req Request) ([]Hit, error)

	// Hits is returned by default when SearchFunc is nil.
	Hits []Hit

	// Err is returned by default when SearchFunc is nil and Err is set.
	Err error

	mu    sync.Mutex
	calls []Request
}

var _ Provider = (*MockProvider)(nil)

// Name returns the configured provider name.
func (m *MockProvider) Name() string {
	if m.ProviderName != "" {
		return m.ProviderName
	}
	return "mock"
}

// Search records the request and returns the scripted response.
func (m *MockProvider) Search(ctx context.Context, req Request) ([]Hit, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}

	hits := CloneHits(m.Hits)
	if req.MaxResults > 0 && len(hits) > req.MaxResults {
		hits = hits[:req.MaxResults]
	}
	for i := range hits {
		if hits[i].Provider == "" {
			hits[i].Provider = m.Name()
		}
	}
	return hits, nil
}

// Calls returns a copy of all recorded requests.
func (m *MockProvider) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Search invocations.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.calls)
}
