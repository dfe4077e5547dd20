// Package search defines the search provider boundary: the Provider
// interface, raw hit types, a registry, and a reliability layer that wraps
// any provider with timeouts, rate limiting, retries and a circuit breaker.
package search

import (
	"context"
	"time"
)

// Provider is a single search backend.
type Provider interface {
	// Name returns the provider identifier used for registration,
	// configuration and circuit bookkeeping.
	Name() string

	// Search executes one query and returns raw hits. Implementations must
	// honor context cancellation and deadlines.
	Search(ctx context.Context, req Request) ([]Hit, error)
}

// Freshness restricts results to a recency window. Providers that do not
// support the hint ignore it.
type Freshness string

const (
	FreshnessAny   Freshness = ""
	FreshnessDay   Freshness = "day"
	FreshnessWeek  Freshness = "week"
	FreshnessMonth Freshness = "month"
	FreshnessYear  Freshness = "year"
)

// Request is a single search invocation.
type Request struct {
	// Query is the search text.
	Query string `json:"query"`

	// MaxResults caps the number of hits returned (0 = provider default).
	MaxResults int `json:"max_results,omitempty"`

	// Profile is an advisory domain hint (e.g. "academic", "news").
	Profile string `json:"profile,omitempty"`

	// Freshness is an optional recency window hint.
	Freshness Freshness `json:"freshness,omitempty"`
}

// Hit is one raw search result before canonicalization and merging.
type Hit struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`

	// Provider records which backend produced the hit.
	Provider string `json:"provider,omitempty"`

	// PublishedAt is set when the provider reports a publication date.
	PublishedAt *time.Time `json:"published_at,omitempty"`

	// Relevance is the provider's score mapped into [0, 1]. Zero means the
	// provider did not report one; callers derive a positional score then.
	Relevance float64 `json:"relevance,omitempty"`
}

// Clone returns a copy that shares no pointers with the original.
func (h Hit) Clone() Hit {
	out := h
	if h.PublishedAt != nil {
		t := *h.PublishedAt
		out.PublishedAt = &t
	}
	return out
}

// CloneHits deep-copies a hit slice.
func CloneHits(hits []Hit) []Hit {
	if hits == nil {
		return nil
	}
	out := make([]Hit, len(hits))
	for i, h := range hits {
		out[i] = h.Clone()
	}
	return out
}
