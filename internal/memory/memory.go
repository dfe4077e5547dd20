// Package memory provides lightweight recall of prior research findings.
// The engine records epoch summaries under a per-user namespace and
// retrieves the most relevant ones to seed planning on later runs.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/weaver/internal/cache"
)

// DefaultTopK bounds Search results when the caller passes topK <= 0.
const DefaultTopK = 5

// DefaultHalfLifeDays controls how fast old records lose ground to newer
// ones during scoring.
const DefaultHalfLifeDays = 14.0

// Record is a single remembered finding.
type Record struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (r Record) clone() Record {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Store persists and retrieves records by namespace. Implementations must
// be safe for concurrent use. A nil Store disables recall entirely.
type Store interface {
	// Add stores a record under the namespace.
	Add(ctx context.Context, namespace string, rec Record) error

	// Search returns up to topK records relevant to the query, best first.
	Search(ctx context.Context, namespace, query string, topK int) ([]Record, error)
}

// InProcess is a Store backed by process-local maps. Records vanish on
// restart.
type InProcess struct {
	halfLife float64
	now      func() time.Time

	mu      sync.RWMutex
	records map[string][]Record
}

var _ Store = (*InProcess)(nil)

// NewInProcess creates an empty in-process store. halfLifeDays <= 0 selects
// DefaultHalfLifeDays.
func NewInProcess(halfLifeDays float64) *InProcess {
	if halfLifeDays <= 0 {
		halfLifeDays = DefaultHalfLifeDays
	}
	return &InProcess{
		halfLife: halfLifeDays,
		now:      time.Now,
		records:  make(map[string][]Record),
	}
}

// Add stores a record under the namespace. A zero CreatedAt is stamped with
// the current time.
func (s *InProcess) Add(ctx context.Context, namespace string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec = rec.clone()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[namespace] = append(s.records[namespace], rec)
	return nil
}

// Search scores records by the fraction of query terms they contain,
// discounted by age with the configured half-life. Records sharing no terms
// with the query are omitted, so an unrelated query returns nothing rather
// than the namespace's newest entries.
func (s *InProcess) Search(ctx context.Context, namespace, query string, topK int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	terms := strings.Fields(cache.NormalizeQuery(query))
	if len(terms) == 0 {
		return nil, nil
	}

	type scored struct {
		rec   Record
		score float64
	}

	now := s.now().UTC()
	var candidates []scored

	s.mu.RLock()
	for _, rec := range s.records[namespace] {
		text := cache.NormalizeQuery(rec.Text)
		matched := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		ageDays := now.Sub(rec.CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		score := float64(matched) / float64(len(terms)) * math.Exp(-ageDays/s.halfLife)
		candidates = append(candidates, scored{rec: rec, score: score})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].rec.CreatedAt.After(candidates[j].rec.CreatedAt)
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	out := make([]Record, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.rec.clone())
	}
	return out, nil
}
