// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the bounded in-memory cache for search results.
package cache

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tombee/weaver/pkg/search"
)

// Key identifies one cached search invocation.
type Key struct {
	Provider        string
	Query           string
	Profile         string
	FreshnessBucket string
}

// NewKey builds a cache key with the query normalized so equivalent
// spellings share an entry.
func NewKey(provider, query, profile, freshnessBucket string) Key {
	return Key{
		Provider:        provider,
		Query:           NormalizeQuery(query),
		Profile:         profile,
		FreshnessBucket: freshnessBucket,
	}
}

// NormalizeQuery returns the canonical cache form of a query: NFC
// normalization, lowercase, whitespace collapsed to single spaces.
func NormalizeQuery(q string) string {
	folded := strings.ToLower(norm.NFC.String(q))
	return strings.Join(strings.Fields(folded), " ")
}

// DayBucket formats a time into the freshness bucket used for
// time-sensitive queries, so cached results roll over daily.
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    int64
	Misses  int64
	Evicted int64
	Expired int64
	Size    int
}

// Config contains cache configuration.
type Config struct {
	// Capacity bounds the number of entries. Zero disables the cache
	// entirely: every Get misses and every Put drops.
	Capacity int

	// TTL is the time-to-live for entries. Zero means no expiration.
	TTL time.Duration

	// Logger for eviction events. If nil, uses slog.Default()
	Logger *slog.Logger
}

type entry struct {
	key        Key
	hits       []search.Hit
	insertedAt time.Time
}

// Cache is a concurrency-safe LRU cache with TTL. Expired entries are
// removed on read and swept on every insert; once over capacity the least
// recently used entry goes first. Values are deep-copied both ways, so
// callers can never mutate a cached result.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	logger   *slog.Logger
	entries  map[Key]*list.Element
	lru      *list.List // front = most recently used
	stats    Stats

	now func() time.Time
}

// New creates a cache from the configuration.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		logger:   logger,
		entries:  make(map[Key]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get returns a copy of the cached hits for key, if present and fresh.
func (c *Cache) Get(key Key) ([]search.Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		c.stats.Misses++
		return nil, false
	}

	elem, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	ent := elem.Value.(*entry)
	if c.expiredLocked(ent) {
		c.removeLocked(elem)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.stats.Hits++
	return search.CloneHits(ent.hits), true
}

// Put stores a copy of hits under key.
func (c *Cache) Put(key Key, hits []search.Hit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	c.sweepExpiredLocked()

	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry)
		ent.hits = search.CloneHits(hits)
		ent.insertedAt = c.now()
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(&entry{
		key:        key,
		hits:       search.CloneHits(hits),
		insertedAt: c.now(),
	})
	c.entries[key] = elem

	for len(c.entries) > c.capacity {
		c.evictOldestLocked()
	}
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = len(c.entries)
	return s
}

func (c *Cache) expiredLocked(ent *entry) bool {
	return c.ttl > 0 && c.now().Sub(ent.insertedAt) > c.ttl
}

func (c *Cache) sweepExpiredLocked() {
	if c.ttl <= 0 {
		return
	}
	var expired []*list.Element
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		if c.expiredLocked(elem.Value.(*entry)) {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		c.removeLocked(elem)
		c.stats.Expired++
	}
}

func (c *Cache) evictOldestLocked() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	ent := elem.Value.(*entry)
	c.removeLocked(elem)
	c.stats.Evicted++
	c.logger.Debug("search cache entry evicted",
		slog.String("provider", ent.key.Provider),
		slog.String("query", ent.key.Query))
}

func (c *Cache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.lru.Remove(elem)
	delete(c.entries, ent.key)
}
