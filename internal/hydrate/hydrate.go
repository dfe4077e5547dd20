// Package hydrate fetches fuller content for search results whose excerpt
// is too thin to cite.
package hydrate

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/semaphore"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/state"
	"github.com/tombee/weaver/pkg/errors"
)

const (
	defaultSparseThreshold = 200
	defaultConcurrency     = 5
	defaultFetchTimeout    = 20 * time.Second
	defaultMaxTextBytes    = 8 * 1024
)

// Page is the extracted content of one fetched document.
type Page struct {
	Title       string
	Text        string
	PublishedAt *time.Time
}

// Fetcher retrieves and extracts a single document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// Config controls hydration behavior.
type Config struct {
	// Enabled toggles hydration entirely. When false, Hydrate is a no-op.
	Enabled bool

	// SparseThreshold is the excerpt length below which a source is
	// hydrated. Default 200.
	SparseThreshold int

	// Concurrency bounds simultaneous fetches. Default 5.
	Concurrency int64

	// FetchTimeout bounds each individual fetch. Default 20s.
	FetchTimeout time.Duration

	// Allow and Deny are doublestar patterns matched against
	// "host/path". Deny wins; an empty allow list allows everything.
	Allow []string
	Deny  []string
}

func (c Config) withDefaults() Config {
	if c.SparseThreshold <= 0 {
		c.SparseThreshold = defaultSparseThreshold
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	return c
}

// Hydrator fills in FullText for sparse sources, bounded by a weighted
// semaphore. Fetch failures are logged and swallowed: a source that cannot
// be hydrated keeps its original excerpt.
type Hydrator struct {
	fetcher Fetcher
	cfg     Config
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// New creates a Hydrator. It validates the allow and deny patterns up
// front so bad configuration fails at startup rather than per fetch.
func New(fetcher Fetcher, cfg Config, logger *slog.Logger) (*Hydrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	for _, pattern := range append(append([]string{}, cfg.Allow...), cfg.Deny...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.NewConfigError("deepsearch.crawler_patterns",
				"invalid pattern "+pattern)
		}
	}
	return &Hydrator{
		fetcher: fetcher,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		logger:  logger,
	}, nil
}

// Hydrate fetches fuller content for each sparse source, in place. It
// returns early with a CancelledError if the run is cancelled between
// fetches; fetches already in flight are awaited first.
func (h *Hydrator) Hydrate(ctx context.Context, tok *cancel.Token, sources []*state.Source) error {
	if !h.cfg.Enabled || h.fetcher == nil {
		return nil
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for _, src := range sources {
		if !h.needsHydration(src) {
			continue
		}
		if tok != nil {
			if err := tok.At(cancel.AfterSearch); err != nil {
				return err
			}
		}
		if err := h.sem.Acquire(ctx, 1); err != nil {
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer h.sem.Release(1)
			h.hydrateOne(ctx, src)
		}()
	}
	return nil
}

func (h *Hydrator) needsHydration(src *state.Source) bool {
	if src == nil || src.FullText != "" {
		return false
	}
	if len(src.Excerpt) >= h.cfg.SparseThreshold {
		return false
	}
	return h.allowed(src.URL)
}

// allowed matches the source's host/path against the configured patterns.
func (h *Hydrator) allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	target := u.Hostname() + u.Path

	for _, pattern := range h.cfg.Deny {
		if ok, _ := doublestar.Match(pattern, target); ok {
			return false
		}
	}
	if len(h.cfg.Allow) == 0 {
		return true
	}
	for _, pattern := range h.cfg.Allow {
		if ok, _ := doublestar.Match(pattern, target); ok {
			return true
		}
	}
	return false
}

func (h *Hydrator) hydrateOne(ctx context.Context, src *state.Source) {
	ctx, cancelFn := context.WithTimeout(ctx, h.cfg.FetchTimeout)
	defer cancelFn()

	page, err := h.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		h.logger.Debug("hydration fetch failed, keeping excerpt",
			slog.String("url", src.URL),
			slog.String("error", err.Error()))
		return
	}

	text := strings.TrimSpace(page.Text)
	if text == "" {
		return
	}
	src.FullText = text
	if src.Title == "" && page.Title != "" {
		src.Title = page.Title
	}
	if src.PublishedAt == nil && page.PublishedAt != nil {
		src.PublishedAt = page.PublishedAt
	}
}
