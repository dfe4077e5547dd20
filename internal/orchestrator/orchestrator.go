// Package orchestrator fans search queries out across providers and merges
// the results into ranked, deduplicated sources.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/weaver/internal/cache"
	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/metrics"
	"github.com/tombee/weaver/internal/source"
	"github.com/tombee/weaver/internal/state"
	pkgerrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/search"
)

// Strategy selects how queries are distributed across providers.
type Strategy string

const (
	// StrategyFallback tries providers in priority order and stops at the
	// first one that yields enough results.
	StrategyFallback Strategy = "fallback"
	// StrategyParallel issues to all selected providers concurrently and
	// merges whatever comes back before the deadline.
	StrategyParallel Strategy = "parallel"
)

// RankWeights control how merged results are scored.
type RankWeights struct {
	Relevance float64 `json:"relevance" yaml:"relevance"`
	Freshness float64 `json:"freshness" yaml:"freshness"`
	Prior     float64 `json:"prior" yaml:"prior"`
}

// DefaultRankWeights returns the standard fusion weights.
func DefaultRankWeights() RankWeights {
	return RankWeights{Relevance: 0.6, Freshness: 0.2, Prior: 0.2}
}

// neutralFreshness scores sources with no publication date.
const neutralFreshness = 0.5

// Config holds service-level orchestration settings.
type Config struct {
	// Profiles maps a profile name to an ordered provider subset.
	// The "general" profile doubles as the fallback for unknown profiles.
	Profiles map[string][]string

	// Priors weight providers by historical quality, on [0, 1].
	// Providers without an entry score 0.5.
	Priors map[string]float64

	// Weights for rank fusion. Zero value means DefaultRankWeights.
	Weights RankWeights

	// HalfLifeDays controls freshness decay. Default 30.
	HalfLifeDays float64

	// Strategy is the default when Options does not set one.
	Strategy Strategy

	// MinResults is the fallback success threshold. Default 1.
	MinResults int

	// ResultsPerQuery bounds each provider request. Default 5.
	ResultsPerQuery int

	// ParallelDeadline bounds the whole parallel fan-out. Default 15s.
	ParallelDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.Profiles == nil {
		c.Profiles = map[string][]string{}
	}
	if c.Weights == (RankWeights{}) {
		c.Weights = DefaultRankWeights()
	}
	if c.HalfLifeDays <= 0 {
		c.HalfLifeDays = 30
	}
	if c.Strategy == "" {
		c.Strategy = StrategyFallback
	}
	if c.MinResults <= 0 {
		c.MinResults = 1
	}
	if c.ResultsPerQuery <= 0 {
		c.ResultsPerQuery = 5
	}
	if c.ParallelDeadline <= 0 {
		c.ParallelDeadline = 15 * time.Second
	}
	return c
}

// Options tune a single Search call.
type Options struct {
	// Strategy overrides the configured default.
	Strategy Strategy

	// Profile selects the provider subset. Unknown profiles fall back
	// to "general".
	Profile string

	// Providers bypasses profile routing entirely when non-empty.
	Providers []string

	// Freshness restricts how recent results must be.
	Freshness search.Freshness

	// MaxResultsPerQuery overrides the configured per-query bound.
	MaxResultsPerQuery int

	// MinResults overrides the fallback success threshold.
	MinResults int
}

// Orchestrator routes queries to providers, consults the cache, and fuses
// results into a deterministic ranked order.
type Orchestrator struct {
	providers   *search.Registry
	reliability *search.Reliability
	cache       *cache.Cache
	cfg         Config
	logger      *slog.Logger

	now func() time.Time
}

// New creates an Orchestrator. reliability and resultCache may be nil, in
// which case providers are called raw and every lookup misses.
func New(providers *search.Registry, reliability *search.Reliability, resultCache *cache.Cache, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		providers:   providers,
		reliability: reliability,
		cache:       resultCache,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		now:         time.Now,
	}
}

// Search runs the query set across the selected providers and returns
// merged sources sorted by rank score. Partial provider failure is
// tolerated as long as at least one provider succeeds.
func (o *Orchestrator) Search(ctx context.Context, tok *cancel.Token, queries []string, opts Options) ([]*state.Source, error) {
	if err := o.checkpoint(ctx, tok); err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return nil, pkgerrors.NewValidationError("queries", "at least one query is required", "")
	}

	provs, err := o.selectProviders(opts)
	if err != nil {
		return nil, err
	}

	merged := source.NewRegistry()
	switch o.strategy(opts) {
	case StrategyParallel:
		err = o.searchParallel(ctx, tok, merged, provs, queries, opts)
	default:
		err = o.searchFallback(ctx, tok, merged, provs, queries, opts)
	}
	if err != nil {
		return nil, err
	}
	if err := o.checkpoint(ctx, tok); err != nil {
		return nil, err
	}

	return o.rank(merged.List()), nil
}

// HasProviders reports whether any search provider is registered. Runs
// that need search fail fast on an empty registry before spending any
// model tokens.
func (o *Orchestrator) HasProviders() bool {
	return o.providers != nil && o.providers.Len() > 0
}

// CircuitSnapshots exposes the current breaker state per provider for
// status reporting.
func (o *Orchestrator) CircuitSnapshots() []search.Circuit {
	if o.reliability == nil {
		return nil
	}
	return o.reliability.Snapshots()
}

func (o *Orchestrator) strategy(opts Options) Strategy {
	if opts.Strategy != "" {
		return opts.Strategy
	}
	return o.cfg.Strategy
}

func (o *Orchestrator) minResults(opts Options) int {
	if opts.MinResults > 0 {
		return opts.MinResults
	}
	return o.cfg.MinResults
}

func (o *Orchestrator) maxResults(opts Options) int {
	if opts.MaxResultsPerQuery > 0 {
		return opts.MaxResultsPerQuery
	}
	return o.cfg.ResultsPerQuery
}

// selectProviders resolves the provider subset for this call: explicit
// override, then profile routing, then degradation to the general subset
// when every routed provider has an open circuit.
func (o *Orchestrator) selectProviders(opts Options) ([]search.Provider, error) {
	names := opts.Providers
	profile := opts.Profile
	if len(names) == 0 {
		subset, ok := o.cfg.Profiles[profile]
		if !ok {
			if profile != "" && profile != "general" {
				o.logger.Debug("unknown search profile, using general",
					slog.String("profile", profile))
			}
			subset = o.cfg.Profiles["general"]
		}
		names = subset
	}
	if len(names) == 0 {
		names = o.providers.List()
	}

	provs := o.resolve(names)
	if len(provs) == 0 {
		return nil, pkgerrors.ErrNoProviders
	}

	if o.allCircuitsOpen(provs) {
		general := o.resolve(o.cfg.Profiles["general"])
		if len(general) > 0 && !o.allCircuitsOpen(general) {
			o.logger.Warn("all providers for profile circuit-open, degrading to general subset",
				slog.String("profile", profile))
			provs = general
		}
	}
	return provs, nil
}

// resolve maps names to registered providers, wrapping each with the
// reliability layer. Unregistered names are skipped with a warning since
// profile routing is advisory.
func (o *Orchestrator) resolve(names []string) []search.Provider {
	provs := make([]search.Provider, 0, len(names))
	for _, name := range names {
		p, err := o.providers.Get(name)
		if err != nil {
			o.logger.Warn("configured search provider not registered",
				slog.String("provider", name))
			continue
		}
		if o.reliability != nil {
			p = o.reliability.Wrap(p)
		}
		provs = append(provs, p)
	}
	return provs
}

func (o *Orchestrator) allCircuitsOpen(provs []search.Provider) bool {
	if o.reliability == nil || len(provs) == 0 {
		return false
	}
	for _, p := range provs {
		c, ok := o.reliability.Snapshot(p.Name())
		if !ok || c.State != search.CircuitOpen {
			return false
		}
	}
	return true
}

// searchFallback tries providers in priority order, accumulating results
// until the merged set meets the minimum.
func (o *Orchestrator) searchFallback(ctx context.Context, tok *cancel.Token, merged *source.Registry, provs []search.Provider, queries []string, opts Options) error {
	var errs []error
	for _, prov := range provs {
		hits, err := o.collectHits(ctx, prov, queries, opts)
		if cerr := o.checkpoint(ctx, tok); cerr != nil {
			return cerr
		}
		if err != nil {
			o.logger.Warn("search provider failed, falling back",
				slog.String("provider", prov.Name()),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		o.addHits(merged, hits)
		if merged.Len() >= o.minResults(opts) {
			return nil
		}
	}
	if merged.Len() > 0 {
		return nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("all search providers failed: %w", stderrors.Join(errs...))
	}
	return nil
}

// searchParallel fans out to every provider at once and merges whatever
// succeeds. Results are merged in provider priority order regardless of
// completion order, so output is deterministic.
func (o *Orchestrator) searchParallel(ctx context.Context, tok *cancel.Token, merged *source.Registry, provs []search.Provider, queries []string, opts Options) error {
	ctx, cancelFn := context.WithTimeout(ctx, o.cfg.ParallelDeadline)
	defer cancelFn()

	results := make([][]search.Hit, len(provs))
	errs := make([]error, len(provs))

	var g errgroup.Group
	for i, prov := range provs {
		g.Go(func() error {
			results[i], errs[i] = o.collectHits(ctx, prov, queries, opts)
			return nil
		})
	}
	g.Wait()

	if err := o.checkpoint(ctx, tok); err != nil {
		return err
	}

	succeeded := 0
	for i, prov := range provs {
		if errs[i] != nil {
			o.logger.Warn("search provider failed, merging partial results",
				slog.String("provider", prov.Name()),
				slog.String("error", errs[i].Error()))
			continue
		}
		succeeded++
		o.addHits(merged, results[i])
	}
	if succeeded == 0 {
		return fmt.Errorf("all search providers failed: %w", stderrors.Join(errs...))
	}
	return nil
}

// collectHits runs every query against one provider, consulting the cache
// per query. It fails only when every query fails.
func (o *Orchestrator) collectHits(ctx context.Context, prov search.Provider, queries []string, opts Options) ([]search.Hit, error) {
	bucket := o.freshnessBucket(opts.Freshness)
	var all []search.Hit
	var errs []error
	for _, query := range queries {
		if ctx.Err() != nil {
			return all, ctx.Err()
		}

		key := cache.NewKey(prov.Name(), query, opts.Profile, bucket)
		if o.cache != nil {
			if hits, ok := o.cache.Get(key); ok {
				metrics.RecordCacheLookup(true)
				all = append(all, stampRelevance(hits)...)
				continue
			}
			metrics.RecordCacheLookup(false)
		}

		hits, err := prov.Search(ctx, search.Request{
			Query:      query,
			MaxResults: o.maxResults(opts),
			Profile:    opts.Profile,
			Freshness:  opts.Freshness,
		})
		metrics.RecordSearch(prov.Name(), searchOutcome(err))
		if err != nil {
			errs = append(errs, fmt.Errorf("query %q: %w", query, err))
			continue
		}
		if o.cache != nil {
			o.cache.Put(key, hits)
		}
		all = append(all, stampRelevance(hits)...)
	}
	if len(all) == 0 && len(errs) > 0 {
		return nil, stderrors.Join(errs...)
	}
	return all, nil
}

func (o *Orchestrator) freshnessBucket(f search.Freshness) string {
	if f == search.FreshnessAny {
		return ""
	}
	return string(f) + ":" + cache.DayBucket(o.now())
}

func (o *Orchestrator) addHits(merged *source.Registry, hits []search.Hit) {
	for _, hit := range hits {
		src := state.Source{
			RawURL:         hit.URL,
			Title:          hit.Title,
			Excerpt:        hit.Snippet,
			Provider:       hit.Provider,
			PublishedAt:    hit.PublishedAt,
			RelevanceScore: hit.Relevance,
		}
		if _, _, err := merged.Add(&src); err != nil {
			o.logger.Debug("dropping unusable search hit",
				slog.String("url", hit.URL),
				slog.String("error", err.Error()))
		}
	}
}

// rank computes freshness and fused rank scores, then orders sources by
// rank descending with deterministic tie-breaks.
func (o *Orchestrator) rank(sources []state.Source) []*state.Source {
	now := o.now()
	ranked := make([]*state.Source, 0, len(sources))
	for i := range sources {
		src := sources[i]
		freshness := neutralFreshness
		if src.PublishedAt != nil {
			age := now.Sub(*src.PublishedAt).Hours() / 24
			if age < 0 {
				age = 0
			}
			src.FreshnessDays = &age
			freshness = math.Exp(-age / o.cfg.HalfLifeDays)
		}
		src.RankScore = o.cfg.Weights.Relevance*src.RelevanceScore +
			o.cfg.Weights.Freshness*freshness +
			o.cfg.Weights.Prior*o.prior(src)
		ranked = append(ranked, &src)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].RankScore != ranked[j].RankScore {
			return ranked[i].RankScore > ranked[j].RankScore
		}
		if ranked[i].RelevanceScore != ranked[j].RelevanceScore {
			return ranked[i].RelevanceScore > ranked[j].RelevanceScore
		}
		return ranked[i].SourceID < ranked[j].SourceID
	})
	return ranked
}

// prior returns the best configured prior across the providers that
// reported this source.
func (o *Orchestrator) prior(src state.Source) float64 {
	const defaultPrior = 0.5
	if len(o.cfg.Priors) == 0 {
		return defaultPrior
	}
	best := -1.0
	for _, name := range src.Providers {
		if p, ok := o.cfg.Priors[name]; ok && p > best {
			best = p
		}
	}
	if best < 0 {
		if p, ok := o.cfg.Priors[src.Provider]; ok {
			return p
		}
		return defaultPrior
	}
	return best
}

// checkpoint folds context state and the cooperative token into one check.
func (o *Orchestrator) checkpoint(ctx context.Context, tok *cancel.Token) error {
	if tok != nil {
		if err := tok.At(cancel.AfterSearch); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// stampRelevance fills positional relevance for hits whose provider did
// not report a score: the first hit in a result page scores 1.0, decaying
// linearly to 1/n.
func stampRelevance(hits []search.Hit) []search.Hit {
	n := len(hits)
	for i := range hits {
		if hits[i].Relevance == 0 {
			hits[i].Relevance = 1.0 - float64(i)/float64(n)
		}
	}
	return hits
}

func searchOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch pkgerrors.ProviderKind(err) {
	case pkgerrors.KindTimeout:
		return "timeout"
	case pkgerrors.KindRateLimited:
		return "rate_limited"
	default:
		return "error"
	}
}
