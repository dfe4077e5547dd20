package sdk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tombee/weaver/internal/cache"
	"github.com/tombee/weaver/internal/checkpoint"
	"github.com/tombee/weaver/internal/config"
	"github.com/tombee/weaver/internal/controller"
	"github.com/tombee/weaver/internal/deepsearch"
	"github.com/tombee/weaver/internal/evaluate"
	"github.com/tombee/weaver/internal/events"
	"github.com/tombee/weaver/internal/hydrate"
	"github.com/tombee/weaver/internal/log"
	"github.com/tombee/weaver/internal/memory"
	"github.com/tombee/weaver/internal/orchestrator"
	"github.com/tombee/weaver/internal/secrets"
	"github.com/tombee/weaver/internal/truncate"
	"github.com/tombee/weaver/internal/workflow"
	weavererrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
	llmproviders "github.com/tombee/weaver/pkg/llm/providers"
	"github.com/tombee/weaver/pkg/search"
	searchproviders "github.com/tombee/weaver/pkg/search/providers"
)

// Client is an embedded research engine. It owns the full pipeline from
// mode routing through report evaluation, an isolated run controller,
// and a checkpoint store. Instances are independent; none share state.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	// Injected via options; nil means build from configuration.
	llmProvider     llm.Provider
	searchProviders []search.Provider

	controller *controller.Controller

	closeMu sync.Mutex
	closed  bool
}

// New creates a Client with the given options and assembles the
// pipeline. Without options the documented configuration defaults
// apply, which require an OpenAI API key via llm.api_key or
// WEAVER_LLM_API_KEY.
//
// Example:
//
//	client, err := sdk.New(
//		sdk.WithConfigFile("weaver.yaml"),
//		sdk.WithLogger(slog.Default()),
//	)
//	if err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
func New(opts ...Option) (*Client, error) {
	c := &Client{cfg: config.Default()}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if err := c.assemble(); err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops accepting new runs, cancels active ones, waits for them
// to wind down, and closes the checkpoint store. Parked runs stay
// resumable when the store is durable.
//
// Close is safe to call multiple times.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.controller.Close(ctx)
}

// assemble builds the pipeline bottom-up: providers, search
// orchestration, the deep-search engine, the workflow graph, and
// finally the controller that owns run lifecycles.
func (c *Client) assemble() error {
	cfg := c.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	if c.logger == nil {
		c.logger = log.New(&log.Config{
			Level:     cfg.Log.Level,
			Format:    log.Format(cfg.Log.Format),
			Output:    os.Stderr,
			AddSource: cfg.Log.Source,
		})
	}
	logger := c.logger

	resolver := secrets.NewResolver()
	for _, warn := range cfg.ResolveSecrets(func(ref string) (string, error) {
		return resolver.Resolve(context.Background(), ref)
	}) {
		logger.Warn("secret resolution failed", log.String("secret", warn))
	}

	provider, err := c.buildLLMProvider()
	if err != nil {
		return err
	}

	stack, err := c.buildSearch()
	if err != nil {
		return err
	}

	var resultCache *cache.Cache
	if cfg.Search.Cache.MaxSize > 0 {
		resultCache = cache.New(cache.Config{
			Capacity: cfg.Search.Cache.MaxSize,
			TTL:      time.Duration(cfg.Search.Cache.TTLSeconds) * time.Second,
			Logger:   logger,
		})
	}

	orch := orchestrator.New(stack.registry, stack.reliability, resultCache, orchestrator.Config{
		Profiles: searchProfiles(cfg.Search.Profiles, stack.order),
		Priors:   stack.priors,
		Weights: orchestrator.RankWeights{
			Relevance: cfg.Rank.WRelevance,
			Freshness: cfg.Rank.WFreshness,
			Prior:     cfg.Rank.WProviderPrior,
		},
		HalfLifeDays:    cfg.Rank.HalfLifeDays,
		Strategy:        orchestrator.Strategy(cfg.Search.Strategy),
		MinResults:      cfg.Search.MinResults,
		ResultsPerQuery: cfg.DeepSearch.ResultsPerQuery,
	}, logger)

	var hydrator *hydrate.Hydrator
	if cfg.Hydrator.Enabled {
		fetchTimeout := time.Duration(cfg.Hydrator.TimeoutSeconds) * time.Second
		fetcher, err := hydrate.NewHTTPFetcher(fetchTimeout, cfg.Hydrator.MaxTextBytes)
		if err != nil {
			return err
		}
		hydrator, err = hydrate.New(fetcher, hydrate.Config{
			Enabled:         true,
			SparseThreshold: cfg.Hydrator.SparseThreshold,
			Concurrency:     int64(cfg.Hydrator.MaxConcurrency),
			FetchTimeout:    fetchTimeout,
			Allow:           cfg.Hydrator.Allow,
			Deny:            cfg.Hydrator.Deny,
		}, logger)
		if err != nil {
			return err
		}
	}

	var recall memory.Store
	if cfg.Memory.Enabled {
		recall = memory.NewInProcess(cfg.Rank.HalfLifeDays)
	}

	trunc, err := truncate.ParseStrategy(cfg.Context.TruncationStrategy)
	if err != nil {
		return err
	}
	dsMode, err := deepsearch.ParseMode(cfg.DeepSearch.Mode)
	if err != nil {
		return err
	}

	engine := deepsearch.New(provider, orch, hydrator, recall, deepsearch.Config{
		MaxEpochs:        cfg.DeepSearch.MaxEpochs,
		QueryNum:         cfg.DeepSearch.QueryNum,
		ResultsPerQuery:  cfg.DeepSearch.ResultsPerQuery,
		Mode:             dsMode,
		TreeBranches:     cfg.DeepSearch.TreeBranches,
		TreeDepth:        cfg.DeepSearch.TreeDepth,
		RootThreshold:    cfg.DeepSearch.RootThreshold,
		Profile:          cfg.DeepSearch.Profile,
		RecallTopK:       cfg.Memory.TopK,
		Model:            cfg.LLM.Model,
		ContextMaxTokens: cfg.Context.MaxTokens,
		Truncation:       trunc,
	}, logger)

	rules := make([]workflow.Rule, 0, len(cfg.Router.Rules))
	for _, r := range cfg.Router.Rules {
		rules = append(rules, workflow.Rule{When: r.When, Mode: r.Mode})
	}

	graph, err := workflow.New(provider, orch, engine, workflow.Options{
		Model:              cfg.LLM.Model,
		QueryNum:           cfg.DeepSearch.QueryNum,
		ResultsPerQuery:    cfg.DeepSearch.ResultsPerQuery,
		Rules:              rules,
		MinConfidence:      cfg.Router.MinConfidence,
		AgentMaxIterations: cfg.Agent.MaxIterations,
		ContextMaxTokens:   cfg.Context.MaxTokens,
		Truncation:         trunc,
		Evaluator: evaluate.Config{
			MinCoverage:         cfg.Evaluator.MinCoverage,
			MinFresh:            cfg.Evaluator.MinFreshness,
			FreshnessWindowDays: cfg.Evaluator.FreshnessWindowDays,
			MaxRevisions:        cfg.Evaluator.MaxRevisions,
		},
		Verifier: evaluate.VerifierConfig{
			MaxCalls: cfg.Evaluator.MaxVerifierCalls,
		},
	}, logger)
	if err != nil {
		return err
	}

	store := checkpoint.OpenStore(cfg.Runs.CheckpointBackend, cfg.Runs.SQLitePath, true, logger)
	bus := events.NewBusSized(cfg.Events.Buffer, cfg.Events.SubscriberBuffer, logger)

	ctrl, err := controller.New(graph, store, bus, controller.Config{
		MaxParallel: cfg.Runs.MaxParallel,
		RunTimeout:  cfg.RunTimeout(),
		MaxTokens:   cfg.DeepSearch.MaxTokens,
		MaxSeconds:  cfg.DeepSearch.MaxSeconds,
	}, logger)
	if err != nil {
		return err
	}
	c.controller = ctrl
	return nil
}

// buildLLMProvider returns the injected provider or constructs one from
// configuration with retry wrapping.
func (c *Client) buildLLMProvider() (llm.Provider, error) {
	if c.llmProvider != nil {
		return c.llmProvider, nil
	}
	cfg := c.cfg
	switch name := cfg.LLM.Provider; name {
	case "", "openai":
		base, err := llmproviders.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL)
		if err != nil {
			return nil, err
		}
		return llm.NewRetryableProvider(base, retrySettings(cfg.LLM.Retry)), nil
	default:
		return nil, weavererrors.NewConfigError("llm.provider",
			fmt.Sprintf("unknown provider %q, inject one with WithLLMProvider", name))
	}
}

// retrySettings maps the config retry block onto the provider wrapper.
// Backoff schedules collapse onto the multiplier: exponential doubles,
// linear grows by half, constant repeats the initial delay.
func retrySettings(r config.RetrySettings) llm.RetryConfig {
	rc := llm.DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		rc.MaxRetries = r.MaxAttempts
	}
	if r.InitialDelayMS > 0 {
		rc.InitialDelay = time.Duration(r.InitialDelayMS) * time.Millisecond
	}
	if r.MaxDelayMS > 0 {
		rc.MaxDelay = time.Duration(r.MaxDelayMS) * time.Millisecond
	}
	switch r.Backoff {
	case "linear":
		rc.Multiplier = 1.5
	case "constant":
		rc.Multiplier = 1.0
	}
	return rc
}

// searchStack is the assembled provider side of search: the registry,
// the shared reliability layer, rank priors, and registration order.
// Order doubles as fallback priority.
type searchStack struct {
	registry    *search.Registry
	reliability *search.Reliability
	priors      map[string]float64
	order       []string
}

// buildSearch registers either the injected providers or the configured
// ones. Configured providers get per-provider reliability settings
// seeded into the shared wrapper so the orchestrator reuses them.
func (c *Client) buildSearch() (*searchStack, error) {
	stack := &searchStack{
		registry: search.NewRegistry(),
		reliability: search.NewReliability(search.DefaultReliabilityConfig(),
			search.WithLogger(c.logger)),
		priors: make(map[string]float64),
	}

	if len(c.searchProviders) > 0 {
		for _, p := range c.searchProviders {
			if err := stack.registry.Register(p); err != nil {
				return nil, err
			}
			stack.order = append(stack.order, p.Name())
		}
		return stack, nil
	}

	for i, pc := range c.cfg.Search.Providers {
		p, err := buildSearchProvider(pc)
		if err != nil {
			return nil, weavererrors.Wrapf(err, "search.providers[%d]", i)
		}
		if err := stack.registry.Register(p); err != nil {
			return nil, err
		}
		rcfg := search.DefaultReliabilityConfig()
		rcfg.Timeout = pc.ProviderTimeout()
		rcfg.RatePerSecond = pc.RatePerSecond
		stack.reliability.WrapWithConfig(p, rcfg)
		stack.priors[pc.Name] = pc.Prior()
		stack.order = append(stack.order, pc.Name)
	}
	return stack, nil
}

func buildSearchProvider(pc config.SearchProviderConfig) (search.Provider, error) {
	switch pc.Kind {
	case "searxng":
		return searchproviders.NewSearxNG(searchproviders.SearxNGConfig{
			BaseURL: pc.BaseURL,
			Name:    pc.Name,
			Timeout: pc.ProviderTimeout(),
		})
	case "mock":
		return &search.MockProvider{ProviderName: pc.Name}, nil
	default:
		return nil, weavererrors.NewConfigError("kind",
			fmt.Sprintf("unknown search provider kind %q", pc.Kind))
	}
}

// searchProfiles copies the configured profiles and guarantees a
// "general" profile listing every provider in priority order. The
// orchestrator uses "general" as the fallback for unknown profiles.
func searchProfiles(configured map[string][]string, order []string) map[string][]string {
	profiles := make(map[string][]string, len(configured)+1)
	for name, subset := range configured {
		profiles[name] = append([]string(nil), subset...)
	}
	if len(profiles["general"]) == 0 {
		profiles["general"] = append([]string(nil), order...)
	}
	return profiles
}
