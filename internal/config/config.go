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

// Package config defines the Weaver configuration surface: one YAML
// document covering logging, tracing, the LLM provider, search providers
// and profiles, rank fusion weights, the hydrator, the evaluator gate,
// deep-search limits, routing rules, run scheduling, and event buffers.
//
// Configuration is read once at run start. Mid-run changes never affect
// an in-flight run.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	weavererrors "github.com/tombee/weaver/pkg/errors"
)

// Config is the complete Weaver configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Tracing    TracingConfig    `yaml:"tracing"`
	LLM        LLMConfig        `yaml:"llm"`
	Search     SearchConfig     `yaml:"search"`
	Rank       RankConfig       `yaml:"rank"`
	Hydrator   HydratorConfig   `yaml:"hydrator"`
	Evaluator  EvaluatorConfig  `yaml:"evaluator"`
	DeepSearch DeepSearchConfig `yaml:"deepsearch"`
	Context    ContextConfig    `yaml:"context"`
	Router     RouterConfig     `yaml:"router"`
	Agent      AgentConfig      `yaml:"agent"`
	Memory     MemoryConfig     `yaml:"memory"`
	Runs       RunsConfig       `yaml:"runs"`
	Events     EventsConfig     `yaml:"events"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is the minimum level: trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	// Source adds file:line attribution to records.
	Source bool `yaml:"source,omitempty"`
}

// TracingConfig configures the OpenTelemetry pipeline.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter selects the span exporter: none, stdout, otlp-grpc,
	// otlp-http.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector address, host:port.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for OTLP exporters.
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRate is the trace sampling ratio on [0, 1].
	SampleRate float64 `yaml:"sample_rate"`
}

// LLMConfig configures the language-model provider.
type LLMConfig struct {
	// Provider is the registered provider name, e.g. "openai".
	Provider string `yaml:"provider"`

	// Model is the default model identifier.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's API root. Empty selects the
	// provider default; any OpenAI-compatible server works.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKey authenticates requests. Supports secret references of the
	// form env:NAME and keychain:service/account, resolved at startup.
	APIKey string `yaml:"api_key,omitempty"`

	// TimeoutSeconds bounds each completion call. Default 120.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	Retry RetrySettings `yaml:"retry"`
}

// RetrySettings tunes provider-call retries.
type RetrySettings struct {
	// MaxAttempts is the per-call retry ceiling. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff is exponential, linear, or constant. Default exponential.
	Backoff string `yaml:"backoff"`

	// InitialDelayMS seeds the backoff schedule. Default 500.
	InitialDelayMS int `yaml:"initial_delay_ms"`

	// MaxDelayMS caps any single delay. Default 10000.
	MaxDelayMS int `yaml:"max_delay_ms"`
}

// SearchConfig configures the search orchestrator.
type SearchConfig struct {
	// Providers is the ordered provider list; order is priority for the
	// fallback strategy.
	Providers []SearchProviderConfig `yaml:"providers"`

	// Profiles maps a profile name to an ordered provider subset.
	// "general" doubles as the fallback for unknown profiles.
	Profiles map[string][]string `yaml:"profiles,omitempty"`

	// Strategy is parallel or fallback. Default fallback.
	Strategy string `yaml:"strategy"`

	// MinResults is the fallback success threshold. Default 1.
	MinResults int `yaml:"min_results,omitempty"`

	Cache SearchCacheConfig `yaml:"cache"`
}

// SearchProviderConfig configures one search backend.
type SearchProviderConfig struct {
	// Name identifies the provider in events, metrics, and priors.
	Name string `yaml:"name"`

	// Kind selects the adapter: searxng, mock.
	Kind string `yaml:"kind"`

	BaseURL string `yaml:"base_url,omitempty"`

	// APIKey supports the same secret references as LLMConfig.APIKey.
	APIKey string `yaml:"api_key,omitempty"`

	// Weight is the provider prior for rank fusion, on [0, 1].
	// Zero means unset; unset providers score 0.5.
	Weight float64 `yaml:"weight,omitempty"`

	// TimeoutSeconds bounds each search call. Default 10.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// RatePerSecond throttles calls to this provider. Zero disables
	// throttling.
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
}

// SearchCacheConfig configures the session query cache.
type SearchCacheConfig struct {
	// TTLSeconds is the entry lifetime. Default 900.
	TTLSeconds int `yaml:"ttl_seconds"`

	// MaxSize is the entry capacity. Zero disables caching entirely.
	MaxSize int `yaml:"max_size"`
}

// RankConfig holds rank fusion weights.
type RankConfig struct {
	WRelevance     float64 `yaml:"w_relevance"`
	WFreshness     float64 `yaml:"w_freshness"`
	WProviderPrior float64 `yaml:"w_provider_prior"`

	// HalfLifeDays controls freshness decay. Default 30.
	HalfLifeDays float64 `yaml:"half_life_days"`
}

// HydratorConfig configures content hydration of sparse excerpts.
type HydratorConfig struct {
	// Enabled toggles the hydrator; spec option deepsearch_enable_crawler.
	Enabled bool `yaml:"enabled"`

	// SparseThreshold is the excerpt length below which a source is
	// hydrated. Default 200.
	SparseThreshold int `yaml:"sparse_threshold"`

	// MaxConcurrency bounds simultaneous fetches. Default 5.
	MaxConcurrency int `yaml:"max_concurrency"`

	// TimeoutSeconds bounds each fetch. Default 20.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxTextBytes caps extracted text per fetch. Default 65536.
	MaxTextBytes int `yaml:"max_text_bytes"`

	// Allow and Deny are doublestar patterns matched against
	// "host/path". Deny wins; an empty allow list allows everything.
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// EvaluatorConfig configures the citation gate.
type EvaluatorConfig struct {
	// MinCoverage is the citation coverage below which a draft is sent
	// back for revision. Default 0.6.
	MinCoverage float64 `yaml:"min_coverage"`

	// MinFreshness gates time-sensitive drafts. Default 0.4.
	MinFreshness float64 `yaml:"min_freshness"`

	// FreshnessWindowDays bounds how old a cited source may be and
	// still count as fresh. Default 30.
	FreshnessWindowDays float64 `yaml:"freshness_window_days"`

	// MaxRevisions caps the refine loop. Default 2.
	MaxRevisions int `yaml:"max_revisions"`

	// MaxVerifierCalls caps per-run claim verification. Default 8;
	// zero disables verification.
	MaxVerifierCalls int `yaml:"max_verifier_calls"`
}

// DeepSearchConfig bounds the epoch loop.
type DeepSearchConfig struct {
	// MaxEpochs is the hard upper bound on the epoch loop. Default 3.
	// Zero is honored: the loop never runs and the run aborts with an
	// empty summary.
	MaxEpochs int `yaml:"max_epochs"`

	// QueryNum is sub-queries per epoch. Default 5.
	QueryNum int `yaml:"query_num"`

	// ResultsPerQuery is the top-K retained per query. Default 5.
	ResultsPerQuery int `yaml:"results_per_query"`

	// MaxSeconds is the wall-clock budget per run. Zero means no cap.
	MaxSeconds float64 `yaml:"max_seconds"`

	// MaxTokens is the token budget per run. Zero means no cap.
	MaxTokens int64 `yaml:"max_tokens"`

	// Mode is the default selector: auto, tree, linear.
	Mode string `yaml:"mode"`

	// TreeBranches and TreeDepth shape tree-mode expansion.
	TreeBranches int `yaml:"tree_branches,omitempty"`
	TreeDepth    int `yaml:"tree_depth,omitempty"`

	// RootThreshold is the high-relevance source count above which auto
	// mode upgrades to tree. Default 4.
	RootThreshold int `yaml:"root_threshold,omitempty"`

	// Profile routes searches to a provider subset, e.g. "academic".
	Profile string `yaml:"profile,omitempty"`
}

// ContextConfig bounds LLM context assembly.
type ContextConfig struct {
	// MaxTokens is the context cap. Default 8192.
	MaxTokens int `yaml:"max_tokens"`

	// TruncationStrategy is smart, fifo, or middle. Default smart.
	TruncationStrategy string `yaml:"truncation_strategy"`

	// KeepRecent is how many trailing messages smart truncation
	// preserves. Default 4.
	KeepRecent int `yaml:"keep_recent,omitempty"`
}

// RouterRule is one config-driven routing rule, evaluated in order
// before the LLM classifier. When is an expr expression over
// {input, words, has_year}; Mode is the destination when it matches.
type RouterRule struct {
	When string `yaml:"when"`
	Mode string `yaml:"mode"`
}

// RouterConfig configures mode classification.
type RouterConfig struct {
	Rules []RouterRule `yaml:"rules,omitempty"`

	// MinConfidence is the classification confidence below which the
	// router falls back to web. Default 0.5.
	MinConfidence float64 `yaml:"min_confidence"`
}

// AgentConfig bounds the tool-calling agent loop.
type AgentConfig struct {
	// MaxIterations caps reason/act cycles. Default 4.
	MaxIterations int `yaml:"max_iterations"`
}

// MemoryConfig toggles the optional memory store.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// TopK is how many records a recall returns. Default 3.
	TopK int `yaml:"top_k,omitempty"`
}

// RunsConfig configures run scheduling and durability.
type RunsConfig struct {
	// MaxParallel bounds concurrently executing runs. Default 10.
	MaxParallel int `yaml:"max_parallel"`

	// DefaultTimeoutMinutes bounds each run end to end. Default 30.
	DefaultTimeoutMinutes int `yaml:"default_timeout_minutes"`

	// CheckpointBackend is memory or sqlite.
	CheckpointBackend string `yaml:"checkpoint_backend"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// EventsConfig sizes the event streams.
type EventsConfig struct {
	// Buffer is the per-run history retained for late subscribers.
	// Default 1024.
	Buffer int `yaml:"buffer"`

	// SubscriberBuffer is each subscriber's channel headroom beyond the
	// replayed history. Default 256.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "none",
			SampleRate: 1.0,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
			Retry: RetrySettings{
				MaxAttempts:    3,
				Backoff:        "exponential",
				InitialDelayMS: 500,
				MaxDelayMS:     10000,
			},
		},
		Search: SearchConfig{
			Strategy:   "fallback",
			MinResults: 1,
			Cache: SearchCacheConfig{
				TTLSeconds: 900,
				MaxSize:    512,
			},
		},
		Rank: RankConfig{
			WRelevance:     0.6,
			WFreshness:     0.25,
			WProviderPrior: 0.15,
			HalfLifeDays:   30,
		},
		Hydrator: HydratorConfig{
			Enabled:         true,
			SparseThreshold: 200,
			MaxConcurrency:  5,
			TimeoutSeconds:  20,
			MaxTextBytes:    64 * 1024,
		},
		Evaluator: EvaluatorConfig{
			MinCoverage:         0.6,
			MinFreshness:        0.4,
			FreshnessWindowDays: 30,
			MaxRevisions:        2,
			MaxVerifierCalls:    8,
		},
		DeepSearch: DeepSearchConfig{
			MaxEpochs:       3,
			QueryNum:        5,
			ResultsPerQuery: 5,
			Mode:            "auto",
			TreeBranches:    2,
			TreeDepth:       1,
			RootThreshold:   4,
		},
		Context: ContextConfig{
			MaxTokens:          8192,
			TruncationStrategy: "smart",
			KeepRecent:         4,
		},
		Router: RouterConfig{
			MinConfidence: 0.5,
		},
		Agent: AgentConfig{
			MaxIterations: 4,
		},
		Memory: MemoryConfig{
			Enabled: false,
			TopK:    3,
		},
		Runs: RunsConfig{
			MaxParallel:           10,
			DefaultTimeoutMinutes: 30,
			CheckpointBackend:     "memory",
		},
		Events: EventsConfig{
			Buffer:           1024,
			SubscriberBuffer: 256,
		},
	}
}

// Load reads YAML from path layered over Default, applies WEAVER_*
// environment overrides, and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &weavererrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to read %s", path),
				Cause:  err,
			}
		}
		// Unmarshal over defaults: absent keys keep their default,
		// explicit zeros (e.g. deepsearch.max_epochs: 0) stick.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &weavererrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to parse %s", path),
				Cause:  err,
			}
		}
	}

	cfg.FromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv applies WEAVER_* overrides for the scalar knobs. Unset
// variables leave the current value; malformed numerics are ignored.
func (c *Config) FromEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setString("WEAVER_LOG_LEVEL", &c.Log.Level)
	setString("WEAVER_LOG_FORMAT", &c.Log.Format)

	setBool("WEAVER_TRACING_ENABLED", &c.Tracing.Enabled)
	setString("WEAVER_TRACING_EXPORTER", &c.Tracing.Exporter)
	setString("WEAVER_TRACING_ENDPOINT", &c.Tracing.Endpoint)

	setString("WEAVER_LLM_PROVIDER", &c.LLM.Provider)
	setString("WEAVER_LLM_MODEL", &c.LLM.Model)
	setString("WEAVER_LLM_BASE_URL", &c.LLM.BaseURL)
	setString("WEAVER_LLM_API_KEY", &c.LLM.APIKey)
	setInt("WEAVER_LLM_TIMEOUT_SECONDS", &c.LLM.TimeoutSeconds)

	setString("WEAVER_SEARCH_STRATEGY", &c.Search.Strategy)
	setInt("WEAVER_SEARCH_CACHE_TTL_SECONDS", &c.Search.Cache.TTLSeconds)
	setInt("WEAVER_SEARCH_CACHE_MAX_SIZE", &c.Search.Cache.MaxSize)

	setBool("WEAVER_HYDRATOR_ENABLED", &c.Hydrator.Enabled)

	setInt("WEAVER_DEEPSEARCH_MAX_EPOCHS", &c.DeepSearch.MaxEpochs)
	setInt("WEAVER_DEEPSEARCH_QUERY_NUM", &c.DeepSearch.QueryNum)
	setInt("WEAVER_DEEPSEARCH_RESULTS_PER_QUERY", &c.DeepSearch.ResultsPerQuery)
	setFloat("WEAVER_DEEPSEARCH_MAX_SECONDS", &c.DeepSearch.MaxSeconds)
	setInt64("WEAVER_DEEPSEARCH_MAX_TOKENS", &c.DeepSearch.MaxTokens)
	setString("WEAVER_DEEPSEARCH_MODE", &c.DeepSearch.Mode)

	setInt("WEAVER_CONTEXT_MAX_TOKENS", &c.Context.MaxTokens)
	setString("WEAVER_CONTEXT_TRUNCATION_STRATEGY", &c.Context.TruncationStrategy)

	setInt("WEAVER_RUNS_MAX_PARALLEL", &c.Runs.MaxParallel)
	setString("WEAVER_RUNS_CHECKPOINT_BACKEND", &c.Runs.CheckpointBackend)
	setString("WEAVER_RUNS_SQLITE_PATH", &c.Runs.SQLitePath)
}

// Validate rejects out-of-range or inconsistent values.
func (c *Config) Validate() error {
	bad := func(key, reason string) error {
		return weavererrors.NewConfigError(key, reason)
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return bad("log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return bad("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}

	switch c.Tracing.Exporter {
	case "none", "stdout", "otlp-grpc", "otlp-http":
	default:
		return bad("tracing.exporter", fmt.Sprintf("unknown exporter %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return bad("tracing.sample_rate", "must be within [0, 1]")
	}

	if c.LLM.Provider == "" {
		return bad("llm.provider", "must not be empty")
	}
	if c.LLM.TimeoutSeconds < 0 {
		return bad("llm.timeout_seconds", "must not be negative")
	}
	switch c.LLM.Retry.Backoff {
	case "exponential", "linear", "constant":
	default:
		return bad("llm.retry.backoff", fmt.Sprintf("unknown backoff %q", c.LLM.Retry.Backoff))
	}

	seen := make(map[string]bool, len(c.Search.Providers))
	for i, p := range c.Search.Providers {
		key := fmt.Sprintf("search.providers[%d]", i)
		if p.Name == "" {
			return bad(key+".name", "must not be empty")
		}
		if seen[p.Name] {
			return bad(key+".name", fmt.Sprintf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = true
		if p.Kind == "" {
			return bad(key+".kind", "must not be empty")
		}
		if p.Weight < 0 || p.Weight > 1 {
			return bad(key+".weight", "must be within [0, 1]")
		}
		if p.RatePerSecond < 0 {
			return bad(key+".rate_per_second", "must not be negative")
		}
	}
	for name, subset := range c.Search.Profiles {
		for _, pname := range subset {
			if !seen[pname] {
				return bad("search.profiles."+name,
					fmt.Sprintf("references unknown provider %q", pname))
			}
		}
	}
	switch c.Search.Strategy {
	case "parallel", "fallback":
	default:
		return bad("search.strategy", fmt.Sprintf("unknown strategy %q", c.Search.Strategy))
	}

	for _, w := range []struct {
		key string
		val float64
	}{
		{"rank.w_relevance", c.Rank.WRelevance},
		{"rank.w_freshness", c.Rank.WFreshness},
		{"rank.w_provider_prior", c.Rank.WProviderPrior},
	} {
		if w.val < 0 || w.val > 1 {
			return bad(w.key, "must be within [0, 1]")
		}
	}
	if c.Rank.HalfLifeDays <= 0 {
		return bad("rank.half_life_days", "must be positive")
	}

	for _, t := range []struct {
		key string
		val float64
	}{
		{"evaluator.min_coverage", c.Evaluator.MinCoverage},
		{"evaluator.min_freshness", c.Evaluator.MinFreshness},
	} {
		if t.val < 0 || t.val > 1 {
			return bad(t.key, "must be within [0, 1]")
		}
	}
	if c.Evaluator.MaxRevisions < 0 {
		return bad("evaluator.max_revisions", "must not be negative")
	}

	if c.DeepSearch.MaxEpochs < 0 {
		return bad("deepsearch.max_epochs", "must not be negative")
	}
	if c.DeepSearch.MaxSeconds < 0 {
		return bad("deepsearch.max_seconds", "must not be negative")
	}
	if c.DeepSearch.MaxTokens < 0 {
		return bad("deepsearch.max_tokens", "must not be negative")
	}
	switch c.DeepSearch.Mode {
	case "auto", "tree", "linear":
	default:
		return bad("deepsearch.mode", fmt.Sprintf("unknown mode %q", c.DeepSearch.Mode))
	}

	switch c.Context.TruncationStrategy {
	case "smart", "fifo", "middle":
	default:
		return bad("context.truncation_strategy",
			fmt.Sprintf("unknown strategy %q", c.Context.TruncationStrategy))
	}

	for i, r := range c.Router.Rules {
		key := fmt.Sprintf("router.rules[%d]", i)
		if r.When == "" {
			return bad(key+".when", "must not be empty")
		}
		switch r.Mode {
		case "direct", "web", "agent", "deep", "clarify":
		default:
			return bad(key+".mode", fmt.Sprintf("unknown mode %q", r.Mode))
		}
	}
	if c.Router.MinConfidence < 0 || c.Router.MinConfidence > 1 {
		return bad("router.min_confidence", "must be within [0, 1]")
	}

	if c.Runs.MaxParallel < 1 {
		return bad("runs.max_parallel", "must be at least 1")
	}
	switch c.Runs.CheckpointBackend {
	case "memory", "sqlite":
	default:
		return bad("runs.checkpoint_backend",
			fmt.Sprintf("unknown backend %q", c.Runs.CheckpointBackend))
	}
	if c.Runs.CheckpointBackend == "sqlite" && c.Runs.SQLitePath == "" {
		return bad("runs.sqlite_path", "required for the sqlite backend")
	}

	if c.Events.Buffer < 0 || c.Events.SubscriberBuffer < 0 {
		return bad("events", "buffers must not be negative")
	}

	return nil
}

// LLMTimeout returns the configured LLM call timeout.
func (c *Config) LLMTimeout() time.Duration {
	if c.LLM.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// RunTimeout returns the end-to-end run deadline.
func (c *Config) RunTimeout() time.Duration {
	if c.Runs.DefaultTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Runs.DefaultTimeoutMinutes) * time.Minute
}

// ProviderTimeout returns one search provider's call timeout.
func (p SearchProviderConfig) ProviderTimeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Prior returns the rank-fusion prior for this provider.
func (p SearchProviderConfig) Prior() float64 {
	if p.Weight == 0 {
		return 0.5
	}
	return p.Weight
}

// ResolveSecrets rewrites env: and keychain: references in API keys
// using resolve. Plain values pass through; resolution failures keep
// the reference intact and are reported in the returned warnings.
func (c *Config) ResolveSecrets(resolve func(ref string) (string, error)) []string {
	var warnings []string
	fix := func(key string, dst *string) {
		if *dst == "" || !strings.Contains(*dst, ":") {
			return
		}
		val, err := resolve(*dst)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = val
	}
	fix("llm.api_key", &c.LLM.APIKey)
	for i := range c.Search.Providers {
		fix(fmt.Sprintf("search.providers[%d].api_key", i), &c.Search.Providers[i].APIKey)
	}
	return warnings
}
