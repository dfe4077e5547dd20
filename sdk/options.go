package sdk

import (
	"fmt"
	"log/slog"

	"github.com/tombee/weaver/internal/config"
	"github.com/tombee/weaver/pkg/llm"
	"github.com/tombee/weaver/pkg/search"
)

// Option is a functional option for Client construction.
type Option func(*Client) error

// WithConfig supplies a programmatic configuration. The config is
// validated during New. Most embedders use WithConfigFile instead.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Search.Providers = []config.SearchProviderConfig{
//		{Name: "searx", Kind: "searxng", BaseURL: "http://localhost:8888"},
//	}
//	client, err := sdk.New(sdk.WithConfig(cfg))
func WithConfig(cfg *config.Config) Option {
	return func(c *Client) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		c.cfg = cfg
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file, layered over the
// defaults. Secret references (env:NAME, keychain:service/account) in
// API keys are resolved during New.
//
// Example:
//
//	client, err := sdk.New(sdk.WithConfigFile("weaver.yaml"))
func WithConfigFile(path string) Option {
	return func(c *Client) error {
		if path == "" {
			return fmt.Errorf("config path cannot be empty")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		c.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom structured logger. If not set, logs are
// built from the configuration's log section.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
//	client, err := sdk.New(sdk.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithLLMProvider injects an LLM provider, bypassing provider
// construction from configuration. The provider is used as given;
// wrap it with llm.NewRetryableProvider for retries.
//
// Example:
//
//	provider := &MyProvider{}
//	client, err := sdk.New(sdk.WithLLMProvider(provider))
func WithLLMProvider(provider llm.Provider) Option {
	return func(c *Client) error {
		if provider == nil {
			return fmt.Errorf("llm provider cannot be nil")
		}
		c.llmProvider = provider
		return nil
	}
}

// WithSearchProvider registers a search provider, replacing provider
// construction from configuration. May be given multiple times; the
// first registration is the highest-priority provider for the fallback
// strategy. Each provider is guarded by the standard reliability layer
// (timeout, retry, rate limit, circuit breaker).
//
// Example:
//
//	client, err := sdk.New(
//		sdk.WithLLMProvider(provider),
//		sdk.WithSearchProvider(primary),
//		sdk.WithSearchProvider(fallback),
//	)
func WithSearchProvider(provider search.Provider) Option {
	return func(c *Client) error {
		if provider == nil {
			return fmt.Errorf("search provider cannot be nil")
		}
		c.searchProviders = append(c.searchProviders, provider)
		return nil
	}
}
