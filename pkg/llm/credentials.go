package llm

import (
	"fmt"
	"strings"
)

// Credentials abstracts provider authentication so registry factories can
// validate and log credentials without knowing the provider's auth scheme.
type Credentials interface {
	// Validate checks if the credentials are properly formatted and present.
	Validate() error

	// Redacted returns a safe-to-log rendering with secret material masked.
	Redacted() string

	// ProviderType returns the type of provider these credentials are for.
	ProviderType() string
}

// APIKeyCredentials authenticates against key-based HTTP APIs. BaseURL
// optionally points the OpenAI provider at any OpenAI-compatible server
// (SearxNG-adjacent proxies, local inference servers, gateway deployments).
type APIKeyCredentials struct {
	APIKey  string
	BaseURL string
}

var _ Credentials = APIKeyCredentials{}

// Validate checks that the API key is present. Key format varies by
// vendor, so format checks belong to the individual provider.
func (c APIKeyCredentials) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	return nil
}

// Redacted returns a safe-to-log version with the API key masked.
func (c APIKeyCredentials) Redacted() string {
	if c.BaseURL != "" {
		return fmt.Sprintf("APIKey: %s, BaseURL: %s", maskSecret(c.APIKey), c.BaseURL)
	}
	return fmt.Sprintf("APIKey: %s", maskSecret(c.APIKey))
}

// ProviderType returns "api".
func (c APIKeyCredentials) ProviderType() string { return "api" }

// maskSecret keeps the first and last 4 characters of a secret; anything
// 8 characters or shorter is fully starred out.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
