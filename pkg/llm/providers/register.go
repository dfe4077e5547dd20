// Package providers registers all built-in LLM provider factories.
//
// Import this package to register all provider factories with the global registry:
//
//	import _ "github.com/tombee/weaver/pkg/llm/providers"
//
// This registers factories but does not instantiate providers.
// Call llm.Activate() to instantiate providers based on configuration.
package providers

import (
	"github.com/tombee/weaver/pkg/llm"
)

func init() {
	// Factories are registered at import time but not instantiated.
	// Call llm.Activate() to instantiate based on config.

	// OpenAI - API-based provider for the Chat Completions API and any
	// compatible server (set BaseURL in credentials to point elsewhere).
	llm.RegisterFactory("openai", NewOpenAIWithCredentials)
}
