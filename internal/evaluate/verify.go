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

package evaluate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/jq"
	"github.com/tombee/weaver/internal/state"
	"github.com/tombee/weaver/pkg/llm"
)

// DefaultMaxVerifierCalls caps LLM verification calls per report.
const DefaultMaxVerifierCalls = 8

const verifierSystemPrompt = `You check whether cited sources contradict each other on a research claim. A source contradicts when its excerpt states something incompatible with the claim or with another cited excerpt.

Respond with JSON only:
{"contradicted": [citation numbers]}

Use an empty array when the sources agree.`

// verdictProgram extracts the contradicted citation list from whatever
// JSON shape the model returns.
const verdictProgram = `
if type == "object" then (.contradicted // .contradictions // []) else . end
| if type == "array" then .[] else . end
| numbers`

// VerifierConfig holds claim verifier settings.
type VerifierConfig struct {
	// MaxCalls caps verification completions per report. Default 8.
	MaxCalls int

	// Model is passed through to the provider; empty selects its default.
	Model string
}

// Verifier is the LLM oracle that flags cited sources contradicting
// each other on the same claim.
type Verifier struct {
	provider llm.Provider
	exec     *jq.Executor
	cfg      VerifierConfig
	logger   *slog.Logger
}

// NewVerifier creates a verifier backed by the given provider.
func NewVerifier(provider llm.Provider, cfg VerifierConfig, logger *slog.Logger) *Verifier {
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = DefaultMaxVerifierCalls
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		provider: provider,
		exec:     jq.NewExecutor(0, 0),
		cfg:      cfg,
		logger:   logger,
	}
}

// contradicted returns the IDs of cited sources the oracle flags. Claims
// are examined in draft order until the call cap is reached.
func (v *Verifier) contradicted(ctx context.Context, tok *cancel.Token, claims []Claim, rs *state.RunState) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	calls := 0
	for _, c := range claims {
		if calls >= v.cfg.MaxCalls {
			v.logger.Debug("verifier call cap reached",
				"cap", v.cfg.MaxCalls,
				"claims", len(claims))
			break
		}
		if tok != nil {
			if err := tok.At(cancel.BeforeLLMCall); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		calls++

		temperature := 0.0
		resp, err := v.provider.Complete(ctx, llm.CompletionRequest{
			Model:       v.cfg.Model,
			Messages:    v.messages(c, rs),
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("claim verification: %w", err)
		}

		for _, n := range v.parse(ctx, resp.Content) {
			if !containsInt(c.Citations, n) {
				continue
			}
			if src, ok := rs.SourceByCitation(n); ok {
				out[src.SourceID] = struct{}{}
			}
		}
	}
	return out, nil
}

func (v *Verifier) messages(c Claim, rs *state.RunState) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Claim: %s\n\nCited sources:\n", c.Text)
	for _, n := range c.Citations {
		src, ok := rs.SourceByCitation(n)
		if !ok {
			continue
		}
		excerpt := src.Excerpt
		if excerpt == "" {
			excerpt = src.Title
		}
		fmt.Fprintf(&b, "[%d] %s\n", n, excerpt)
	}
	return []llm.Message{
		{Role: llm.MessageRoleSystem, Content: verifierSystemPrompt},
		{Role: llm.MessageRoleUser, Content: b.String()},
	}
}

// parse tolerantly reads the contradicted citation numbers; an
// unparseable response verifies nothing.
func (v *Verifier) parse(ctx context.Context, content string) []int {
	raw, err := jq.ExtractJSON("verification", content)
	if err != nil {
		v.logger.Debug("verifier output unparseable", "error", err)
		return nil
	}
	out, err := v.exec.Execute(ctx, verdictProgram, raw)
	if err != nil {
		v.logger.Debug("verifier output unparseable", "error", err)
		return nil
	}
	var ns []int
	for _, item := range asSlice(out) {
		switch n := item.(type) {
		case float64:
			ns = append(ns, int(n))
		case int:
			ns = append(ns, n)
		}
	}
	return ns
}

func containsInt(xs []int, n int) bool {
	for _, x := range xs {
		if x == n {
			return true
		}
	}
	return false
}

func asSlice(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}
