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

package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/events"
	"github.com/tombee/weaver/internal/jq"
	"github.com/tombee/weaver/internal/state"
	weavererrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
)

const routerPrompt = `You classify research questions by the effort they need.

Modes:
- direct: answerable from general knowledge, no sources needed
- web: needs a handful of web searches and a cited summary
- deep: needs multi-round research across many sources
- agent: needs interleaved reasoning and tool use
- clarify: too ambiguous to research until the user answers one question

Respond with JSON only:
{"mode": "web", "confidence": 0.9}`

// classifyProgram tolerates wrapper objects and alternate key names.
const classifyProgram = `
if type == "object" then {mode: (.mode // .label // ""), confidence: (.confidence // .score // 0)}
elif type == "string" then {mode: ., confidence: 1}
else empty end`

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// routerNode decides the run mode. Precedence: an explicit caller
// override, then the configured rules, then the LLM classifier. Low
// confidence and classifier failure both land on web, the safe middle.
func (g *Graph) routerNode(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error) {
	rs.Status = state.StatusRunning

	mode := rs.Mode
	confidence := 1.0
	method := "override"

	if mode == "" {
		env := map[string]any{
			"input":    rs.Input,
			"words":    len(strings.Fields(rs.Input)),
			"has_year": yearPattern.MatchString(rs.Input),
		}
		if m, rule, ok := g.rules.match(env); ok {
			mode = m
			method = "rule"
			rc.Logger.Debug("routing rule matched", "rule", rule, "mode", string(m))
		}
	}

	// An empty provider set fails research runs before any completion
	// is issued. Direct and clarify never search and are exempt.
	if g.search == nil || !g.search.HasProviders() {
		switch mode {
		case state.ModeDirect, state.ModeClarify:
		default:
			return "", fmt.Errorf("run %s: %w", rs.RunID, weavererrors.ErrNoProviders)
		}
	}

	if mode == "" {
		m, conf, err := g.classify(ctx, rc, rs)
		switch {
		case err != nil:
			if weavererrors.IsCancelled(err) || weavererrors.IsBudgetExceeded(err) || ctx.Err() != nil {
				return "", err
			}
			rc.Logger.Warn("mode classification failed, defaulting to web", "error", err)
			mode = state.ModeWeb
			confidence = 0
			method = "fallback"
		case conf < g.opts.MinConfidence:
			rc.Logger.Debug("classification confidence below threshold",
				"mode", string(m), "confidence", conf)
			mode = state.ModeWeb
			confidence = conf
			method = "low_confidence"
		default:
			mode = m
			confidence = conf
			method = "classifier"
		}
	}

	rs.Mode = mode
	rc.Emit(events.KindStatus, map[string]any{
		"phase":      "routed",
		"mode":       string(mode),
		"confidence": confidence,
		"method":     method,
	})

	switch mode {
	case state.ModeDirect:
		return NodeDirectAnswer, nil
	case state.ModeWeb:
		return NodeWebPlan, nil
	case state.ModeAgent:
		return NodeAgent, nil
	case state.ModeDeep:
		return NodeDeepSearch, nil
	case state.ModeClarify:
		return NodeClarify, nil
	default:
		return "", &weavererrors.InternalError{
			Op:    "router dispatch",
			Cause: fmt.Errorf("unroutable mode %q", mode),
		}
	}
}

// classify asks the model for {mode, confidence} and extracts it
// tolerantly.
func (g *Graph) classify(ctx context.Context, rc *RunContext, rs *state.RunState) (state.Mode, float64, error) {
	if err := rc.guardBudget(rs); err != nil {
		return "", 0, err
	}
	if rc.Token != nil {
		if err := rc.Token.At(cancel.BeforeLLMCall); err != nil {
			return "", 0, err
		}
	}

	temperature := 0.0
	resp, err := rc.Provider.Complete(ctx, llm.CompletionRequest{
		Model: g.model(rs),
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: routerPrompt},
			{Role: llm.MessageRoleUser, Content: rs.Input},
		},
		Temperature: &temperature,
	})
	if err != nil {
		return "", 0, err
	}

	raw, err := jq.ExtractJSON("classification", resp.Content)
	if err != nil {
		return "", 0, err
	}
	out, err := jq.NewExecutor(0, 0).Execute(ctx, classifyProgram, raw)
	if err != nil {
		return "", 0, &weavererrors.ParsingError{What: "classification", Cause: err}
	}

	obj, ok := firstObject(out)
	if !ok {
		return "", 0, &weavererrors.ParsingError{What: "classification"}
	}
	label, _ := obj["mode"].(string)
	mode, err := state.ParseMode(label)
	if err != nil {
		return "", 0, &weavererrors.ParsingError{What: "classification", Cause: err}
	}
	confidence := asFloat(obj["confidence"])
	return mode, confidence, nil
}

func firstObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case []any:
		for _, e := range t {
			if obj, ok := e.(map[string]any); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
