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
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/deepsearch"
	"github.com/tombee/weaver/internal/events"
	"github.com/tombee/weaver/internal/log"
	"github.com/tombee/weaver/internal/orchestrator"
	"github.com/tombee/weaver/internal/state"
	weavererrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
)

const agentSystem = `You are a research agent with a search tool.

Work in rounds: call search with focused queries, read the numbered results, and refine. When the evidence suffices, answer directly with inline [N] citations matching the result numbering you were shown.`

// searchToolDef is the single tool exposed to the agent loop.
var searchToolDef = llm.Tool{
	Name:        "search",
	Description: "Search the web. Returns numbered results with titles, URLs and excerpts.",
	InputSchema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "The search query.",
			},
		},
		"required": []string{"query"},
	},
}

// agentNode is a bounded reason/act loop: the model may call search, see
// the results, and iterate until it answers or the iteration cap forces a
// final completion with tools withheld.
func (g *Graph) agentNode(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error) {
	msgs := []llm.Message{
		{Role: llm.MessageRoleSystem, Content: agentSystem},
		{Role: llm.MessageRoleUser, Content: rs.Input},
	}

	answer := ""
	for i := 0; i < g.opts.AgentMaxIterations; i++ {
		if err := rc.guardBudget(rs); err != nil {
			return g.budgetExit(rc, rs, err), nil
		}
		if rc.Token != nil {
			if err := rc.Token.At(cancel.BeforeLLMCall); err != nil {
				return "", err
			}
		}

		resp, err := rc.Provider.Complete(ctx, llm.CompletionRequest{
			Model:    g.model(rs),
			Messages: msgs,
			Tools:    []llm.Tool{searchToolDef},
		})
		if err != nil {
			return "", fmt.Errorf("agent iteration %d: %w", i, err)
		}

		if len(resp.ToolCalls) == 0 {
			answer = strings.TrimSpace(resp.Content)
			break
		}

		msgs = append(msgs, llm.Message{
			Role:      llm.MessageRoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result, err := g.runAgentTool(ctx, rc, rs, call, i)
			if err != nil {
				return "", err
			}
			msgs = append(msgs, llm.Message{
				Role:       llm.MessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	if answer == "" {
		if err := rc.guardBudget(rs); err != nil {
			return g.budgetExit(rc, rs, err), nil
		}
		final, err := g.forceFinal(ctx, rc, rs, msgs)
		if err != nil {
			return "", err
		}
		answer = final
	}

	rs.AppendMessage(llm.Message{Role: llm.MessageRoleUser, Content: rs.Input})
	rs.AppendMessage(llm.Message{Role: llm.MessageRoleAssistant, Content: answer})
	rs.DraftReport = answer
	rs.FinalReport = answer
	rs.Verdict = state.VerdictPass
	rs.Touch()
	return NodeHumanReview, nil
}

// runAgentTool executes one tool call. Unknown tools, bad arguments and
// failed searches come back as tool-role error text so the model can
// adjust course; cancellation and an empty provider set abort the node.
func (g *Graph) runAgentTool(ctx context.Context, rc *RunContext, rs *state.RunState, call llm.ToolCall, iteration int) (string, error) {
	if call.Name != "search" {
		return fmt.Sprintf("error: unknown tool %q", call.Name), nil
	}

	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || strings.TrimSpace(args.Query) == "" {
		return `error: search needs a non-empty "query" argument`, nil
	}
	query := strings.TrimSpace(args.Query)

	rc.Emit(events.KindToolStart, map[string]any{
		"tool":      "search",
		"query":     query,
		"iteration": iteration,
	})

	results, err := g.search.Search(ctx, rc.Token, []string{query}, orchestrator.Options{
		Profile:            g.opts.SearchProfile,
		MaxResultsPerQuery: g.opts.ResultsPerQuery,
	})
	if err != nil {
		if weavererrors.IsCancelled(err) || stderrors.Is(err, weavererrors.ErrNoProviders) || ctx.Err() != nil {
			return "", err
		}
		rc.Emit(events.KindToolError, map[string]any{
			"tool":  "search",
			"query": query,
			"error": err.Error(),
		})
		return "error: search failed: " + err.Error(), nil
	}

	var b strings.Builder
	shown := 0
	for _, src := range results {
		if shown >= g.opts.ResultsPerQuery {
			break
		}
		id, _ := rs.AddSource(*src)
		n, _ := rs.CitationIndex(id)
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", n, src.Title, src.URL, strings.TrimSpace(src.Excerpt))
		shown++
	}
	if shown == 0 {
		b.WriteString("no results")
	}

	rc.Emit(events.KindToolResult, map[string]any{
		"tool":      "search",
		"query":     query,
		"results":   shown,
		"iteration": iteration,
	})
	if rc.Token != nil {
		if err := rc.Token.At(cancel.AfterSearch); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

// forceFinal asks for an answer with tools withheld after the iteration
// cap. A completion failure degrades to the mechanical fallback rather
// than discarding the gathered evidence.
func (g *Graph) forceFinal(ctx context.Context, rc *RunContext, rs *state.RunState, msgs []llm.Message) (string, error) {
	if rc.Token != nil {
		if err := rc.Token.At(cancel.BeforeLLMCall); err != nil {
			return "", err
		}
	}

	msgs = append(msgs, llm.Message{
		Role:    llm.MessageRoleUser,
		Content: "Answer now from the evidence gathered, with [N] citations. Do not call any tools.",
	})
	resp, err := rc.Provider.Complete(ctx, llm.CompletionRequest{
		Model:    g.model(rs),
		Messages: msgs,
	})
	if err != nil {
		rc.Logger.Warn("forced final completion failed, using fallback report", log.Error(err))
		return deepsearch.ComposeFallback(rs), nil
	}
	return strings.TrimSpace(resp.Content), nil
}
