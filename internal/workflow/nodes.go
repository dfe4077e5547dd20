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
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/deepsearch"
	"github.com/tombee/weaver/internal/evaluate"
	"github.com/tombee/weaver/internal/events"
	"github.com/tombee/weaver/internal/log"
	"github.com/tombee/weaver/internal/orchestrator"
	"github.com/tombee/weaver/internal/state"
	weavererrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
	"github.com/tombee/weaver/pkg/search"
)

const directSystem = `You answer questions directly from general knowledge. Be accurate and concise. Do not fabricate citations or sources; if the question actually needs research, say what is uncertain.`

const clarifySystem = `The user's research request is too ambiguous to investigate. Ask exactly one question whose answer would let the research proceed. Respond with the question only.`

// directAnswerNode serves questions the router judged answerable without
// sources: one completion, no search, verdict pass.
func (g *Graph) directAnswerNode(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error) {
	if err := rc.guardBudget(rs); err != nil {
		return g.budgetExit(rc, rs, err), nil
	}
	if rc.Token != nil {
		if err := rc.Token.At(cancel.BeforeLLMCall); err != nil {
			return "", err
		}
	}

	resp, err := rc.Provider.Complete(ctx, llm.CompletionRequest{
		Model: g.model(rs),
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: directSystem},
			{Role: llm.MessageRoleUser, Content: rs.Input},
		},
	})
	if err != nil {
		return "", fmt.Errorf("direct answer: %w", err)
	}

	answer := strings.TrimSpace(resp.Content)
	rs.AppendMessage(llm.Message{Role: llm.MessageRoleUser, Content: rs.Input})
	rs.AppendMessage(llm.Message{Role: llm.MessageRoleAssistant, Content: answer})
	rs.DraftReport = answer
	rs.FinalReport = answer
	rs.Verdict = state.VerdictPass
	rs.Touch()

	rc.Emit(events.KindTextDelta, map[string]any{"text": answer})
	return NodeHumanReview, nil
}

// webPlanNode decomposes the topic into sub-queries for the web path.
func (g *Graph) webPlanNode(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error) {
	if err := rc.guardBudget(rs); err != nil {
		return g.budgetExit(rc, rs, err), nil
	}

	queries, err := rc.Planner.Plan(ctx, rc.Token, rs.Input, nil, rs.IssuedQueries())
	if err != nil {
		return "", err
	}
	for i := range queries {
		queries[i].IssuedEpoch = rs.Epoch
	}
	rs.Plan = append(rs.Plan, queries...)
	rs.Artifacts.QueriesIssued = rs.IssuedQueries()
	rs.Touch()

	rc.Emit(events.KindPlan, map[string]any{
		"epoch":   rs.Epoch,
		"queries": planTexts(queries),
	})
	return NodeParallelSearch, nil
}

// refinePlanNode replans after a revise verdict, aiming every new query
// at the dimensions the draft left uncovered. The revision counter
// advances here so the evaluator's cap sees every loop.
func (g *Graph) refinePlanNode(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error) {
	if err := rc.guardBudget(rs); err != nil {
		return g.budgetExit(rc, rs, err), nil
	}

	queries, err := rc.Planner.Refine(ctx, rc.Token, rs.Input, rs.Gaps, rs.IssuedQueries())
	if err != nil {
		return "", err
	}
	rs.Revisions++
	for i := range queries {
		queries[i].IssuedEpoch = rs.Epoch
	}
	rs.Plan = append(rs.Plan, queries...)
	rs.Artifacts.QueriesIssued = rs.IssuedQueries()
	rs.Touch()

	rc.Emit(events.KindPlan, map[string]any{
		"phase":    "refine",
		"revision": rs.Revisions,
		"gaps":     dimensionTexts(rs.Gaps),
		"queries":  planTexts(queries),
	})
	return NodeParallelSearch, nil
}

// parallelSearchNode fans the pending sub-queries across the orchestrator
// and merges results back into the state at a single write point after
// the join. Individual query failures degrade to tool_error events; the
// node fails only when every query errored and the run holds no sources
// at all.
func (g *Graph) parallelSearchNode(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error) {
	if g.search == nil || !g.search.HasProviders() {
		return "", fmt.Errorf("parallel search: %w", weavererrors.ErrNoProviders)
	}

	var pending []int
	for i := range rs.Plan {
		if rs.Plan[i].Status == state.SubQueryPending {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return NodeWriter, nil
	}

	opts := orchestrator.Options{
		Profile:            g.opts.SearchProfile,
		MaxResultsPerQuery: g.opts.ResultsPerQuery,
	}
	if evaluate.TimeSensitive(rs.Input, time.Now()) {
		opts.Freshness = search.FreshnessMonth
	}

	for _, idx := range pending {
		rs.Plan[idx].Status = state.SubQueryInFlight
		rc.Emit(events.KindToolStart, map[string]any{
			"tool":  "search",
			"query": rs.Plan[idx].Text,
			"epoch": rs.Plan[idx].IssuedEpoch,
		})
	}

	found := make([][]*state.Source, len(pending))
	failures := make([]error, len(pending))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.opts.SearchParallelism)
	for slot, idx := range pending {
		text := rs.Plan[idx].Text
		grp.Go(func() error {
			results, err := g.search.Search(gctx, rc.Token, []string{text}, opts)
			if err != nil {
				if weavererrors.IsCancelled(err) || stderrors.Is(err, weavererrors.ErrNoProviders) || gctx.Err() != nil {
					return err
				}
				failures[slot] = err
				return nil
			}
			found[slot] = results
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return "", err
	}

	failed := 0
	for slot, idx := range pending {
		q := &rs.Plan[idx]
		if failures[slot] != nil {
			q.Status = state.SubQueryFailed
			failed++
			rc.Emit(events.KindToolError, map[string]any{
				"tool":  "search",
				"query": q.Text,
				"error": failures[slot].Error(),
			})
			rc.Logger.Warn("sub-query search failed",
				log.String(log.QueryKey, q.Text),
				log.Error(failures[slot]))
			continue
		}

		kept := make([]string, 0, g.opts.ResultsPerQuery)
		for _, src := range found[slot] {
			if len(kept) >= g.opts.ResultsPerQuery {
				break
			}
			id, _ := rs.AddSource(*src)
			kept = append(kept, id)
		}
		q.SourceIDs = kept
		q.Status = state.SubQueryDone
		rc.Emit(events.KindToolResult, map[string]any{
			"tool":    "search",
			"query":   q.Text,
			"results": len(kept),
			"epoch":   q.IssuedEpoch,
		})
	}
	if failed == len(pending) && len(rs.Sources) == 0 {
		return "", fmt.Errorf("parallel search: all %d sub-queries failed", failed)
	}

	rs.Touch()
	if rc.Token != nil {
		if err := rc.Token.At(cancel.AfterSearch); err != nil {
			return "", err
		}
	}
	return NodeWriter, nil
}

// writerNode composes the cited draft. Budget exhaustion here degrades to
// a mechanical report rather than failing the run.
func (g *Graph) writerNode(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error) {
	if err := rc.guardBudget(rs); err != nil {
		return g.budgetExit(rc, rs, err), nil
	}

	draft, err := rc.Writer.Compose(ctx, rc.Token, rs)
	if err != nil {
		if weavererrors.IsBudgetExceeded(err) {
			return g.budgetExit(rc, rs, err), nil
		}
		return "", err
	}

	rs.DraftReport = draft
	rs.Touch()
	rc.Emit(events.KindArtifact, map[string]any{
		"kind":     "draft_report",
		"revision": rs.Revisions,
		"chars":    len(draft),
	})
	return NodeEvaluator, nil
}

// evaluatorNode measures the draft and applies the citation gate.
func (g *Graph) evaluatorNode(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error) {
	if err := rc.guardBudget(rs); err != nil {
		return g.budgetExit(rc, rs, err), nil
	}

	res, err := rc.Evaluator.Evaluate(ctx, rc.Token, rs)
	if err != nil {
		if weavererrors.IsBudgetExceeded(err) {
			return g.budgetExit(rc, rs, err), nil
		}
		return "", err
	}

	rs.Quality = res.Metrics
	rs.Verdict = res.Verdict
	rs.Gaps = res.Gaps
	rs.Artifacts.QualitySummary = res.Summary
	rs.Touch()

	rc.Emit(events.KindQuality, map[string]any{
		"verdict":            string(res.Verdict),
		"query_coverage":     res.Metrics.QueryCoverage,
		"citation_coverage":  res.Metrics.CitationCoverage,
		"freshness_ratio":    res.Metrics.FreshnessRatio,
		"consistency":        res.Metrics.Consistency,
		"unsupported_claims": res.Metrics.UnsupportedClaims,
		"forced_pass":        res.ForcedPass,
		"summary":            res.Summary,
	})
	if res.ForcedPass {
		rc.Logger.Warn("revision cap reached, passing with low coverage",
			log.String("summary", res.Summary))
	}

	if res.Verdict == state.VerdictRevise {
		return NodeRefinePlan, nil
	}
	rs.FinalReport = rs.DraftReport
	return NodeHumanReview, nil
}

// deepSearchNode runs the epoch loop, then hands the findings to the
// shared writer. Budget exhaustion and a zero-epoch configuration exit
// through human review with verdict abort.
func (g *Graph) deepSearchNode(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error) {
	if g.engine == nil {
		return "", &weavererrors.InternalError{
			Op:    "deepsearch",
			Cause: stderrors.New("engine not configured"),
		}
	}

	hooks := deepsearch.Hooks{Stream: rc.Stream, Checkpoints: rc.Checkpoints}
	if err := g.engine.Run(ctx, rc.Token, hooks, rs); err != nil {
		if weavererrors.IsBudgetExceeded(err) {
			return g.budgetExit(rc, rs, err), nil
		}
		return "", err
	}

	if len(rs.Summaries) == 0 {
		rs.DraftReport = deepsearch.ComposeFallback(rs)
		rs.FinalReport = rs.DraftReport
		rs.Verdict = state.VerdictAbort
		rs.Touch()
		rc.Emit(events.KindQuality, map[string]any{
			"verdict": string(state.VerdictAbort),
			"reason":  "no_findings",
		})
		return NodeHumanReview, nil
	}
	return NodeWriter, nil
}

// clarifyNode generates the single clarifying question and parks the run
// for a human answer.
func (g *Graph) clarifyNode(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error) {
	if err := rc.guardBudget(rs); err != nil {
		return g.budgetExit(rc, rs, err), nil
	}
	if rc.Token != nil {
		if err := rc.Token.At(cancel.BeforeLLMCall); err != nil {
			return "", err
		}
	}

	temperature := 0.2
	resp, err := rc.Provider.Complete(ctx, llm.CompletionRequest{
		Model: g.model(rs),
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: clarifySystem},
			{Role: llm.MessageRoleUser, Content: rs.Input},
		},
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("clarify: %w", err)
	}

	question := strings.TrimSpace(resp.Content)
	if question == "" {
		question = "What specifically would you like the research to focus on?"
	}
	rs.AppendMessage(llm.Message{Role: llm.MessageRoleAssistant, Content: question})
	rs.Touch()

	rc.Emit(events.KindInterrupt, map[string]any{"question": question})
	return NodeHumanReview, nil
}

// humanReviewNode is the terminal junction. Finished runs complete here,
// clarify runs park awaiting the user's answer, and a resumed run folds
// the answer into the topic and re-enters the planning path.
func (g *Graph) humanReviewNode(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error) {
	if rc.ResumePayload != "" && rs.FinalReport == "" {
		answer := strings.TrimSpace(rc.ResumePayload)
		rs.Input = rs.Input + "\n\nClarification: " + answer
		rs.AppendMessage(llm.Message{Role: llm.MessageRoleUser, Content: answer})
		rs.Mode = state.ModeWeb
		rs.Status = state.StatusRunning
		rs.Verdict = ""
		rs.Touch()
		rc.Emit(events.KindStatus, map[string]any{"phase": "resumed"})
		return NodeWebPlan, nil
	}

	if rs.Mode == state.ModeClarify && rs.FinalReport == "" {
		rs.Status = state.StatusAwaitingReview
		rs.Touch()
		rc.Emit(events.KindStatus, map[string]any{"phase": "awaiting_review"})
		return NodeEnd, nil
	}

	rs.Status = state.StatusCompleted
	rs.Touch()
	rc.Emit(events.KindCompletion, map[string]any{
		"report":       rs.FinalReport,
		"verdict":      string(rs.Verdict),
		"epochs":       rs.Epoch,
		"revisions":    rs.Revisions,
		"sources":      len(rs.Sources),
		"tokens_used":  rs.Budget.TokensUsed,
		"wall_seconds": rs.Budget.WallSecondsUsed,
	})
	return NodeEnd, nil
}

// budgetExit finishes a run whose budget ran out: keep the current draft
// if one exists, otherwise assemble the mechanical fallback, and mark the
// verdict abort. Distinct from cancellation.
func (g *Graph) budgetExit(rc *RunContext, rs *state.RunState, cause error) NodeID {
	resource := "budget"
	var be *weavererrors.BudgetExceededError
	if stderrors.As(cause, &be) {
		resource = be.Resource
	}

	if rs.DraftReport == "" {
		rs.DraftReport = deepsearch.ComposeFallback(rs)
	}
	rs.FinalReport = rs.DraftReport
	rs.Verdict = state.VerdictAbort
	rs.Touch()

	rc.Logger.Warn("budget exhausted, aborting with partial report",
		log.String("resource", resource))
	rc.Emit(events.KindQuality, map[string]any{
		"verdict":         string(state.VerdictAbort),
		"budget_exceeded": true,
		"resource":        resource,
	})
	return NodeHumanReview
}

func planTexts(queries []state.SubQuery) []string {
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		out = append(out, q.Text)
	}
	return out
}

func dimensionTexts(dims []state.Dimension) []string {
	out := make([]string, 0, len(dims))
	for _, d := range dims {
		out = append(out, string(d))
	}
	return out
}
