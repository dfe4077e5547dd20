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

// Package workflow drives a research run through its node graph.
//
// Nodes are functions over the run state: each receives the state, does
// its work, and names the next node. The driver is the single writer of
// RunState, publishes each node's outputs together with the transition
// as one atomic event group, folds wall time into the budget, and
// checkpoints at every node boundary.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/checkpoint"
	"github.com/tombee/weaver/internal/deepsearch"
	"github.com/tombee/weaver/internal/evaluate"
	"github.com/tombee/weaver/internal/events"
	"github.com/tombee/weaver/internal/log"
	"github.com/tombee/weaver/internal/metrics"
	"github.com/tombee/weaver/internal/orchestrator"
	"github.com/tombee/weaver/internal/planner"
	"github.com/tombee/weaver/internal/state"
	"github.com/tombee/weaver/internal/truncate"
	weavererrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
)

// NodeID names a node in the research graph.
type NodeID string

const (
	NodeRouter         NodeID = "router"
	NodeDirectAnswer   NodeID = "direct_answer"
	NodeWebPlan        NodeID = "web_plan"
	NodeRefinePlan     NodeID = "refine_plan"
	NodeParallelSearch NodeID = "parallel_search"
	NodeWriter         NodeID = "writer"
	NodeEvaluator      NodeID = "evaluator"
	NodeDeepSearch     NodeID = "deepsearch"
	NodeAgent          NodeID = "agent"
	NodeClarify        NodeID = "clarify"
	NodeHumanReview    NodeID = "human_review"

	// NodeEnd terminates the driver loop. It is a sentinel, not a node.
	NodeEnd NodeID = "end"
)

// NodeFunc executes one node against the run state and names the next.
type NodeFunc func(ctx context.Context, rc *RunContext, rs *state.RunState) (NodeID, error)

// Options tunes node behavior. Zero values select the defaults noted on
// each field.
type Options struct {
	// Model is the default model for every completion; a run-level
	// model override wins.
	Model string

	// QueryNum caps planner sub-queries per pass. Default 5.
	QueryNum int

	// ResultsPerQuery bounds sources kept per sub-query. Default 5.
	ResultsPerQuery int

	// SearchProfile routes web-mode searches, e.g. "news".
	SearchProfile string

	// SearchParallelism bounds concurrent sub-query fan-out inside the
	// parallel_search node. Default 4.
	SearchParallelism int

	// Rules are evaluated in order before the LLM classifier.
	Rules []Rule

	// MinConfidence is the classification confidence below which the
	// router falls back to web mode. Default 0.5.
	MinConfidence float64

	// AgentMaxIterations bounds the agent node's reason/act loop.
	// Default 4.
	AgentMaxIterations int

	// ContextMaxTokens and Truncation bound prompt assembly for the
	// writer and the agent dialogue.
	ContextMaxTokens int
	Truncation       truncate.Strategy

	// Evaluator and Verifier configure the citation gate built per run.
	Evaluator evaluate.Config
	Verifier  evaluate.VerifierConfig
}

func (o Options) withDefaults() Options {
	if o.QueryNum <= 0 {
		o.QueryNum = 5
	}
	if o.ResultsPerQuery <= 0 {
		o.ResultsPerQuery = 5
	}
	if o.SearchParallelism <= 0 {
		o.SearchParallelism = 4
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = 0.5
	}
	if o.AgentMaxIterations <= 0 {
		o.AgentMaxIterations = 4
	}
	return o
}

// Graph is the compiled research state machine. One Graph serves every
// run; per-run wiring lives in RunContext.
type Graph struct {
	provider llm.Provider
	search   *orchestrator.Orchestrator
	engine   *deepsearch.Engine
	opts     Options
	rules    *ruleSet
	nodes    map[NodeID]NodeFunc
	logger   *slog.Logger
}

// New compiles the graph. Router rules are compiled eagerly so a bad
// expression fails startup, not a run.
func New(provider llm.Provider, search *orchestrator.Orchestrator, engine *deepsearch.Engine, opts Options, logger *slog.Logger) (*Graph, error) {
	if provider == nil {
		return nil, weavererrors.NewConfigError("llm.provider", "workflow requires an LLM provider")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := compileRules(opts.Rules)
	if err != nil {
		return nil, err
	}
	g := &Graph{
		provider: provider,
		search:   search,
		engine:   engine,
		opts:     opts.withDefaults(),
		rules:    rules,
		logger:   log.WithComponent(logger, "workflow"),
	}
	g.nodes = map[NodeID]NodeFunc{
		NodeRouter:         g.routerNode,
		NodeDirectAnswer:   g.directAnswerNode,
		NodeWebPlan:        g.webPlanNode,
		NodeRefinePlan:     g.refinePlanNode,
		NodeParallelSearch: g.parallelSearchNode,
		NodeWriter:         g.writerNode,
		NodeEvaluator:      g.evaluatorNode,
		NodeDeepSearch:     g.deepSearchNode,
		NodeAgent:          g.agentNode,
		NodeClarify:        g.clarifyNode,
		NodeHumanReview:    g.humanReviewNode,
	}
	return g, nil
}

// RunContext carries one run's wiring: its cancel token, event stream,
// checkpoint manager, and components built around the run's metered
// provider so every completion lands in the budget.
type RunContext struct {
	Token       *cancel.Token
	Stream      *events.Stream
	Checkpoints *checkpoint.Manager

	// Provider meters token usage into the run state.
	Provider llm.Provider

	Planner   *planner.Planner
	Writer    *deepsearch.Writer
	Evaluator *evaluate.Evaluator

	// ResumePayload is the human answer supplied on resume after an
	// interrupt. Empty on fresh runs.
	ResumePayload string

	Logger *slog.Logger

	mu      sync.Mutex
	pending []events.Event
}

// NewRunContext wires the per-run components. Completions issued through
// rc.Provider accumulate into rs.Budget.
func (g *Graph) NewRunContext(tok *cancel.Token, stream *events.Stream, ckpts *checkpoint.Manager, rs *state.RunState) *RunContext {
	metered := llm.Metered(g.provider, rs.RecordUsage)
	logger := log.WithRunContext(g.logger, rs.RunID, string(rs.Mode))

	verifier := evaluate.NewVerifier(metered, g.opts.Verifier, logger)
	return &RunContext{
		Token:       tok,
		Stream:      stream,
		Checkpoints: ckpts,
		Provider:    metered,
		Planner: planner.New(metered, planner.Config{
			QueryNum: g.opts.QueryNum,
			Model:    g.opts.Model,
		}, logger),
		Writer: deepsearch.NewWriter(metered, deepsearch.WriterConfig{
			Model:            g.opts.Model,
			ContextMaxTokens: g.opts.ContextMaxTokens,
			Truncation:       g.opts.Truncation,
		}, logger),
		Evaluator: evaluate.New(g.opts.Evaluator, verifier, logger),
		Logger:    logger,
	}
}

// Emit buffers an event for the current node's atomic group. Safe for
// concurrent use by fan-out work inside a node.
func (rc *RunContext) Emit(kind events.Kind, data map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.pending = append(rc.pending, events.Event{Type: kind, Data: data})
}

// flush publishes the buffered node outputs plus the transition record
// as one atomic group.
func (rc *RunContext) flush(node, next NodeID) {
	rc.mu.Lock()
	group := rc.pending
	rc.pending = nil
	rc.mu.Unlock()

	group = append(group, events.Event{
		Type: events.KindStatus,
		Data: map[string]any{"node": string(node), "next": string(next)},
	})
	if rc.Stream == nil {
		return
	}
	if err := rc.Stream.Publish(group...); err != nil && rc.Logger != nil {
		rc.Logger.Debug("event group dropped", log.Error(err))
	}
}

// flushPartial publishes whatever a failing node buffered, without a
// transition record. The work those events describe did happen.
func (rc *RunContext) flushPartial() {
	rc.mu.Lock()
	group := rc.pending
	rc.pending = nil
	rc.mu.Unlock()

	if len(group) == 0 || rc.Stream == nil {
		return
	}
	if err := rc.Stream.Publish(group...); err != nil && rc.Logger != nil {
		rc.Logger.Debug("event group dropped", log.Error(err))
	}
}

// guardBudget is the pre-completion budget check. The engine guards its
// own epochs; this covers completions issued by graph nodes.
func (rc *RunContext) guardBudget(rs *state.RunState) error {
	if !rs.Budget.Exhausted() {
		return nil
	}
	switch rs.Budget.ExhaustedResource() {
	case "tokens":
		return weavererrors.NewBudgetExceededError(rs.RunID, "tokens", rs.Budget.TokensUsed, rs.Budget.TokensCap)
	default:
		return weavererrors.NewBudgetExceededError(rs.RunID, "seconds",
			int64(rs.Budget.WallSecondsUsed), int64(rs.Budget.SecondsCap))
	}
}

// SearchAvailable reports whether any search provider is registered.
// Runs that need the web cannot start without one.
func (g *Graph) SearchAvailable() bool {
	return g.search != nil && g.search.HasProviders()
}

// model returns the completion model for this run.
func (g *Graph) model(rs *state.RunState) string {
	if rs.Model != "" {
		return rs.Model
	}
	return g.opts.Model
}

// Run drives rs from start until a node names NodeEnd. A fresh run
// starts at the router; a resumed run starts at its checkpointed node.
// Wall time folds into the budget at every boundary. The returned error
// is nil for parked (awaiting-review) and completed runs alike; callers
// inspect rs.Status.
func (g *Graph) Run(ctx context.Context, rc *RunContext, rs *state.RunState, start NodeID) error {
	node := start
	if node == "" {
		node = NodeRouter
	}

	lastTick := time.Now()
	for node != NodeEnd {
		fn, ok := g.nodes[node]
		if !ok {
			return &weavererrors.InternalError{
				Op:    "workflow dispatch",
				Cause: fmt.Errorf("no node registered for %q", node),
			}
		}

		rs.Budget.WallSecondsUsed += time.Since(lastTick).Seconds()
		lastTick = time.Now()

		began := time.Now()
		next, err := fn(ctx, rc, rs)
		metrics.ObserveNodeDuration(string(node), time.Since(began).Seconds())
		if err != nil {
			rc.flushPartial()
			return err
		}

		rc.flush(node, next)
		if next != NodeEnd {
			g.checkpointBoundary(ctx, rc, rs, next)
		}
		node = next
	}
	return nil
}

// checkpointBoundary persists the state with the next node to execute.
// Failures are logged and the run continues without resumability.
func (g *Graph) checkpointBoundary(ctx context.Context, rc *RunContext, rs *state.RunState, next NodeID) {
	if rc.Checkpoints == nil {
		return
	}
	var seq uint64
	if rc.Stream != nil {
		seq = rc.Stream.Seq()
	}
	err := rc.Checkpoints.Save(ctx, &checkpoint.Checkpoint{
		RunID:    rs.RunID,
		Node:     string(next),
		Epoch:    rs.Epoch,
		EventSeq: seq,
		State:    rs,
	})
	if err != nil {
		rc.Logger.Warn("node boundary checkpoint failed",
			log.String(log.NodeKey, string(next)),
			log.Error(err))
	}
}
