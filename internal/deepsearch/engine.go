// Package deepsearch implements the iterative research core: a bounded
// loop of epochs that plans sub-queries, searches, hydrates the strongest
// results and summarizes them, stopping when the summarizer judges the
// findings sufficient or a budget runs out.
package deepsearch

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/checkpoint"
	"github.com/tombee/weaver/internal/events"
	"github.com/tombee/weaver/internal/hydrate"
	"github.com/tombee/weaver/internal/memory"
	"github.com/tombee/weaver/internal/orchestrator"
	"github.com/tombee/weaver/internal/planner"
	"github.com/tombee/weaver/internal/state"
	"github.com/tombee/weaver/internal/truncate"
	pkgerrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
)

// Mode selects how the epoch loop explores a topic.
type Mode string

const (
	// ModeAuto picks tree for comparative or enumerative topics and for
	// topics whose first epoch surfaces many strong roots, else linear.
	ModeAuto Mode = "auto"
	// ModeTree branches follow-up queries off the strongest results of
	// each epoch, to a bounded depth.
	ModeTree Mode = "tree"
	// ModeLinear runs the plain epoch loop.
	ModeLinear Mode = "linear"
)

// ParseMode validates a mode string. Empty selects auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAuto, "":
		return ModeAuto, nil
	case ModeTree:
		return ModeTree, nil
	case ModeLinear:
		return ModeLinear, nil
	default:
		return "", pkgerrors.NewValidationError("deepsearch_mode",
			fmt.Sprintf("unknown mode %q", s), "use auto, tree or linear")
	}
}

const (
	DefaultMaxEpochs       = 3
	DefaultQueryNum        = 5
	DefaultResultsPerQuery = 5
	DefaultTreeBranches    = 2
	DefaultTreeDepth       = 1
	DefaultRootThreshold   = 4

	// highRelevance marks a ranked source as a strong root when auto
	// mode decides whether the topic warrants tree exploration.
	highRelevance = 0.7
)

var treePattern = regexp.MustCompile(`(?i)\b(compare|vs|versus|top \d+|list of|difference between)\b`)

// Config holds deep-search settings.
type Config struct {
	// MaxEpochs bounds the epoch loop. Zero is honored and means the
	// loop never runs; negative selects the default.
	MaxEpochs int

	// QueryNum caps planner sub-queries per epoch. Default 5.
	QueryNum int

	// ResultsPerQuery caps new sources kept per sub-query. Default 5.
	ResultsPerQuery int

	// Mode is the exploration mode. Default auto.
	Mode Mode

	// TreeBranches is how many top results spawn follow-up queries per
	// sub-query in tree mode. Default 2.
	TreeBranches int

	// TreeDepth bounds how many branch levels hang below a sub-query.
	// Default 1.
	TreeDepth int

	// RootThreshold is the high-relevance source count above which auto
	// mode upgrades to tree after the first epoch. Default 4.
	RootThreshold int

	// Profile routes searches to a provider subset, e.g. "academic".
	Profile string

	// RecallTopK bounds how many prior-run records seed the first plan.
	// Zero selects the store's default.
	RecallTopK int

	// Model overrides the provider's default model.
	Model string

	// ContextMaxTokens caps prompt size before each completion. Zero
	// disables truncation.
	ContextMaxTokens int

	// Truncation selects how oversized prompts are reduced.
	Truncation truncate.Strategy
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		MaxEpochs:       DefaultMaxEpochs,
		QueryNum:        DefaultQueryNum,
		ResultsPerQuery: DefaultResultsPerQuery,
		Mode:            ModeAuto,
		TreeBranches:    DefaultTreeBranches,
		TreeDepth:       DefaultTreeDepth,
		RootThreshold:   DefaultRootThreshold,
	}
}

// Hooks carries the per-run reporting channels. The zero value is valid
// and silently discards events and checkpoints.
type Hooks struct {
	Stream      *events.Stream
	Checkpoints *checkpoint.Manager
}

// Engine drives the epoch loop for deep-mode runs.
type Engine struct {
	provider llm.Provider
	search   *orchestrator.Orchestrator
	hydrator *hydrate.Hydrator
	recall   memory.Store
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an engine. hydrator and recall may be nil, which disables
// content hydration and prior-run recall respectively.
func New(provider llm.Provider, search *orchestrator.Orchestrator, hydrator *hydrate.Hydrator, recall memory.Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxEpochs < 0 {
		cfg.MaxEpochs = DefaultMaxEpochs
	}
	if cfg.QueryNum <= 0 {
		cfg.QueryNum = DefaultQueryNum
	}
	if cfg.ResultsPerQuery <= 0 {
		cfg.ResultsPerQuery = DefaultResultsPerQuery
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.TreeBranches <= 0 {
		cfg.TreeBranches = DefaultTreeBranches
	}
	if cfg.TreeDepth <= 0 {
		cfg.TreeDepth = DefaultTreeDepth
	}
	if cfg.RootThreshold <= 0 {
		cfg.RootThreshold = DefaultRootThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider: provider,
		search:   search,
		hydrator: hydrator,
		recall:   recall,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the epoch loop against rs, which may carry state restored
// from a checkpoint; completed epochs are not repeated. Token usage and
// wall time accumulate into rs.Budget as the loop proceeds. On budget
// exhaustion Run checkpoints what it has and returns a
// BudgetExceededError; callers treat that as an orderly stop and compose
// a partial report from the surviving state.
func (e *Engine) Run(ctx context.Context, tok *cancel.Token, hooks Hooks, rs *state.RunState) error {
	if rs == nil || strings.TrimSpace(rs.Input) == "" {
		return pkgerrors.NewValidationError("input", "must not be empty", "provide a research topic")
	}

	prov := llm.Metered(e.provider, rs.RecordUsage)
	plan := planner.New(prov, planner.Config{QueryNum: e.cfg.QueryNum, Model: e.modelFor(rs)}, e.logger)

	mode, autoPending := e.resolveMode(rs)
	if rs.Artifacts.ResearchTree == nil {
		rs.Artifacts.ResearchTree = &state.TreeNode{Query: rs.Input}
	}

	e.emit(hooks, events.KindStatus, map[string]any{
		"phase": "deepsearch",
		"mode":  string(mode),
		"epoch": rs.Epoch,
	})

	if e.cfg.MaxEpochs == 0 {
		e.logger.Info("deep search disabled, no epochs to run", "run_id", rs.RunID)
		return nil
	}

	prior := e.recallPrior(ctx, rs)

	lastTick := e.now()
	for rs.Epoch < e.cfg.MaxEpochs {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Guard before the planning completion.
		if err := e.tick(rs, &lastTick); err != nil {
			e.seal(ctx, hooks, rs)
			return err
		}

		known := summaryTexts(rs)
		if rs.Epoch == 0 {
			known = append(prior, known...)
		}
		queries, err := plan.Plan(ctx, tok, rs.Input, known, rs.IssuedQueries())
		if err != nil {
			return fmt.Errorf("epoch %d plan: %w", rs.Epoch, err)
		}
		if len(queries) == 0 {
			e.logger.Info("planner has no new queries, stopping",
				"run_id", rs.RunID,
				"epoch", rs.Epoch)
			break
		}
		for i := range queries {
			queries[i].IssuedEpoch = rs.Epoch
		}
		start := len(rs.Plan)
		rs.Plan = append(rs.Plan, queries...)
		end := len(rs.Plan)
		rs.Artifacts.QueriesIssued = rs.IssuedQueries()

		e.emit(hooks, events.KindPlan, map[string]any{
			"epoch":   rs.Epoch,
			"queries": queryTexts(queries),
		})

		chosen, err := e.searchEpoch(ctx, tok, hooks, rs, start, end, mode)
		if err != nil {
			return err
		}

		if autoPending {
			autoPending = false
			if roots := countHighRelevance(chosen); roots > e.cfg.RootThreshold {
				mode = ModeTree
				e.logger.Info("strong roots found, switching to tree exploration",
					"run_id", rs.RunID,
					"roots", roots)
			}
		}

		// Guard before the summary completion.
		if err := e.tick(rs, &lastTick); err != nil {
			e.seal(ctx, hooks, rs)
			return err
		}

		if e.hydrator != nil && len(chosen) > 0 {
			if err := e.hydrator.Hydrate(ctx, tok, chosen); err != nil {
				return err
			}
		}
		for _, src := range chosen {
			rs.AddSource(*src)
		}

		summary, err := e.summarize(ctx, tok, prov, rs, chosen)
		if err != nil {
			return fmt.Errorf("epoch %d summarize: %w", rs.Epoch, err)
		}
		rs.Summaries = append(rs.Summaries, summary)

		e.emit(hooks, events.KindArtifact, map[string]any{
			"kind":       "epoch_summary",
			"epoch":      summary.Epoch,
			"summary":    summary.Text,
			"sufficient": summary.Sufficient,
			"sources":    len(summary.SourceIDs),
		})

		rs.Epoch++
		rs.Touch()
		budgetErr := e.tick(rs, &lastTick)
		e.checkpoint(ctx, hooks, rs)
		if budgetErr != nil {
			return budgetErr
		}
		if tok != nil {
			if err := tok.At(cancel.AfterEpoch); err != nil {
				return err
			}
		}
		if summary.Sufficient {
			e.logger.Info("findings sufficient, stopping early",
				"run_id", rs.RunID,
				"epochs", rs.Epoch)
			break
		}
	}

	e.emit(hooks, events.KindArtifact, map[string]any{
		"kind": "research_tree",
		"tree": rs.Artifacts.ResearchTree,
	})
	e.rememberFindings(ctx, rs)
	return nil
}

// searchEpoch runs every sub-query in rs.Plan[start:end], keeping only
// sources not already selected in earlier epochs and capping each query's
// contribution. Individual query failures degrade to a tool_error event;
// cancellation and an empty provider set abort the epoch.
func (e *Engine) searchEpoch(ctx context.Context, tok *cancel.Token, hooks Hooks, rs *state.RunState, start, end int, mode Mode) ([]*state.Source, error) {
	seen := make(map[string]bool, len(rs.Sources))
	for id := range rs.Sources {
		seen[id] = true
	}

	var chosen []*state.Source
	for i := start; i < end; i++ {
		text := rs.Plan[i].Text
		rs.Plan[i].Status = state.SubQueryInFlight
		e.emit(hooks, events.KindToolStart, map[string]any{
			"tool":  "search",
			"query": text,
			"epoch": rs.Epoch,
		})

		results, err := e.search.Search(ctx, tok, []string{text}, e.searchOpts())
		if err != nil {
			rs.Plan[i].Status = state.SubQueryFailed
			if pkgerrors.IsCancelled(err) || stderrors.Is(err, pkgerrors.ErrNoProviders) || ctx.Err() != nil {
				return nil, err
			}
			e.emit(hooks, events.KindToolError, map[string]any{
				"tool":  "search",
				"query": text,
				"error": err.Error(),
			})
			e.logger.Warn("sub-query search failed",
				"run_id", rs.RunID,
				"query", text,
				"error", err)
			continue
		}

		picked := pickNew(results, seen, e.cfg.ResultsPerQuery)
		rs.Plan[i].SourceIDs = sourceIDs(picked)
		rs.Plan[i].Status = state.SubQueryDone
		chosen = append(chosen, picked...)

		e.emit(hooks, events.KindToolResult, map[string]any{
			"tool":    "search",
			"query":   text,
			"results": len(picked),
			"epoch":   rs.Epoch,
		})

		node := &state.TreeNode{
			Query:     text,
			Depth:     1,
			SourceIDs: sourceIDs(picked),
		}
		rs.Artifacts.ResearchTree.Children = append(rs.Artifacts.ResearchTree.Children, node)

		if mode == ModeTree {
			branched, err := e.expandBranches(ctx, tok, hooks, rs, node, picked, rs.Plan[i].Dimension, seen, 1)
			if err != nil {
				return nil, err
			}
			chosen = append(chosen, branched...)
		}
	}
	return chosen, nil
}

// tick folds wall-clock time since the last call into the budget and
// reports when a cap has been crossed.
func (e *Engine) tick(rs *state.RunState, last *time.Time) error {
	now := e.now()
	rs.Budget.WallSecondsUsed += now.Sub(*last).Seconds()
	*last = now

	switch rs.Budget.ExhaustedResource() {
	case "tokens":
		return pkgerrors.NewBudgetExceededError(rs.RunID, "tokens", rs.Budget.TokensUsed, rs.Budget.TokensCap)
	case "seconds":
		return pkgerrors.NewBudgetExceededError(rs.RunID, "seconds", int64(rs.Budget.WallSecondsUsed), int64(rs.Budget.SecondsCap))
	}
	return nil
}

// seal checkpoints mid-epoch state before an orderly budget exit so the
// partial plan and sources survive for the fallback report.
func (e *Engine) seal(ctx context.Context, hooks Hooks, rs *state.RunState) {
	rs.Touch()
	e.checkpoint(ctx, hooks, rs)
}

func (e *Engine) resolveMode(rs *state.RunState) (Mode, bool) {
	mode := e.cfg.Mode
	if rs.DeepSearchMode != "" {
		if m, err := ParseMode(rs.DeepSearchMode); err == nil {
			mode = m
		}
	}
	switch mode {
	case ModeTree:
		return ModeTree, false
	case ModeLinear:
		return ModeLinear, false
	}
	if treePattern.MatchString(rs.Input) {
		return ModeTree, false
	}
	// Provisionally linear; the first epoch's evidence may upgrade it.
	return ModeLinear, true
}

// recallPrior pulls findings from earlier runs to seed the first plan.
func (e *Engine) recallPrior(ctx context.Context, rs *state.RunState) []string {
	if e.recall == nil {
		return nil
	}
	recs, err := e.recall.Search(ctx, recallNamespace(rs), rs.Input, e.cfg.RecallTopK)
	if err != nil {
		e.logger.Warn("memory recall failed",
			"run_id", rs.RunID,
			"error", err)
		return nil
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, "Prior research: "+r.Text)
	}
	return out
}

// rememberFindings stores the final summary so later runs on related
// topics can build on it.
func (e *Engine) rememberFindings(ctx context.Context, rs *state.RunState) {
	if e.recall == nil || len(rs.Summaries) == 0 {
		return
	}
	last := rs.Summaries[len(rs.Summaries)-1]
	rec := memory.Record{
		ID:   fmt.Sprintf("%s-%d", rs.RunID, last.Epoch),
		Text: rs.Input + ": " + last.Text,
		Metadata: map[string]string{
			"run_id": rs.RunID,
			"mode":   string(rs.Mode),
		},
	}
	if err := e.recall.Add(ctx, recallNamespace(rs), rec); err != nil {
		e.logger.Warn("memory store failed",
			"run_id", rs.RunID,
			"error", err)
	}
}

func recallNamespace(rs *state.RunState) string {
	if rs.UserID != "" {
		return rs.UserID
	}
	return "global"
}

func (e *Engine) searchOpts() orchestrator.Options {
	return orchestrator.Options{
		Profile:            e.cfg.Profile,
		MaxResultsPerQuery: e.cfg.ResultsPerQuery,
	}
}

func (e *Engine) modelFor(rs *state.RunState) string {
	if rs.Model != "" {
		return rs.Model
	}
	return e.cfg.Model
}

func (e *Engine) emit(hooks Hooks, kind events.Kind, data map[string]any) {
	if hooks.Stream == nil {
		return
	}
	if err := hooks.Stream.Emit(kind, data); err != nil {
		e.logger.Debug("event dropped", "kind", string(kind), "error", err)
	}
}

// checkpoint persists the state at an epoch boundary. Save failures are
// logged by the manager and only cost resumability.
func (e *Engine) checkpoint(ctx context.Context, hooks Hooks, rs *state.RunState) {
	if hooks.Checkpoints == nil {
		return
	}
	var seq uint64
	if hooks.Stream != nil {
		seq = hooks.Stream.Seq()
	}
	_ = hooks.Checkpoints.Save(ctx, &checkpoint.Checkpoint{
		RunID:    rs.RunID,
		Node:     "deepsearch",
		Epoch:    rs.Epoch,
		EventSeq: seq,
		State:    rs,
	})
}

// pickNew filters already-selected sources and caps the remainder,
// preserving the orchestrator's rank order. Picked IDs are added to seen.
func pickNew(results []*state.Source, seen map[string]bool, k int) []*state.Source {
	var out []*state.Source
	for _, src := range results {
		if src == nil || seen[src.SourceID] {
			continue
		}
		seen[src.SourceID] = true
		out = append(out, src)
		if len(out) >= k {
			break
		}
	}
	return out
}

func countHighRelevance(srcs []*state.Source) int {
	n := 0
	for _, src := range srcs {
		if src.RelevanceScore >= highRelevance {
			n++
		}
	}
	return n
}

func sourceIDs(srcs []*state.Source) []string {
	out := make([]string, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, src.SourceID)
	}
	return out
}

func summaryTexts(rs *state.RunState) []string {
	out := make([]string, 0, len(rs.Summaries))
	for _, s := range rs.Summaries {
		out = append(out, s.Text)
	}
	return out
}

func queryTexts(queries []state.SubQuery) []string {
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		out = append(out, q.Text)
	}
	return out
}
