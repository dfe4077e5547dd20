// Package state defines the run state threaded through the research workflow.
//
// A RunState is owned by exactly one run. Nodes receive a clone, mutate it
// freely, and return it to the workflow driver, which merges the result back
// as the single writer. Nothing in this package is safe for concurrent
// mutation of the same RunState value.
package state

import (
	"strings"
	"time"

	"github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
)

// Mode is the routing decision for a run.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeWeb     Mode = "web"
	ModeAgent   Mode = "agent"
	ModeDeep    Mode = "deep"
	ModeClarify Mode = "clarify"
)

// ParseMode normalizes and validates a mode string.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeDirect, ModeWeb, ModeAgent, ModeDeep, ModeClarify:
		return m, nil
	}
	return "", &errors.ValidationError{
		Field:      "mode",
		Message:    "unknown mode " + strings.TrimSpace(s),
		Suggestion: "use one of: direct, web, agent, deep, clarify",
	}
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusAwaitingReview Status = "awaiting_review"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusFailed         Status = "failed"
)

// Terminal reports whether the run has reached a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Verdict is the evaluator's outcome for a draft report.
type Verdict string

const (
	VerdictNone   Verdict = ""
	VerdictPass   Verdict = "pass"
	VerdictRevise Verdict = "revise"
	VerdictAbort  Verdict = "abort"
)

// Dimension classifies a sub-query by the kind of evidence it targets.
type Dimension string

const (
	DimensionTemporal     Dimension = "temporal"
	DimensionComparative  Dimension = "comparative"
	DimensionCausal       Dimension = "causal"
	DimensionDefinitional Dimension = "definitional"
	DimensionQuantitative Dimension = "quantitative"
)

// Dimensions returns the planning dimensions in canonical order.
func Dimensions() []Dimension {
	return []Dimension{
		DimensionTemporal,
		DimensionComparative,
		DimensionCausal,
		DimensionDefinitional,
		DimensionQuantitative,
	}
}

// SubQueryStatus tracks a sub-query through its lifecycle.
type SubQueryStatus string

const (
	SubQueryPending  SubQueryStatus = "pending"
	SubQueryInFlight SubQueryStatus = "in_flight"
	SubQueryDone     SubQueryStatus = "done"
	SubQueryFailed   SubQueryStatus = "failed"
)

// SubQuery is a single planned research query. Created by the planner,
// executed by the search orchestrator, consumed by the evaluator.
type SubQuery struct {
	Text        string         `json:"text"`
	Dimension   Dimension      `json:"dimension"`
	IssuedEpoch int            `json:"issued_epoch"`
	Status      SubQueryStatus `json:"status"`

	// SourceIDs records the sources this sub-query's results contributed,
	// so coverage can be scored per dimension.
	SourceIDs []string `json:"source_ids,omitempty"`
}

func (q SubQuery) clone() SubQuery {
	out := q
	if q.SourceIDs != nil {
		out.SourceIDs = append([]string(nil), q.SourceIDs...)
	}
	return out
}

// Source is a single piece of evidence. Immutable once inserted into a
// RunState; later sightings of the same canonical URL are dropped.
type Source struct {
	SourceID       string     `json:"source_id"`
	URL            string     `json:"url"`     // canonical form
	RawURL         string     `json:"raw_url"` // as received from the provider
	Title          string     `json:"title"`
	Excerpt        string     `json:"excerpt"`
	FullText       string     `json:"full_text,omitempty"`
	Provider       string     `json:"provider"`
	Providers      []string   `json:"providers,omitempty"` // all providers that returned this URL
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	FreshnessDays  *float64   `json:"freshness_days,omitempty"`
	RelevanceScore float64    `json:"relevance_score"`
	RankScore      float64    `json:"rank_score"`
}

// Clone returns a deep copy of the source.
func (s Source) Clone() Source {
	out := s
	if s.Providers != nil {
		out.Providers = append([]string(nil), s.Providers...)
	}
	if s.PublishedAt != nil {
		t := *s.PublishedAt
		out.PublishedAt = &t
	}
	if s.FreshnessDays != nil {
		d := *s.FreshnessDays
		out.FreshnessDays = &d
	}
	return out
}

// QualityMetrics holds the evaluator's scores for a draft report.
// All ratio fields are in [0, 1].
type QualityMetrics struct {
	QueryCoverage     float64 `json:"query_coverage"`
	CitationCoverage  float64 `json:"citation_coverage"`
	FreshnessRatio    float64 `json:"freshness_ratio"`
	Consistency       float64 `json:"consistency"`
	UnsupportedClaims int     `json:"unsupported_claims"`
}

// Budget tracks token and wall-clock consumption against per-run caps.
// A cap of zero means unlimited.
type Budget struct {
	TokensUsed      int64   `json:"tokens_used"`
	WallSecondsUsed float64 `json:"wall_seconds_used"`
	TokensCap       int64   `json:"tokens_cap"`
	SecondsCap      float64 `json:"seconds_cap"`
}

// TokensExhausted reports whether the token budget has been consumed.
func (b Budget) TokensExhausted() bool {
	return b.TokensCap > 0 && b.TokensUsed >= b.TokensCap
}

// WallExhausted reports whether the wall-clock budget has been consumed.
func (b Budget) WallExhausted() bool {
	return b.SecondsCap > 0 && b.WallSecondsUsed >= b.SecondsCap
}

// Exhausted reports whether either budget dimension has been consumed.
func (b Budget) Exhausted() bool {
	return b.TokensExhausted() || b.WallExhausted()
}

// ExhaustedResource names the first exhausted budget dimension, or "".
func (b Budget) ExhaustedResource() string {
	if b.TokensExhausted() {
		return "tokens"
	}
	if b.WallExhausted() {
		return "seconds"
	}
	return ""
}

// EpochSummary is the distilled text produced at the end of one
// deep-search epoch.
type EpochSummary struct {
	Epoch      int       `json:"epoch"`
	Text       string    `json:"text"`
	SourceIDs  []string  `json:"source_ids,omitempty"`
	Sufficient bool      `json:"sufficient"`
	CreatedAt  time.Time `json:"created_at"`
}

func (e EpochSummary) clone() EpochSummary {
	out := e
	if e.SourceIDs != nil {
		out.SourceIDs = append([]string(nil), e.SourceIDs...)
	}
	return out
}

// TreeNode is one explored branch of a tree-mode deep search.
type TreeNode struct {
	Query     string      `json:"query"`
	Depth     int         `json:"depth"`
	SourceIDs []string    `json:"source_ids,omitempty"`
	Children  []*TreeNode `json:"children,omitempty"`
}

// Clone returns a deep copy of the subtree rooted at n.
func (n *TreeNode) Clone() *TreeNode {
	if n == nil {
		return nil
	}
	out := &TreeNode{
		Query: n.Query,
		Depth: n.Depth,
	}
	if n.SourceIDs != nil {
		out.SourceIDs = append([]string(nil), n.SourceIDs...)
	}
	for _, child := range n.Children {
		out.Children = append(out.Children, child.Clone())
	}
	return out
}

// Artifacts are structured by-products of a run persisted for inspection
// and resume.
type Artifacts struct {
	ResearchTree   *TreeNode `json:"research_tree,omitempty"`
	QueriesIssued  []string  `json:"queries_issued,omitempty"`
	QualitySummary string    `json:"quality_summary,omitempty"`
}

// Clone returns a deep copy of the artifacts.
func (a Artifacts) Clone() Artifacts {
	out := a
	out.ResearchTree = a.ResearchTree.Clone()
	if a.QueriesIssued != nil {
		out.QueriesIssued = append([]string(nil), a.QueriesIssued...)
	}
	return out
}

// RunState is the full workflow state for one research run.
type RunState struct {
	RunID  string `json:"run_id"`
	Input  string `json:"input"`
	Mode   Mode   `json:"mode,omitempty"`
	Status Status `json:"status"`
	Model  string `json:"model,omitempty"`
	UserID string `json:"user_id,omitempty"`

	// DeepSearchMode overrides the engine's configured mode selector for
	// this run only. Empty means use the configured default.
	DeepSearchMode string `json:"deepsearch_mode,omitempty"`

	Messages []llm.Message `json:"messages,omitempty"`
	Plan     []SubQuery    `json:"plan,omitempty"`

	// Sources is keyed by SourceID. SourceOrder records insertion order so
	// citation indices stay stable across epochs and resumes.
	Sources     map[string]Source `json:"sources,omitempty"`
	SourceOrder []string          `json:"source_order,omitempty"`

	Summaries   []EpochSummary `json:"summaries,omitempty"`
	DraftReport string         `json:"draft_report,omitempty"`
	FinalReport string         `json:"final_report,omitempty"`

	Quality   QualityMetrics `json:"quality"`
	Verdict   Verdict        `json:"verdict,omitempty"`
	Epoch     int            `json:"epoch"`
	Revisions int            `json:"revisions"`
	Budget    Budget         `json:"budget"`

	// Gaps are the dimensions the evaluator found uncovered, kept so a
	// resumed refinement still knows what to target.
	Gaps []Dimension `json:"gaps,omitempty"`

	CancelTokenID string    `json:"cancel_token_id,omitempty"`
	Artifacts     Artifacts `json:"artifacts"`
	Error         string    `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a RunState for a fresh run.
func New(runID, input string) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:     runID,
		Input:     input,
		Status:    StatusPending,
		Sources:   make(map[string]Source),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddSource inserts a source if its ID is not already present. Returns the
// source ID and true on insert, or the existing ID and false on duplicate.
func (s *RunState) AddSource(src Source) (string, bool) {
	if s.Sources == nil {
		s.Sources = make(map[string]Source)
	}
	if _, exists := s.Sources[src.SourceID]; exists {
		return src.SourceID, false
	}
	s.Sources[src.SourceID] = src.Clone()
	s.SourceOrder = append(s.SourceOrder, src.SourceID)
	return src.SourceID, true
}

// GetSource returns a copy of the source with the given ID.
func (s *RunState) GetSource(id string) (Source, bool) {
	src, ok := s.Sources[id]
	if !ok {
		return Source{}, false
	}
	return src.Clone(), true
}

// OrderedSources returns copies of all sources in insertion order.
func (s *RunState) OrderedSources() []Source {
	out := make([]Source, 0, len(s.SourceOrder))
	for _, id := range s.SourceOrder {
		if src, ok := s.Sources[id]; ok {
			out = append(out, src.Clone())
		}
	}
	return out
}

// CitationIndex returns the 1-based citation number for a source ID.
func (s *RunState) CitationIndex(sourceID string) (int, bool) {
	for i, id := range s.SourceOrder {
		if id == sourceID {
			return i + 1, true
		}
	}
	return 0, false
}

// SourceByCitation resolves a 1-based citation number to its source.
func (s *RunState) SourceByCitation(n int) (Source, bool) {
	if n < 1 || n > len(s.SourceOrder) {
		return Source{}, false
	}
	return s.GetSource(s.SourceOrder[n-1])
}

// AppendMessage adds a message to the dialogue.
func (s *RunState) AppendMessage(msg llm.Message) {
	s.Messages = append(s.Messages, msg)
}

// RecordUsage adds an LLM call's token consumption to the budget.
func (s *RunState) RecordUsage(usage llm.TokenUsage) {
	s.Budget.TokensUsed += int64(usage.TotalTokens)
}

// IssuedQueries returns the text of every sub-query planned so far.
func (s *RunState) IssuedQueries() []string {
	out := make([]string, 0, len(s.Plan))
	for _, q := range s.Plan {
		out = append(out, q.Text)
	}
	return out
}

// Touch updates the modification timestamp.
func (s *RunState) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy safe to hand to a node for mutation.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Messages != nil {
		out.Messages = make([]llm.Message, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m
			if m.ToolCalls != nil {
				out.Messages[i].ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
			}
		}
	}
	if s.Plan != nil {
		out.Plan = make([]SubQuery, len(s.Plan))
		for i, q := range s.Plan {
			out.Plan[i] = q.clone()
		}
	}
	if s.Sources != nil {
		out.Sources = make(map[string]Source, len(s.Sources))
		for id, src := range s.Sources {
			out.Sources[id] = src.Clone()
		}
	}
	if s.SourceOrder != nil {
		out.SourceOrder = append([]string(nil), s.SourceOrder...)
	}
	if s.Summaries != nil {
		out.Summaries = make([]EpochSummary, len(s.Summaries))
		for i, sum := range s.Summaries {
			out.Summaries[i] = sum.clone()
		}
	}
	if s.Gaps != nil {
		out.Gaps = append([]Dimension(nil), s.Gaps...)
	}
	out.Artifacts = s.Artifacts.Clone()
	return &out
}
