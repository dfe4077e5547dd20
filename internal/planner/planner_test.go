package planner

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/state"
	pkgerrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
)

func newTestPlanner(cfg Config, responses ...string) (*Planner, *llm.MockProvider) {
	mock := &llm.MockProvider{Responses: responses}
	return New(mock, cfg, nil), mock
}

func TestPlanParsesQueryObjects(t *testing.T) {
	p, mock := newTestPlanner(Config{}, `{"queries": [
		{"query": "history of go garbage collection", "dimension": "temporal"},
		{"query": "go vs java garbage collection", "dimension": "comparative"}
	]}`)

	plan, err := p.Plan(t.Context(), nil, "go garbage collector", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 sub-queries, got %d", len(plan))
	}
	if plan[0].Text != "history of go garbage collection" || plan[0].Dimension != state.DimensionTemporal {
		t.Errorf("unexpected first sub-query: %+v", plan[0])
	}
	if plan[1].Dimension != state.DimensionComparative {
		t.Errorf("expected comparative dimension, got %s", plan[1].Dimension)
	}
	for _, sq := range plan {
		if sq.Status != state.SubQueryPending {
			t.Errorf("expected pending status, got %s", sq.Status)
		}
	}
	if mock.CallCount() != 1 {
		t.Errorf("expected 1 completion call, got %d", mock.CallCount())
	}
}

func TestPlanRequestShape(t *testing.T) {
	p, mock := newTestPlanner(Config{Model: "strategic-1"}, `["error correction overhead figures"]`)

	_, err := p.Plan(t.Context(), nil, "quantum error correction",
		[]string{"surface codes dominate current hardware"},
		[]string{"quantum computing basics"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	req := calls[0]
	if req.Model != "strategic-1" {
		t.Errorf("expected configured model, got %q", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("expected temperature 0, got %v", req.Temperature)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.MessageRoleSystem || req.Messages[1].Role != llm.MessageRoleUser {
		t.Fatalf("expected system+user messages, got %+v", req.Messages)
	}
	user := req.Messages[1].Content
	for _, want := range []string{"quantum error correction", "surface codes dominate current hardware", "quantum computing basics"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestPlanAcceptsBareStringArray(t *testing.T) {
	p, _ := newTestPlanner(Config{}, `["alpha decay measurement", "beta decay measurement"]`)

	plan, err := p.Plan(t.Context(), nil, "radioactive decay", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 sub-queries, got %d", len(plan))
	}
	for _, sq := range plan {
		if sq.Dimension != state.DimensionDefinitional {
			t.Errorf("bare strings should default to definitional, got %s", sq.Dimension)
		}
	}
}

func TestPlanAcceptsWrappedStringList(t *testing.T) {
	p, _ := newTestPlanner(Config{}, `{"sub_queries": ["container escape techniques", "hypervisor isolation guarantees"]}`)

	plan, err := p.Plan(t.Context(), nil, "vm vs container isolation", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 sub-queries, got %d", len(plan))
	}
}

func TestPlanAcceptsSingleObject(t *testing.T) {
	p, _ := newTestPlanner(Config{}, `{"query": "why do massive stars collapse", "dimension": "causal"}`)

	plan, err := p.Plan(t.Context(), nil, "stellar collapse", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 1 {
		t.Fatalf("expected 1 sub-query, got %d", len(plan))
	}
	if plan[0].Dimension != state.DimensionCausal {
		t.Errorf("expected causal dimension, got %s", plan[0].Dimension)
	}
}

func TestPlanAcceptsFencedOutput(t *testing.T) {
	resp := "Here is the plan:\n```json\n{\"queries\": [{\"query\": \"llm context window growth 2025\", \"dimension\": \"temporal\"}]}\n```\nLet me know if you need more."
	p, _ := newTestPlanner(Config{}, resp)

	plan, err := p.Plan(t.Context(), nil, "llm context windows", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 1 || plan[0].Text != "llm context window growth 2025" {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestPlanFallsBackOnUnparseableOutput(t *testing.T) {
	p, _ := newTestPlanner(Config{}, "I cannot produce queries for that topic.")

	plan, err := p.Plan(t.Context(), nil, "solid state batteries", nil, nil)
	if err != nil {
		t.Fatalf("parse failure must not fail the run: %v", err)
	}
	if len(plan) != 1 {
		t.Fatalf("expected single fallback sub-query, got %d", len(plan))
	}
	if plan[0].Text != "solid state batteries" || plan[0].Dimension != state.DimensionDefinitional {
		t.Errorf("unexpected fallback sub-query: %+v", plan[0])
	}
}

func TestPlanFallsBackOnEmptyPlan(t *testing.T) {
	p, _ := newTestPlanner(Config{}, `{"queries": []}`)

	plan, err := p.Plan(t.Context(), nil, "rust async runtimes", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 1 || plan[0].Text != "rust async runtimes" {
		t.Fatalf("expected fallback to topic, got %+v", plan)
	}
}

func TestPlanUnknownDimensionDefaultsToDefinitional(t *testing.T) {
	p, _ := newTestPlanner(Config{}, `{"queries": [{"query": "graphene production methods", "dimension": "speculative"}]}`)

	plan, err := p.Plan(t.Context(), nil, "graphene", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 1 || plan[0].Dimension != state.DimensionDefinitional {
		t.Fatalf("unknown dimension should map to definitional, got %+v", plan)
	}
}

func TestPlanDedupsAgainstIssuedQueries(t *testing.T) {
	p, _ := newTestPlanner(Config{}, `["Go   Garbage Collector", "go garbage collector pause times", "java gc ergonomics"]`)

	plan, err := p.Plan(t.Context(), nil, "go gc", nil, []string{"go garbage collector"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 1 {
		t.Fatalf("expected 1 surviving sub-query, got %d: %+v", len(plan), plan)
	}
	if plan[0].Text != "java gc ergonomics" {
		t.Errorf("expected the non-overlapping query to survive, got %q", plan[0].Text)
	}
}

func TestPlanDropsCandidateContainedInIssued(t *testing.T) {
	p, _ := newTestPlanner(Config{}, `["garbage collector pause times", "write barrier costs"]`)

	plan, err := p.Plan(t.Context(), nil, "go gc", nil, []string{"go garbage collector pause times benchmarks"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 1 || plan[0].Text != "write barrier costs" {
		t.Fatalf("candidate contained in an issued query should be dropped, got %+v", plan)
	}
}

func TestPlanBatchDedupIsExactOnly(t *testing.T) {
	p, _ := newTestPlanner(Config{}, `["go gc", "Go GC", "go gc tuning guide"]`)

	plan, err := p.Plan(t.Context(), nil, "garbage collection", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected exact duplicate dropped but narrower variant kept, got %+v", plan)
	}
	if plan[0].Text != "go gc" || plan[1].Text != "go gc tuning guide" {
		t.Errorf("unexpected surviving queries: %+v", plan)
	}
}

func TestPlanCapsAtQueryNum(t *testing.T) {
	p, _ := newTestPlanner(Config{QueryNum: 2}, `["first query", "second query", "third query"]`)

	plan, err := p.Plan(t.Context(), nil, "anything", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected plan capped at 2, got %d", len(plan))
	}
}

func TestPlanEmptyTopic(t *testing.T) {
	p, mock := newTestPlanner(Config{})

	_, err := p.Plan(t.Context(), nil, "   ", nil, nil)
	var ve *pkgerrors.ValidationError
	if !stderrors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if mock.CallCount() != 0 {
		t.Errorf("no completion should be attempted for an empty topic, got %d calls", mock.CallCount())
	}
}

func TestPlanCancelledTokenAborts(t *testing.T) {
	p, mock := newTestPlanner(Config{}, `["unused"]`)

	reg := cancel.NewRegistry(nil)
	tok := reg.Issue(t.Context(), "run-1")
	reg.Cancel("run-1", "user request")

	_, err := p.Plan(t.Context(), tok, "some topic", nil, nil)
	var ce *pkgerrors.CancelledError
	if !stderrors.As(err, &ce) {
		t.Fatalf("expected CancelledError, got %v", err)
	}
	if ce.Checkpoint != string(cancel.BeforeLLMCall) {
		t.Errorf("expected before_llm_call checkpoint, got %q", ce.Checkpoint)
	}
	if mock.CallCount() != 0 {
		t.Errorf("no completion should be attempted after cancellation, got %d calls", mock.CallCount())
	}
}

func TestPlanProviderErrorPropagates(t *testing.T) {
	mock := &llm.MockProvider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			return nil, pkgerrors.NewProviderError("mock", pkgerrors.KindRateLimited, "slow down")
		},
	}
	p := New(mock, Config{}, nil)

	_, err := p.Plan(t.Context(), nil, "some topic", nil, nil)
	var pe *pkgerrors.ProviderError
	if !stderrors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}

func TestPlanAllRedundantReturnsEmpty(t *testing.T) {
	p, _ := newTestPlanner(Config{}, `["go gc"]`)

	plan, err := p.Plan(t.Context(), nil, "go gc", nil, []string{"go gc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 0 {
		t.Fatalf("expected empty plan when every candidate is redundant, got %+v", plan)
	}
}

func TestRefineBiasesPromptTowardGaps(t *testing.T) {
	p, mock := newTestPlanner(Config{}, `{"queries": [{"query": "ev sales figures 2025", "dimension": "quantitative"}]}`)

	plan, err := p.Refine(t.Context(), nil, "electric vehicle adoption",
		[]state.Dimension{state.DimensionQuantitative, state.DimensionTemporal},
		[]string{"electric vehicle adoption"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 1 || plan[0].Dimension != state.DimensionQuantitative {
		t.Fatalf("unexpected refined plan: %+v", plan)
	}

	user := mock.Calls()[0].Messages[1].Content
	if !strings.Contains(user, "Coverage gaps to close: quantitative, temporal") {
		t.Errorf("refine prompt should name the gap dimensions:\n%s", user)
	}
}
