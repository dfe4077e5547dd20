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

package controller

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tombee/weaver/internal/controller/backend"
	"github.com/tombee/weaver/internal/controller/backend/memory"
	"github.com/tombee/weaver/internal/events"
	"github.com/tombee/weaver/internal/orchestrator"
	"github.com/tombee/weaver/internal/state"
	"github.com/tombee/weaver/internal/workflow"
	weavererrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
	"github.com/tombee/weaver/pkg/search"
)

const waitLimit = 5 * time.Second

type rig struct {
	ctrl     *Controller
	provider *llm.MockProvider
	store    *memory.Backend
}

// newRig wires a controller over mocks and a memory store. A nil searcher
// leaves the registry empty so no-provider behavior can be exercised.
func newRig(t *testing.T, provider *llm.MockProvider, searcher search.Provider, cfg Config) *rig {
	t.Helper()

	reg := search.NewRegistry()
	if searcher != nil {
		if err := reg.Register(searcher); err != nil {
			t.Fatalf("register search provider: %v", err)
		}
	}
	orch := orchestrator.New(reg, nil, nil, orchestrator.Config{
		Profiles: map[string][]string{"general": {"mock"}},
	}, nil)

	g, err := workflow.New(provider, orch, nil, workflow.Options{}, nil)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}

	store := memory.New()
	ctrl, err := New(g, store, nil, cfg, nil)
	if err != nil {
		t.Fatalf("build controller: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelFn()
		_ = ctrl.Close(ctx)
	})
	return &rig{ctrl: ctrl, provider: provider, store: store}
}

func passiveSearch() *search.MockProvider {
	return &search.MockProvider{
		ProviderName: "mock",
		SearchFunc: func(_ context.Context, req search.Request) ([]search.Hit, error) {
			slug := strings.ReplaceAll(strings.ToLower(req.Query), " ", "-")
			return []search.Hit{
				{URL: "https://example.org/" + slug + "/a", Title: req.Query + " overview", Snippet: "Findings on " + req.Query, Relevance: 0.9},
				{URL: "https://example.org/" + slug + "/b", Title: req.Query + " details", Snippet: "More on " + req.Query, Relevance: 0.7},
			}, nil
		},
	}
}

// gate lets a test hold a search call open until it has acted.
type gate struct {
	started chan struct{}
	once    sync.Once
}

func gatedSearch(g *gate) *search.MockProvider {
	return &search.MockProvider{
		ProviderName: "mock",
		SearchFunc: func(ctx context.Context, req search.Request) ([]search.Hit, error) {
			g.once.Do(func() { close(g.started) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// waitStatus polls the run record until it reaches the wanted status.
// Terminal events are published before the record is written, so a
// matching record implies the stream already carries them.
func waitStatus(t *testing.T, ctrl *Controller, runID string, want state.Status) *backend.Run {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for time.Now().Before(deadline) {
		run, err := ctrl.Get(context.Background(), runID)
		if err == nil && run.Status == string(want) {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, err := ctrl.Get(context.Background(), runID)
	t.Fatalf("run %s never reached %s (last: %+v, err: %v)", runID, want, run, err)
	return nil
}

func countKind(evs []events.Event, kind events.Kind) int {
	n := 0
	for _, e := range evs {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func findEvent(evs []events.Event, kind events.Kind) (events.Event, bool) {
	for _, e := range evs {
		if e.Type == kind {
			return e, true
		}
	}
	return events.Event{}, false
}

const planResponse = `{"queries": [
  {"query": "raft leader election", "dimension": "definitional"},
  {"query": "raft log replication", "dimension": "causal"},
  {"query": "raft performance benchmarks", "dimension": "quantitative"}
]}`

const reportResponse = `# Raft

Raft elects a single leader per term using randomized timeouts of 150 to 300 ms [1].
The leader replicates log entries to a majority of the 5-node cluster before commit [3].
Throughput reaches 10000 writes per second in published benchmarks [5].`

func TestStartRunDirectMode(t *testing.T) {
	r := newRig(t, &llm.MockProvider{Responses: []string{"2+2 equals 4."}}, passiveSearch(), Config{})

	runID, stream, err := r.ctrl.StartRun(t.Context(), Request{Input: "What is 2+2?", Mode: "direct"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	run := waitStatus(t, r.ctrl, runID, state.StatusCompleted)
	if run.Verdict != string(state.VerdictPass) {
		t.Errorf("expected verdict pass, got %q", run.Verdict)
	}
	if run.TokensUsed == 0 {
		t.Error("completion usage should land in the record")
	}
	if run.StartedAt == nil || run.CompletedAt == nil {
		t.Error("expected started and completed timestamps")
	}
	if r.provider.CallCount() != 1 {
		t.Errorf("direct mode should make exactly 1 LLM call, got %d", r.provider.CallCount())
	}

	evs := stream.History()
	if n := countKind(evs, events.KindCompletion); n != 1 {
		t.Fatalf("expected exactly 1 completion event, got %d", n)
	}
	if n := countKind(evs, events.KindToolStart); n != 0 {
		t.Errorf("direct mode must not search, got %d tool_start events", n)
	}
	comp, _ := findEvent(evs, events.KindCompletion)
	if rep, _ := comp.Data["report"].(string); !strings.Contains(rep, "4") {
		t.Errorf("report should answer the question, got %q", rep)
	}
	if last := evs[len(evs)-1]; last.Type != events.KindDone {
		t.Errorf("stream should end with done, got %s", last.Type)
	}
	if !stream.Closed() {
		t.Error("stream should be closed after done")
	}
}

func TestStartRunWebMode(t *testing.T) {
	r := newRig(t, &llm.MockProvider{Responses: []string{planResponse, reportResponse}}, passiveSearch(), Config{})

	runID, stream, err := r.ctrl.StartRun(t.Context(), Request{
		Input: "Summarize the Raft consensus algorithm",
		Mode:  "web",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	run := waitStatus(t, r.ctrl, runID, state.StatusCompleted)
	if run.Verdict != string(state.VerdictPass) {
		t.Fatalf("expected verdict pass, got %q (error %q)", run.Verdict, run.Error)
	}

	evs := stream.History()
	if n := countKind(evs, events.KindToolStart); n < 3 {
		t.Errorf("expected at least 3 search tool_start events, got %d", n)
	}
	if _, ok := findEvent(evs, events.KindPlan); !ok {
		t.Error("expected a plan event")
	}
	if _, ok := findEvent(evs, events.KindQuality); !ok {
		t.Error("expected a quality event")
	}

	// Contiguous sequence from 0 across the whole run.
	for i, e := range evs {
		if e.Seq != uint64(i) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}

	snap, err := r.ctrl.Snapshot(t.Context(), runID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Sources) < 3 {
		t.Errorf("expected at least 3 sources in the checkpointed state, got %d", len(snap.Sources))
	}
	if snap.Quality.CitationCoverage < 0.6 {
		t.Errorf("citation coverage %f below gate", snap.Quality.CitationCoverage)
	}
}

func TestStartRunValidation(t *testing.T) {
	r := newRig(t, &llm.MockProvider{}, passiveSearch(), Config{})

	cases := []struct {
		name string
		req  Request
	}{
		{"empty input", Request{Input: "   "}},
		{"bad mode", Request{Input: "q", Mode: "warp"}},
		{"bad deep mode", Request{Input: "q", DeepMode: "spiral"}},
		{"relative image url", Request{Input: "q", Images: []string{"/tmp/cat.png"}}},
		{"too many images", Request{Input: "q", Images: []string{
			"https://a/1.png", "https://a/2.png", "https://a/3.png", "https://a/4.png",
			"https://a/5.png", "https://a/6.png", "https://a/7.png", "https://a/8.png",
			"https://a/9.png",
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := r.ctrl.StartRun(t.Context(), tc.req)
			var ve *weavererrors.ValidationError
			if !stderrors.As(err, &ve) {
				t.Fatalf("expected a validation error, got %v", err)
			}
		})
	}
	if r.provider.CallCount() != 0 {
		t.Errorf("rejected requests must not reach the provider, got %d calls", r.provider.CallCount())
	}
}

func TestStartRunFoldsImageAttachments(t *testing.T) {
	r := newRig(t, &llm.MockProvider{Responses: []string{"Looks like a heron."}}, passiveSearch(), Config{})

	runID, _, err := r.ctrl.StartRun(t.Context(), Request{
		Input:  "What bird is this?",
		Mode:   "direct",
		Images: []string{"https://img.example.org/bird.jpg"},
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run := waitStatus(t, r.ctrl, runID, state.StatusCompleted)

	if !strings.Contains(run.Input, "Attached images:") ||
		!strings.Contains(run.Input, "https://img.example.org/bird.jpg") {
		t.Errorf("attachments should be folded into the topic, got %q", run.Input)
	}
}

func TestStartRunWithoutSearchProvidersFailsFast(t *testing.T) {
	r := newRig(t, &llm.MockProvider{Responses: []string{planResponse}}, nil, Config{})

	runID, stream, err := r.ctrl.StartRun(t.Context(), Request{Input: "anything researchable", Mode: "web"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	run := waitStatus(t, r.ctrl, runID, state.StatusFailed)
	if run.Error == "" {
		t.Error("record should carry the failure")
	}
	if r.provider.CallCount() != 0 {
		t.Errorf("run must fail before any LLM call, got %d calls", r.provider.CallCount())
	}

	errEv, ok := findEvent(stream.History(), events.KindError)
	if !ok {
		t.Fatal("expected an error event")
	}
	if errEv.Data["kind"] != "no_providers" {
		t.Errorf("expected error kind no_providers, got %v", errEv.Data["kind"])
	}
	if !stream.Closed() {
		t.Error("stream should close after the error")
	}
}

func TestCancelMidRun(t *testing.T) {
	g := &gate{started: make(chan struct{})}
	r := newRig(t, &llm.MockProvider{Responses: []string{planResponse, reportResponse}}, gatedSearch(g), Config{})

	runID, stream, err := r.ctrl.StartRun(t.Context(), Request{Input: "Summarize the Raft consensus algorithm", Mode: "web"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	select {
	case <-g.started:
	case <-time.After(waitLimit):
		t.Fatal("search never started")
	}
	if !r.ctrl.Cancel(runID, "user request") {
		t.Fatal("cancel of an active run should succeed")
	}

	run := waitStatus(t, r.ctrl, runID, state.StatusCancelled)
	if run.CompletedAt == nil {
		t.Error("cancelled run should have a completion timestamp")
	}

	evs := stream.History()
	cancelled, ok := findEvent(evs, events.KindCancelled)
	if !ok {
		t.Fatal("expected a cancelled event")
	}
	if cancelled.Data["reason"] != "user request" {
		t.Errorf("cancelled event should carry the reason, got %v", cancelled.Data)
	}
	if n := countKind(evs, events.KindCompletion); n != 0 {
		t.Errorf("cancelled run must not complete, got %d completion events", n)
	}
	if last := evs[len(evs)-1]; last.Type != events.KindDone {
		t.Errorf("stream should end with done, got %s", last.Type)
	}

	// The token is retired with the run.
	if r.ctrl.Cancel(runID, "again") {
		t.Error("second cancel should be a no-op")
	}
}

func TestCancelCompletedRunIsNoOp(t *testing.T) {
	r := newRig(t, &llm.MockProvider{Responses: []string{"4"}}, passiveSearch(), Config{})

	runID, _, err := r.ctrl.StartRun(t.Context(), Request{Input: "What is 2+2?", Mode: "direct"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	waitStatus(t, r.ctrl, runID, state.StatusCompleted)

	if r.ctrl.Cancel(runID, "too late") {
		t.Error("cancelling a completed run should return false")
	}
	run, err := r.ctrl.Get(t.Context(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != string(state.StatusCompleted) {
		t.Errorf("status must stay completed, got %s", run.Status)
	}
}

func TestCancelParkedRun(t *testing.T) {
	r := newRig(t, &llm.MockProvider{Responses: []string{"Which migration?"}}, passiveSearch(), Config{})

	runID, stream, err := r.ctrl.StartRun(t.Context(), Request{Input: "Help with the migration", Mode: "clarify"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	waitStatus(t, r.ctrl, runID, state.StatusAwaitingReview)

	if !r.ctrl.Cancel(runID, "changed my mind") {
		t.Fatal("cancelling a parked run should succeed")
	}
	run := waitStatus(t, r.ctrl, runID, state.StatusCancelled)
	if run.Resumable {
		t.Error("cancelled parked run should not stay resumable")
	}

	evs := stream.History()
	if _, ok := findEvent(evs, events.KindCancelled); !ok {
		t.Error("expected a cancelled event on the parked stream")
	}
	if !stream.Closed() {
		t.Error("stream should close after the parked cancel")
	}
}

func TestPanicRecovery(t *testing.T) {
	provider := &llm.MockProvider{
		CompleteFunc: func(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			panic("synthetic failure")
		},
	}
	r := newRig(t, provider, passiveSearch(), Config{})

	runID, stream, err := r.ctrl.StartRun(t.Context(), Request{Input: "What is 2+2?", Mode: "direct"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	run := waitStatus(t, r.ctrl, runID, state.StatusFailed)
	if !strings.Contains(run.Error, "panic") {
		t.Errorf("record should carry the panic, got %q", run.Error)
	}

	errEv, ok := findEvent(stream.History(), events.KindError)
	if !ok {
		t.Fatal("expected an error event")
	}
	if errEv.Data["kind"] != "internal" {
		t.Errorf("expected error kind internal, got %v", errEv.Data["kind"])
	}
	if !stream.Closed() {
		t.Error("stream should close after the panic")
	}
	if err := r.ctrl.WaitForDrain(t.Context(), waitLimit); err != nil {
		t.Errorf("panicked run should still drain: %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	provider := &llm.MockProvider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r := newRig(t, provider, passiveSearch(), Config{RunTimeout: 50 * time.Millisecond})

	runID, stream, err := r.ctrl.StartRun(t.Context(), Request{Input: "What is 2+2?", Mode: "direct"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	waitStatus(t, r.ctrl, runID, state.StatusFailed)
	errEv, ok := findEvent(stream.History(), events.KindError)
	if !ok {
		t.Fatal("expected an error event")
	}
	if errEv.Data["kind"] != "timeout" {
		t.Errorf("expected error kind timeout, got %v", errEv.Data["kind"])
	}
}

func TestBudgetExceededFinishesWithPartialReport(t *testing.T) {
	r := newRig(t, &llm.MockProvider{Responses: []string{planResponse, reportResponse}}, passiveSearch(), Config{MaxTokens: 1})

	runID, stream, err := r.ctrl.StartRun(t.Context(), Request{
		Input: "Summarize the Raft consensus algorithm",
		Mode:  "web",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	run := waitStatus(t, r.ctrl, runID, state.StatusCompleted)
	if run.Verdict != string(state.VerdictAbort) {
		t.Fatalf("expected verdict abort, got %q", run.Verdict)
	}

	evs := stream.History()
	quality, ok := findEvent(evs, events.KindQuality)
	if !ok {
		t.Fatal("expected a quality event")
	}
	if exceeded, _ := quality.Data["budget_exceeded"].(bool); !exceeded {
		t.Errorf("quality event should flag the blown budget, got %v", quality.Data)
	}
	comp, ok := findEvent(evs, events.KindCompletion)
	if !ok {
		t.Fatal("expected a completion event")
	}
	if rep, _ := comp.Data["report"].(string); strings.TrimSpace(rep) == "" {
		t.Error("budget abort should still produce a partial report")
	}
}

func TestClarifyParksThenResumeCompletes(t *testing.T) {
	responses := []string{
		"Which aspect of the migration matters most to you?",
		`{"queries": [{"query": "zero downtime schema migration", "dimension": "causal"}]}`,
		"Online schema changes copy rows in batches of 1000 [1].",
	}
	r := newRig(t, &llm.MockProvider{Responses: responses}, passiveSearch(), Config{})

	runID, stream, err := r.ctrl.StartRun(t.Context(), Request{Input: "Help with the migration", Mode: "clarify"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	run := waitStatus(t, r.ctrl, runID, state.StatusAwaitingReview)
	if !run.Resumable {
		t.Fatal("parked run should be resumable")
	}
	if stream.Closed() {
		t.Fatal("parked stream must stay open for the resumed leg")
	}
	intr, ok := findEvent(stream.History(), events.KindInterrupt)
	if !ok {
		t.Fatal("expected an interrupt event")
	}
	if q, _ := intr.Data["question"].(string); q == "" {
		t.Errorf("interrupt should carry the question, got %v", intr.Data)
	}

	resumed, err := r.ctrl.Resume(t.Context(), runID, "We need zero downtime")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed != stream {
		t.Error("resume should reuse the open stream")
	}

	run = waitStatus(t, r.ctrl, runID, state.StatusCompleted)
	if !strings.Contains(run.Input, "zero downtime") {
		t.Error("resume payload should be folded into the topic")
	}

	evs := stream.History()
	if n := countKind(evs, events.KindCompletion); n != 1 {
		t.Errorf("expected exactly 1 completion across both legs, got %d", n)
	}
	for i, e := range evs {
		if e.Seq != uint64(i) {
			t.Fatalf("seq should continue across resume, event %d has seq %d", i, e.Seq)
		}
	}
}

func TestResumeUnknownRun(t *testing.T) {
	r := newRig(t, &llm.MockProvider{}, passiveSearch(), Config{})

	_, err := r.ctrl.Resume(t.Context(), "no-such-run", "")
	if !weavererrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResumeCompletedRunRejected(t *testing.T) {
	r := newRig(t, &llm.MockProvider{Responses: []string{"4"}}, passiveSearch(), Config{})

	runID, _, err := r.ctrl.StartRun(t.Context(), Request{Input: "What is 2+2?", Mode: "direct"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	waitStatus(t, r.ctrl, runID, state.StatusCompleted)

	_, err = r.ctrl.Resume(t.Context(), runID, "")
	var ve *weavererrors.ValidationError
	if !stderrors.As(err, &ve) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestResumeActiveRunRejected(t *testing.T) {
	g := &gate{started: make(chan struct{})}
	r := newRig(t, &llm.MockProvider{Responses: []string{planResponse}}, gatedSearch(g), Config{})

	runID, _, err := r.ctrl.StartRun(t.Context(), Request{Input: "Summarize the Raft consensus algorithm", Mode: "web"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	select {
	case <-g.started:
	case <-time.After(waitLimit):
		t.Fatal("search never started")
	}

	_, err = r.ctrl.Resume(t.Context(), runID, "")
	var ve *weavererrors.ValidationError
	if !stderrors.As(err, &ve) {
		t.Fatalf("expected a validation error for an executing run, got %v", err)
	}

	r.ctrl.Cancel(runID, "test cleanup")
	waitStatus(t, r.ctrl, runID, state.StatusCancelled)
}

func TestDrainingRefusesNewWork(t *testing.T) {
	r := newRig(t, &llm.MockProvider{}, passiveSearch(), Config{})

	r.ctrl.StartDraining()
	if _, _, err := r.ctrl.StartRun(t.Context(), Request{Input: "q"}); !stderrors.Is(err, ErrDraining) {
		t.Errorf("expected ErrDraining from StartRun, got %v", err)
	}
	if _, err := r.ctrl.Resume(t.Context(), "any", ""); !stderrors.Is(err, ErrDraining) {
		t.Errorf("expected ErrDraining from Resume, got %v", err)
	}
	if err := r.ctrl.WaitForDrain(t.Context(), time.Second); err != nil {
		t.Errorf("idle controller should drain immediately: %v", err)
	}
}

func TestWaitForDrainTimesOutThenDrains(t *testing.T) {
	g := &gate{started: make(chan struct{})}
	r := newRig(t, &llm.MockProvider{Responses: []string{planResponse}}, gatedSearch(g), Config{})

	runID, _, err := r.ctrl.StartRun(t.Context(), Request{Input: "Summarize the Raft consensus algorithm", Mode: "web"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	select {
	case <-g.started:
	case <-time.After(waitLimit):
		t.Fatal("search never started")
	}
	if n := r.ctrl.ActiveRunCount(); n != 1 {
		t.Fatalf("expected 1 active run, got %d", n)
	}

	err = r.ctrl.WaitForDrain(t.Context(), 150*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "drain timeout") {
		t.Fatalf("expected a drain timeout, got %v", err)
	}

	r.ctrl.Cancel(runID, "test cleanup")
	if err := r.ctrl.WaitForDrain(t.Context(), waitLimit); err != nil {
		t.Fatalf("drain after cancel: %v", err)
	}
}

func TestCloseCancelsActiveRuns(t *testing.T) {
	g := &gate{started: make(chan struct{})}
	r := newRig(t, &llm.MockProvider{Responses: []string{planResponse}}, gatedSearch(g), Config{})

	runID, _, err := r.ctrl.StartRun(t.Context(), Request{Input: "Summarize the Raft consensus algorithm", Mode: "web"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	select {
	case <-g.started:
	case <-time.After(waitLimit):
		t.Fatal("search never started")
	}

	ctx, cancelFn := context.WithTimeout(t.Context(), waitLimit)
	defer cancelFn()
	if err := r.ctrl.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	run, err := r.ctrl.Get(context.Background(), runID)
	if err != nil {
		t.Fatalf("get after close: %v", err)
	}
	if run.Status != string(state.StatusCancelled) {
		t.Errorf("expected cancelled after close, got %s", run.Status)
	}
}

func TestListFiltersRuns(t *testing.T) {
	r := newRig(t, &llm.MockProvider{Responses: []string{"4", "Which part?"}}, passiveSearch(), Config{})

	doneID, _, err := r.ctrl.StartRun(t.Context(), Request{Input: "What is 2+2?", Mode: "direct"})
	if err != nil {
		t.Fatalf("start direct run: %v", err)
	}
	waitStatus(t, r.ctrl, doneID, state.StatusCompleted)

	parkedID, _, err := r.ctrl.StartRun(t.Context(), Request{Input: "Help with the migration", Mode: "clarify"})
	if err != nil {
		t.Fatalf("start clarify run: %v", err)
	}
	waitStatus(t, r.ctrl, parkedID, state.StatusAwaitingReview)

	all, err := r.ctrl.List(t.Context(), backend.RunFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(all))
	}

	completed, err := r.ctrl.List(t.Context(), backend.RunFilter{Status: string(state.StatusCompleted)})
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != doneID {
		t.Errorf("status filter should return only the completed run, got %+v", completed)
	}

	// Listing returns snapshots, not live records.
	completed[0].Status = "scribbled"
	again, err := r.ctrl.Get(t.Context(), doneID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Status != string(state.StatusCompleted) {
		t.Error("mutating a listed run must not touch the stored record")
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := newRig(t, &llm.MockProvider{Responses: []string{planResponse, reportResponse}}, passiveSearch(), Config{})

	runID, _, err := r.ctrl.StartRun(t.Context(), Request{Input: "Summarize the Raft consensus algorithm", Mode: "web"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	waitStatus(t, r.ctrl, runID, state.StatusCompleted)

	first, err := r.ctrl.Snapshot(t.Context(), runID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if first.FinalReport == "" {
		t.Fatal("snapshot should carry the final report")
	}
	first.FinalReport = "scribbled"
	first.SourceOrder = nil

	second, err := r.ctrl.Snapshot(t.Context(), runID)
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if second.FinalReport != reportResponse {
		t.Error("snapshots must not share state")
	}
	if len(second.SourceOrder) == 0 {
		t.Error("snapshot should keep the citation order")
	}
}

func TestStartRunHonorsMaxParallel(t *testing.T) {
	g := &gate{started: make(chan struct{})}
	blocked := make(chan struct{})
	provider := &llm.MockProvider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			g.once.Do(func() { close(g.started) })
			select {
			case <-blocked:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &llm.CompletionResponse{Content: "4", FinishReason: llm.FinishReasonStop}, nil
		},
	}
	r := newRig(t, provider, passiveSearch(), Config{MaxParallel: 1})

	firstID, _, err := r.ctrl.StartRun(t.Context(), Request{Input: "What is 2+2?", Mode: "direct"})
	if err != nil {
		t.Fatalf("start first run: %v", err)
	}
	select {
	case <-g.started:
	case <-time.After(waitLimit):
		t.Fatal("first run never started")
	}

	secondID, _, err := r.ctrl.StartRun(t.Context(), Request{Input: "What is 3+3?", Mode: "direct"})
	if err != nil {
		t.Fatalf("start second run: %v", err)
	}

	// The second run queues on the semaphore and never reaches the
	// provider while the first holds the only slot.
	time.Sleep(100 * time.Millisecond)
	if got := r.provider.CallCount(); got != 1 {
		t.Fatalf("expected the second run to wait, got %d provider calls", got)
	}
	second, err := r.ctrl.Get(t.Context(), secondID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if second.Status != string(state.StatusPending) {
		t.Errorf("queued run should stay pending, got %s", second.Status)
	}

	close(blocked)
	waitStatus(t, r.ctrl, firstID, state.StatusCompleted)
	waitStatus(t, r.ctrl, secondID, state.StatusCompleted)
}
