package sdk

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tombee/weaver/internal/config"
	weavererrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
	"github.com/tombee/weaver/pkg/search"
)

const waitLimit = 5 * time.Second

// newTestClient builds a client over mocks. A nil searcher leaves the
// registry empty so no-provider behavior can be exercised.
func newTestClient(t *testing.T, provider *llm.MockProvider, searcher search.Provider) *Client {
	t.Helper()

	cfg := config.Default()
	cfg.Hydrator.Enabled = false

	opts := []Option{
		WithConfig(cfg),
		WithLLMProvider(provider),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	if searcher != nil {
		opts = append(opts, WithSearchProvider(searcher))
	}

	client, err := New(opts...)
	if err != nil {
		t.Fatalf("build client: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelFn()
		_ = client.Close(ctx)
	})
	return client
}

func edgeSearch() *search.MockProvider {
	return &search.MockProvider{
		ProviderName: "edge",
		SearchFunc: func(_ context.Context, req search.Request) ([]search.Hit, error) {
			slug := strings.ReplaceAll(strings.ToLower(req.Query), " ", "-")
			return []search.Hit{
				{URL: "https://example.net/" + slug + "/overview", Title: req.Query, Snippet: "Measurements of " + req.Query, Relevance: 0.9},
				{URL: "https://example.net/" + slug + "/report", Title: req.Query + " report", Snippet: "Field data on " + req.Query, Relevance: 0.7},
			}, nil
		},
	}
}

func TestNewDefaultsRequireAPIKey(t *testing.T) {
	_, err := New()
	if err == nil {
		t.Fatal("expected an error when no API key is configured")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("error should name the missing key, got %v", err)
	}
}

func TestOptionValidation(t *testing.T) {
	cases := []struct {
		name string
		opt  Option
	}{
		{"nil config", WithConfig(nil)},
		{"empty config path", WithConfigFile("")},
		{"nil logger", WithLogger(nil)},
		{"nil llm provider", WithLLMProvider(nil)},
		{"nil search provider", WithSearchProvider(nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.opt); err == nil {
				t.Fatal("expected an option error")
			}
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Search.Strategy = "sideways"

	_, err := New(WithConfig(cfg), WithLLMProvider(&llm.MockProvider{}))
	if err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestResearchDirect(t *testing.T) {
	client := newTestClient(t, &llm.MockProvider{Responses: []string{"An IPv6 address is 128 bits."}}, nil)

	ctx, cancelFn := context.WithTimeout(t.Context(), waitLimit)
	defer cancelFn()

	handle, err := client.Research(ctx, Request{Input: "How many bits in an IPv6 address?", Mode: "direct"})
	if err != nil {
		t.Fatalf("research: %v", err)
	}
	if handle.ID() == "" {
		t.Error("handle should carry the run ID")
	}

	res, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Status != "completed" {
		t.Fatalf("expected completed, got %s (error %q)", res.Status, res.Error)
	}
	if res.Parked {
		t.Error("direct runs never park")
	}
	if res.Mode != "direct" {
		t.Errorf("expected mode direct, got %q", res.Mode)
	}
	if res.Verdict != "pass" {
		t.Errorf("expected verdict pass, got %q", res.Verdict)
	}
	if !strings.Contains(res.Report, "128 bits") {
		t.Errorf("report should carry the answer, got %q", res.Report)
	}
	if res.TokensUsed == 0 {
		t.Error("expected token usage on the result")
	}

	// The event channel replays the finished run and closes.
	var kinds []string
	for ev := range handle.Events(ctx) {
		kinds = append(kinds, ev.Type)
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != "done" {
		t.Fatalf("expected history ending in done, got %v", kinds)
	}
	completions := 0
	for _, k := range kinds {
		if k == "completion" {
			completions++
		}
	}
	if completions != 1 {
		t.Errorf("expected exactly one completion event, got %d", completions)
	}
}

const edgeQuestion = "Which CDN provider do you use?"

const edgePlan = `{"queries": [{"query": "fastly edge cache invalidation latency", "dimension": "quantitative"}]}`

const edgeReport = `Fastly completes global edge invalidations in under 150 ms [1].`

func TestResearchClarifyThenResume(t *testing.T) {
	provider := &llm.MockProvider{Responses: []string{edgeQuestion, edgePlan, edgeReport}}
	client := newTestClient(t, provider, edgeSearch())

	ctx, cancelFn := context.WithTimeout(t.Context(), waitLimit)
	defer cancelFn()

	handle, err := client.Research(ctx, Request{Input: "How should we cache at the edge?", Mode: "clarify"})
	if err != nil {
		t.Fatalf("research: %v", err)
	}

	parked, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait for park: %v", err)
	}
	if !parked.Parked {
		t.Fatalf("expected a parked result, got status %s", parked.Status)
	}
	if parked.Status != "awaiting_review" {
		t.Errorf("expected awaiting_review, got %s", parked.Status)
	}
	if parked.Question != edgeQuestion {
		t.Errorf("expected the clarifying question, got %q", parked.Question)
	}
	if parked.Report != "" {
		t.Errorf("parked runs have no report, got %q", parked.Report)
	}

	resumed, err := client.Resume(ctx, handle.ID(), "We use Fastly")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	res, err := resumed.Wait(ctx)
	if err != nil {
		t.Fatalf("wait for completion: %v", err)
	}
	if res.Status != "completed" {
		t.Fatalf("expected completed, got %s (error %q)", res.Status, res.Error)
	}
	if res.Parked {
		t.Error("completed result should not be parked")
	}
	if res.Mode != "web" {
		t.Errorf("resume folds into web mode, got %q", res.Mode)
	}
	if res.Report != edgeReport {
		t.Errorf("expected the written report, got %q", res.Report)
	}
	if len(res.Sources) == 0 {
		t.Fatal("expected cited sources")
	}
	if res.Sources[0].URL == "" || res.Sources[0].Provider != "edge" {
		t.Errorf("source should carry provenance, got %+v", res.Sources[0])
	}
	if res.Coverage < 0.6 {
		t.Errorf("expected coverage above the gate, got %.2f", res.Coverage)
	}

	// The original handle observes the resumed leg through the same
	// stream; its stale park marker must not win.
	again, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait on original handle: %v", err)
	}
	if again.Status != "completed" || again.Parked {
		t.Errorf("original handle should observe completion, got %+v", again)
	}
}

func TestCancelRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	provider := &llm.MockProvider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	client := newTestClient(t, provider, nil)

	ctx, cancelFn := context.WithTimeout(t.Context(), waitLimit)
	defer cancelFn()

	handle, err := client.Research(ctx, Request{Input: "Summarize the Fediverse", Mode: "direct"})
	if err != nil {
		t.Fatalf("research: %v", err)
	}
	select {
	case <-started:
	case <-time.After(waitLimit):
		t.Fatal("provider was never called")
	}

	if !client.Cancel(handle.ID()) {
		t.Fatal("cancel should hit the active run")
	}
	res, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", res.Status)
	}
	if client.Cancel(handle.ID()) {
		t.Error("second cancel should be a no-op")
	}
}

func TestRunListing(t *testing.T) {
	provider := &llm.MockProvider{Responses: []string{"Da Nang has about 1.2 million residents."}}
	client := newTestClient(t, provider, nil)

	ctx, cancelFn := context.WithTimeout(t.Context(), waitLimit)
	defer cancelFn()

	first, err := client.Research(ctx, Request{Input: "Population of Da Nang?", Mode: "direct"})
	if err != nil {
		t.Fatalf("first research: %v", err)
	}
	if _, err := first.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	second, err := client.Research(ctx, Request{Input: "Population of Hue?", Mode: "direct"})
	if err != nil {
		t.Fatalf("second research: %v", err)
	}
	if _, err := second.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}

	runs, err := client.Runs(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != second.ID() {
		t.Errorf("expected newest first, got %s", runs[0].ID)
	}

	completed, err := client.Runs(ctx, RunFilter{Status: "completed"})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(completed) != 2 {
		t.Errorf("expected 2 completed runs, got %d", len(completed))
	}

	one, err := client.Run(ctx, first.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if one.Input != "Population of Da Nang?" || one.Status != "completed" {
		t.Errorf("unexpected record %+v", one)
	}

	if _, err := client.Run(ctx, "run-unknown"); !weavererrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	client := newTestClient(t, &llm.MockProvider{}, nil)

	ctx := context.Background()
	if err := client.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := client.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := client.Research(ctx, Request{Input: "anything"}); err == nil {
		t.Error("research after close should fail")
	}
}
