package deepsearch

import (
	"strings"
	"testing"
	"time"

	"github.com/tombee/weaver/internal/state"
	"github.com/tombee/weaver/pkg/llm"
)

func reportState() *state.RunState {
	rs := state.New("run-1", "wasm runtime performance")
	rs.AddSource(state.Source{SourceID: "s1", URL: "https://example.org/a", Title: "Wasmtime benchmarks", Excerpt: "JIT tiers"})
	rs.AddSource(state.Source{SourceID: "s2", URL: "https://example.org/b", Title: "Wasmer internals", Excerpt: "LLVM backend"})
	rs.Summaries = append(rs.Summaries,
		state.EpochSummary{Epoch: 0, Text: "Wasmtime leads on startup latency [1].", CreatedAt: time.Now()},
		state.EpochSummary{Epoch: 1, Text: "Wasmer wins on peak throughput [2].", CreatedAt: time.Now()},
	)
	return rs
}

func TestComposeBuildsCitedPrompt(t *testing.T) {
	mock := &llm.MockProvider{Responses: []string{"# Report\n\nWasmtime starts faster [1]."}}
	w := NewWriter(mock, WriterConfig{Model: "writer-model"}, nil)
	rs := reportState()

	report, err := w.Compose(t.Context(), nil, rs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(report, "[1]") {
		t.Errorf("unexpected report %q", report)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(calls))
	}
	req := calls[0]
	if req.Model != "writer-model" {
		t.Errorf("expected configured model, got %q", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != 0.4 {
		t.Errorf("unexpected temperature %v", req.Temperature)
	}
	user := req.Messages[len(req.Messages)-1].Content
	for _, want := range []string{
		"wasm runtime performance",
		"Round 1",
		"Round 2",
		"[1] Wasmtime benchmarks (https://example.org/a)",
		"[2] Wasmer internals (https://example.org/b)",
	} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q:\n%s", want, user)
		}
	}
}

func TestComposeRunModelOverridesConfig(t *testing.T) {
	mock := &llm.MockProvider{Responses: []string{"report"}}
	w := NewWriter(mock, WriterConfig{Model: "writer-model"}, nil)
	rs := reportState()
	rs.Model = "run-model"

	if _, err := w.Compose(t.Context(), nil, rs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mock.Calls()[0].Model; got != "run-model" {
		t.Errorf("run model should win, got %q", got)
	}
}

func TestComposeRevisionReplaysDraft(t *testing.T) {
	mock := &llm.MockProvider{Responses: []string{"revised report [1]"}}
	w := NewWriter(mock, WriterConfig{}, nil)
	rs := reportState()
	rs.DraftReport = "An earlier draft missing citations."
	rs.Verdict = state.VerdictRevise

	if _, err := w.Compose(t.Context(), nil, rs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user := mock.Calls()[0].Messages[1].Content
	if !strings.Contains(user, "Previous draft:") {
		t.Error("revision prompt should replay the prior draft")
	}
	if !strings.Contains(user, "An earlier draft missing citations.") {
		t.Errorf("prompt missing the draft text:\n%s", user)
	}
}

func TestComposeFallback(t *testing.T) {
	rs := state.New("run-1", "orphaned topic")
	report := ComposeFallback(rs)
	if report == "" {
		t.Fatal("fallback must never be empty")
	}
	if !strings.Contains(report, "Research stopped before any findings were gathered.") {
		t.Errorf("empty run should say so:\n%s", report)
	}

	rs = reportState()
	report = ComposeFallback(rs)
	for _, want := range []string{
		"# Research notes: wasm runtime performance",
		"## Round 1",
		"## Round 2",
		"## Sources",
		"[1] Wasmtime benchmarks (https://example.org/a)",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("fallback missing %q:\n%s", want, report)
		}
	}
}

func TestSummarizeRequestShape(t *testing.T) {
	provider := &llm.MockProvider{Responses: []string{"Condensed findings [1].\n{\"sufficient\": false}"}}
	e := New(provider, nil, nil, nil, Config{}, nil)
	rs := state.New("run-1", "ipfs content routing")
	rs.AddSource(state.Source{SourceID: "s1", URL: "https://example.org/a", Title: "DHT walkthrough", Excerpt: "Kademlia buckets"})
	chosen := []*state.Source{{SourceID: "s1", URL: "https://example.org/a", Title: "DHT walkthrough", Excerpt: "Kademlia buckets"}}

	summary, err := e.summarize(t.Context(), nil, provider, rs, chosen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Sufficient {
		t.Error("marker said false")
	}
	if summary.Text != "Condensed findings [1]." {
		t.Errorf("marker should be stripped, got %q", summary.Text)
	}
	if len(summary.SourceIDs) != 1 || summary.SourceIDs[0] != "s1" {
		t.Errorf("unexpected source ids %v", summary.SourceIDs)
	}

	req := provider.Calls()[0]
	if req.Temperature == nil || *req.Temperature != 0.3 {
		t.Errorf("unexpected temperature %v", req.Temperature)
	}
	user := req.Messages[1].Content
	for _, want := range []string{"ipfs content routing", "[1] DHT walkthrough (https://example.org/a)", "Kademlia buckets"} {
		if !strings.Contains(user, want) {
			t.Errorf("summary prompt missing %q:\n%s", want, user)
		}
	}
}

func TestClip(t *testing.T) {
	if got := clip("short", 10); got != "short" {
		t.Errorf("unexpected clip %q", got)
	}
	long := strings.Repeat("a", 20)
	if got := clip(long, 10); got != strings.Repeat("a", 10)+"..." {
		t.Errorf("unexpected clip %q", got)
	}
	// Multi-byte runes are never split.
	text := "日本語のテキスト"
	got := clip(text, 7)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis, got %q", got)
	}
	for _, r := range got {
		if r == '\uFFFD' {
			t.Fatalf("clip split a rune: %q", got)
		}
	}
}
