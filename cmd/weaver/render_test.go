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

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tombee/weaver/sdk"
)

func plainRenderer() (*renderer, *bytes.Buffer) {
	var buf bytes.Buffer
	return &renderer{out: &buf, styled: false}, &buf
}

func TestEventRendering(t *testing.T) {
	cases := []struct {
		name string
		ev   sdk.Event
		want string
	}{
		{
			name: "routed",
			ev:   sdk.Event{Type: "status", Data: map[string]any{"phase": "routed", "mode": "web", "confidence": 0.9, "method": "classifier"}},
			want: "routed to web (classifier)",
		},
		{
			name: "plan",
			ev:   sdk.Event{Type: "plan", Data: map[string]any{"epoch": 0, "queries": []string{"raft leader election", "raft log replication"}}},
			want: "planned 2 queries",
		},
		{
			name: "refine plan",
			ev:   sdk.Event{Type: "plan", Data: map[string]any{"phase": "refine", "revision": 1, "gaps": []string{"quantitative"}, "queries": []string{"raft benchmark latency"}}},
			want: "revision 1: 1 follow-up queries",
		},
		{
			name: "tool start",
			ev:   sdk.Event{Type: "tool_start", Data: map[string]any{"tool": "search", "query": "raft leader election", "epoch": 0}},
			want: "search: raft leader election",
		},
		{
			name: "tool result",
			ev:   sdk.Event{Type: "tool_result", Data: map[string]any{"tool": "search", "query": "raft leader election", "results": 5, "epoch": 0}},
			want: "raft leader election (5 results)",
		},
		{
			name: "tool error",
			ev:   sdk.Event{Type: "tool_error", Data: map[string]any{"tool": "search", "query": "raft", "error": "circuit open"}},
			want: "search failed: raft: circuit open",
		},
		{
			name: "draft artifact",
			ev:   sdk.Event{Type: "artifact", Data: map[string]any{"kind": "draft_report", "revision": 0, "chars": 2048}},
			want: "draft report, revision 0 (2048 chars)",
		},
		{
			name: "quality pass",
			ev:   sdk.Event{Type: "quality", Data: map[string]any{"verdict": "pass", "citation_coverage": 0.83}},
			want: "quality gate passed: citation coverage 0.83",
		},
		{
			name: "quality abort",
			ev:   sdk.Event{Type: "quality", Data: map[string]any{"verdict": "abort", "budget_exceeded": true, "resource": "tokens"}},
			want: "aborted: tokens budget exceeded",
		},
		{
			name: "interrupt",
			ev:   sdk.Event{Type: "interrupt", Data: map[string]any{"question": "Which database?"}},
			want: "Which database?",
		},
		{
			name: "completion",
			ev:   sdk.Event{Type: "completion", Data: map[string]any{"sources": 7, "epochs": 2, "tokens_used": int64(9182)}},
			want: "completed: 7 sources, 2 epochs, 9.2K tokens",
		},
		{
			name: "cancelled",
			ev:   sdk.Event{Type: "cancelled", Data: map[string]any{"reason": "user request"}},
			want: "cancelled (user request)",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, buf := plainRenderer()
			r.event(tc.ev)
			if !strings.Contains(buf.String(), tc.want) {
				t.Errorf("output %q should contain %q", buf.String(), tc.want)
			}
		})
	}
}

func TestSilentEvents(t *testing.T) {
	silent := []sdk.Event{
		{Type: "status", Data: map[string]any{"node": "web_plan", "next": "parallel_search"}},
		{Type: "text_delta", Data: map[string]any{"text": "partial"}},
		{Type: "done", Data: map[string]any{"status": "completed"}},
	}
	for _, ev := range silent {
		r, buf := plainRenderer()
		r.event(ev)
		if buf.Len() != 0 {
			t.Errorf("event %s should render nothing, got %q", ev.Type, buf.String())
		}
	}
}

func TestReportBlock(t *testing.T) {
	r, buf := plainRenderer()
	published := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r.report(&sdk.Result{
		Status:  "completed",
		Verdict: "pass",
		Report:  "Raft elects a leader per term [1].",
		Sources: []sdk.Source{
			{URL: "https://example.org/raft", Title: "Raft paper", Provider: "searx", PublishedAt: &published},
		},
		Coverage:   1.0,
		TokensUsed: 5120,
		Duration:   3200 * time.Millisecond,
	})

	out := buf.String()
	for _, want := range []string{
		"Raft elects a leader per term [1].",
		"[1] Raft paper",
		"https://example.org/raft",
		"verdict pass, coverage 1.00, 1 sources, 5.1K tokens, 3.2s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report output should contain %q, got:\n%s", want, out)
		}
	}
}

func TestParkedBlock(t *testing.T) {
	r, buf := plainRenderer()
	r.parked(&sdk.Result{Question: "Which region?"}, "run-42")
	out := buf.String()
	if !strings.Contains(out, "Which region?") {
		t.Errorf("parked output should carry the question, got %q", out)
	}
	if !strings.Contains(out, "weaver runs resume run-42") {
		t.Errorf("parked output should name the resume command, got %q", out)
	}
}

func TestRunsTable(t *testing.T) {
	r, buf := plainRenderer()
	r.runsTable([]sdk.RunInfo{
		{
			ID:        "b2a7e6de-8d4f-4a0e-93f2-2f1d27b52c01",
			Status:    "completed",
			Mode:      "web",
			Verdict:   "pass",
			Input:     strings.Repeat("long question ", 10),
			CreatedAt: time.Now().Add(-2 * time.Minute),
		},
	})
	out := buf.String()
	if !strings.Contains(out, "ID") || !strings.Contains(out, "STATUS") {
		t.Fatalf("table should carry a header, got %q", out)
	}
	if !strings.Contains(out, "b2a7e6de") || !strings.Contains(out, "completed") {
		t.Errorf("table should carry the run row, got %q", out)
	}
	if !strings.Contains(out, "...") {
		t.Errorf("long input should be truncated, got %q", out)
	}
}

func TestRunsTableEmpty(t *testing.T) {
	r, buf := plainRenderer()
	r.runsTable(nil)
	if !strings.Contains(buf.String(), "no runs") {
		t.Errorf("empty table should say so, got %q", buf.String())
	}
}

func TestDataHelpers(t *testing.T) {
	ev := sdk.Event{Data: map[string]any{
		"int":     3,
		"int64":   int64(9),
		"float":   2.0,
		"strings": []any{"a", "b"},
	}}
	if got := dataInt(ev, "int"); got != 3 {
		t.Errorf("dataInt(int) = %d", got)
	}
	if got := dataInt(ev, "int64"); got != 9 {
		t.Errorf("dataInt(int64) = %d", got)
	}
	if got := dataInt(ev, "float"); got != 2 {
		t.Errorf("dataInt(float64) = %d", got)
	}
	if got := dataInt(ev, "missing"); got != 0 {
		t.Errorf("dataInt(missing) = %d", got)
	}
	if got := dataStrings(ev, "strings"); len(got) != 2 || got[1] != "b" {
		t.Errorf("dataStrings = %v", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("a very long line indeed", 10); got != "a very ..." {
		t.Errorf("truncate(long) = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{420 * time.Millisecond, "420ms"},
		{3200 * time.Millisecond, "3.2s"},
		{90 * time.Second, "1.5m"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
