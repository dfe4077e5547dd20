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
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tombee/weaver/pkg/llm"
	"github.com/tombee/weaver/sdk"
)

// CLI style colors using lipgloss
var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	styleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// Symbols for status indicators
const (
	symbolOK    = "✓"
	symbolWarn  = "⚠"
	symbolError = "✗"
	symbolInfo  = "•"
	symbolStep  = "→"
)

// isTTY determines if output to f should use terminal formatting.
// Returns false if f is piped, NO_COLOR is set, or TERM is "dumb" or
// empty.
func isTTY(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	termEnv := os.Getenv("TERM")
	if termEnv == "dumb" || termEnv == "" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// interactiveTerminal reports whether the session can prompt the user.
// CI environments and piped stdin are non-interactive.
func interactiveTerminal() bool {
	if os.Getenv("WEAVER_NON_INTERACTIVE") == "true" {
		return false
	}
	for _, envVar := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "CIRCLECI"} {
		if v := os.Getenv(envVar); v == "true" || v == "1" {
			return false
		}
	}
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// renderer writes human-readable run output. Styling is dropped when
// the destination is not a terminal.
type renderer struct {
	out    io.Writer
	styled bool
}

func newRenderer(f *os.File) *renderer {
	return &renderer{out: f, styled: isTTY(f)}
}

func (r *renderer) render(style lipgloss.Style, s string) string {
	if r.styled {
		return style.Render(s)
	}
	return s
}

func (r *renderer) line(style lipgloss.Style, symbol, format string, args ...any) {
	fmt.Fprintln(r.out, r.render(style, symbol)+" "+fmt.Sprintf(format, args...))
}

func (r *renderer) mutedLine(format string, args ...any) {
	fmt.Fprintln(r.out, r.render(styleMuted, fmt.Sprintf(format, args...)))
}

// event renders one stream event as a progress line. Node transition
// records and report deltas are silent; the final report prints once at
// the end of the run.
func (r *renderer) event(ev sdk.Event) {
	switch ev.Type {
	case "status":
		r.statusEvent(ev)
	case "plan":
		r.planEvent(ev)
	case "tool_start":
		r.line(styleMuted, symbolStep, "%s: %s", dataString(ev, "tool"), dataString(ev, "query"))
	case "tool_result":
		r.line(styleOK, symbolOK, "%s (%d results)", dataString(ev, "query"), dataInt(ev, "results"))
	case "tool_error":
		r.line(styleWarn, symbolWarn, "%s failed: %s: %s",
			dataString(ev, "tool"), dataString(ev, "query"), dataString(ev, "error"))
	case "artifact":
		r.artifactEvent(ev)
	case "quality":
		r.qualityEvent(ev)
	case "interrupt":
		fmt.Fprintln(r.out)
		r.line(styleHeader, "?", "%s", dataString(ev, "question"))
	case "completion":
		r.line(styleOK, symbolOK, "completed: %d sources, %d epochs, %s tokens",
			dataInt(ev, "sources"), dataInt(ev, "epochs"), llm.FormatTokens(int64(dataInt(ev, "tokens_used"))))
	case "cancelled":
		r.line(styleError, symbolError, "cancelled (%s)", dataString(ev, "reason"))
	case "error":
		r.line(styleError, symbolError, "%s", dataString(ev, "error"))
	case "text_delta", "done", "screenshot":
		// Report text is printed from the result; done closes the stream.
	}
}

func (r *renderer) statusEvent(ev sdk.Event) {
	switch dataString(ev, "phase") {
	case "routed":
		r.line(styleMuted, symbolInfo, "routed to %s (%s)", dataString(ev, "mode"), dataString(ev, "method"))
	case "deepsearch":
		r.line(styleMuted, symbolInfo, "deep search (%s), epoch %d", dataString(ev, "mode"), dataInt(ev, "epoch"))
	case "awaiting_review":
		r.line(styleWarn, symbolWarn, "run parked, awaiting an answer")
	case "resumed":
		r.line(styleMuted, symbolInfo, "resumed")
	case "":
		// Node transition record: {node, next}. Internal bookkeeping.
	}
}

func (r *renderer) planEvent(ev sdk.Event) {
	queries := dataStrings(ev, "queries")
	if dataString(ev, "phase") == "refine" {
		r.line(styleMuted, symbolInfo, "revision %d: %d follow-up queries", dataInt(ev, "revision"), len(queries))
		if gaps := dataStrings(ev, "gaps"); len(gaps) > 0 {
			r.mutedLine("    gaps: %s", strings.Join(gaps, ", "))
		}
	} else {
		r.line(styleMuted, symbolInfo, "planned %d queries", len(queries))
	}
	for _, q := range queries {
		r.mutedLine("    - %s", q)
	}
}

func (r *renderer) artifactEvent(ev sdk.Event) {
	switch dataString(ev, "kind") {
	case "draft_report":
		r.line(styleMuted, symbolInfo, "draft report, revision %d (%d chars)",
			dataInt(ev, "revision"), dataInt(ev, "chars"))
	case "epoch_summary":
		note := ""
		if b, ok := ev.Data["sufficient"].(bool); ok && b {
			note = ", sufficient"
		}
		r.line(styleMuted, symbolInfo, "epoch %d summarized (%d sources%s)",
			dataInt(ev, "epoch"), dataInt(ev, "sources"), note)
	}
}

func (r *renderer) qualityEvent(ev sdk.Event) {
	switch dataString(ev, "verdict") {
	case "pass":
		r.line(styleOK, symbolOK, "quality gate passed: citation coverage %.2f", dataFloat(ev, "citation_coverage"))
	case "revise":
		r.line(styleWarn, symbolWarn, "revise: %s", dataString(ev, "summary"))
	case "abort":
		reason := dataString(ev, "reason")
		if reason == "" {
			reason = dataString(ev, "resource") + " budget exceeded"
		}
		r.line(styleError, symbolError, "aborted: %s", reason)
	}
}

// report prints the final report block: body, sources, and a summary
// footer.
func (r *renderer) report(res *sdk.Result) {
	if res.Report != "" {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, strings.TrimRight(res.Report, "\n"))
	}
	if len(res.Sources) > 0 {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, r.render(styleHeader, "Sources"))
		for i, src := range res.Sources {
			title := src.Title
			if title == "" {
				title = src.URL
			}
			fmt.Fprintf(r.out, "  [%d] %s\n", i+1, title)
			r.mutedLine("      %s", src.URL)
		}
	}
	fmt.Fprintln(r.out)
	r.mutedLine("verdict %s, coverage %.2f, %d sources, %s tokens, %s",
		res.Verdict, res.Coverage, len(res.Sources), llm.FormatTokens(res.TokensUsed), formatDuration(res.Duration))
}

// parked prints the clarifying question with the command to answer it.
func (r *renderer) parked(res *sdk.Result, runID string) {
	fmt.Fprintln(r.out)
	r.line(styleWarn, symbolWarn, "run parked on a clarifying question:")
	fmt.Fprintln(r.out, "  "+res.Question)
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "Answer with: weaver runs resume %s --answer \"...\"\n", runID)
}

// runsTable prints run records in fixed-width columns, newest first.
func (r *renderer) runsTable(runs []sdk.RunInfo) {
	if len(runs) == 0 {
		fmt.Fprintln(r.out, "no runs")
		return
	}
	header := fmt.Sprintf("%-38s %-16s %-8s %-8s %-10s %s",
		"ID", "STATUS", "MODE", "VERDICT", "AGE", "INPUT")
	fmt.Fprintln(r.out, r.render(styleHeader, header))
	for _, run := range runs {
		fmt.Fprintf(r.out, "%-38s %-16s %-8s %-8s %-10s %s\n",
			run.ID,
			run.Status,
			run.Mode,
			run.Verdict,
			formatAge(run.CreatedAt),
			truncate(strings.ReplaceAll(run.Input, "\n", " "), 48))
	}
}

// runDetail prints one run record with its report or question.
func (r *renderer) runDetail(info *sdk.RunInfo, res *sdk.Result) {
	r.field("id", info.ID)
	r.field("status", info.Status)
	r.field("mode", info.Mode)
	if info.Verdict != "" {
		r.field("verdict", info.Verdict)
	}
	if info.Model != "" {
		r.field("model", info.Model)
	}
	r.field("created", info.CreatedAt.Format(time.RFC3339))
	r.field("tokens", llm.FormatTokens(info.TokensUsed))
	if res != nil {
		r.field("epochs", fmt.Sprintf("%d", res.Epochs))
		r.field("revisions", fmt.Sprintf("%d", res.Revisions))
	}
	r.field("input", truncate(strings.ReplaceAll(info.Input, "\n", " "), 120))
	if info.Error != "" {
		r.field("error", info.Error)
	}

	switch {
	case res == nil:
	case res.Parked:
		r.parked(res, info.ID)
	case res.Report != "":
		r.report(res)
	}
}

func (r *renderer) field(label, value string) {
	fmt.Fprintf(r.out, "%s %s\n", r.render(styleMuted, fmt.Sprintf("%-10s", label+":")), value)
}

// Event Data values arrive typed from the in-process bus; the helpers
// below absorb the int/int64/float64 variants.

func dataString(ev sdk.Event, key string) string {
	s, _ := ev.Data[key].(string)
	return s
}

func dataInt(ev sdk.Event, key string) int {
	switch v := ev.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func dataFloat(ev sdk.Event, key string) float64 {
	switch v := ev.Data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func dataStrings(ev sdk.Event, key string) []string {
	switch v := ev.Data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// truncate shortens a string to maxLen with ellipsis if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatAge renders how long ago t was, coarsely.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd", int(age.Hours()/24))
	}
}
