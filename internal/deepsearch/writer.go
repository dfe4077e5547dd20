package deepsearch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/state"
	"github.com/tombee/weaver/internal/truncate"
	"github.com/tombee/weaver/pkg/llm"
)

const writerSystem = `You are a research writer. Write a well-structured markdown report on the topic using only the findings and sources provided. Cite evidence inline as [N] using the source numbering given; every factual claim needs a citation. Open with a short summary, group the body by theme, and close with a conclusion. Do not invent sources or facts.`

// maxDraftChars bounds how much of a prior draft is replayed on revision.
const maxDraftChars = 6000

// WriterConfig holds report composition settings.
type WriterConfig struct {
	// Model overrides the provider default. The run's own model, when
	// set, takes precedence over both.
	Model string

	// ContextMaxTokens caps prompt size. Zero disables truncation.
	ContextMaxTokens int

	// Truncation selects how oversized prompts are reduced.
	Truncation truncate.Strategy
}

// Writer composes the final cited report from accumulated findings. It
// serves both the deep-mode path, where epoch summaries carry the
// evidence, and the web-mode path, where sources alone do.
type Writer struct {
	provider llm.Provider
	cfg      WriterConfig
	logger   *slog.Logger
}

// NewWriter creates a writer backed by the given provider.
func NewWriter(provider llm.Provider, cfg WriterConfig, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{provider: provider, cfg: cfg, logger: logger}
}

// Compose writes the report from the run's summaries and sources. On a
// revision pass the prior draft and the evaluator's verdict steer the
// rewrite toward better citation coverage.
func (w *Writer) Compose(ctx context.Context, tok *cancel.Token, rs *state.RunState) (string, error) {
	if tok != nil {
		if err := tok.At(cancel.BeforeWrite); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	model := w.cfg.Model
	if rs.Model != "" {
		model = rs.Model
	}
	msgs, res := truncate.Messages(w.messages(rs), truncate.Options{
		MaxTokens: w.cfg.ContextMaxTokens,
		Strategy:  w.cfg.Truncation,
		Model:     model,
	})
	if res.Applied {
		w.logger.Debug("report prompt truncated",
			"run_id", rs.RunID,
			"input_tokens", res.InputTokens,
			"output_tokens", res.OutputTokens)
	}

	temperature := 0.4
	resp, err := w.provider.Complete(ctx, llm.CompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("compose report: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func (w *Writer) messages(rs *state.RunState) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", rs.Input)

	if rs.Verdict == state.VerdictRevise && rs.DraftReport != "" {
		b.WriteString("\nThe previous draft did not cite enough of its claims. Revise it against the expanded source list below, keeping what was well supported.\n")
		b.WriteString("\nPrevious draft:\n")
		b.WriteString(clip(rs.DraftReport, maxDraftChars))
		b.WriteString("\n")
	}

	if len(rs.Summaries) > 0 {
		b.WriteString("\nResearch findings by round:\n")
		for _, s := range rs.Summaries {
			fmt.Fprintf(&b, "\nRound %d:\n%s\n", s.Epoch+1, s.Text)
		}
	}

	srcs := rs.OrderedSources()
	if len(srcs) > 0 {
		b.WriteString("\nSources:\n")
		for i, src := range srcs {
			fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, src.Title, src.URL, clip(strings.TrimSpace(src.Excerpt), 400))
		}
	}

	return []llm.Message{
		{Role: llm.MessageRoleSystem, Content: writerSystem},
		{Role: llm.MessageRoleUser, Content: b.String()},
	}
}

// ComposeFallback assembles a mechanical report from whatever the run
// gathered, for paths where no further LLM calls are allowed. The result
// is always non-empty.
func ComposeFallback(rs *state.RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research notes: %s\n", strings.TrimSpace(rs.Input))

	if len(rs.Summaries) == 0 {
		b.WriteString("\nResearch stopped before any findings were gathered.\n")
	}
	for _, s := range rs.Summaries {
		fmt.Fprintf(&b, "\n## Round %d\n\n%s\n", s.Epoch+1, s.Text)
	}

	srcs := rs.OrderedSources()
	if len(srcs) > 0 {
		b.WriteString("\n## Sources\n\n")
		for i, src := range srcs {
			fmt.Fprintf(&b, "[%d] %s (%s)\n", i+1, src.Title, src.URL)
		}
	}
	return b.String()
}
