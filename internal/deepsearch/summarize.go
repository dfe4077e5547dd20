package deepsearch

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/jq"
	"github.com/tombee/weaver/internal/state"
	"github.com/tombee/weaver/internal/truncate"
	"github.com/tombee/weaver/pkg/llm"
)

const summarySystem = `You are a research analyst. Summarize what the provided sources establish about the topic, citing sources inline as [N] using the numbering given. Note agreements, contradictions and open questions. Be dense and factual; do not pad.

End with exactly one line containing {"sufficient": true} if the accumulated findings cover the topic well enough to write a final report, or {"sufficient": false} if another round of research is needed.`

// maxSourceChars bounds how much of each source feeds the summarizer.
const maxSourceChars = 1200

// summarize condenses the epoch's new sources into a cited summary and
// asks the model whether the findings now suffice.
func (e *Engine) summarize(ctx context.Context, tok *cancel.Token, prov llm.Provider, rs *state.RunState, chosen []*state.Source) (state.EpochSummary, error) {
	if tok != nil {
		if err := tok.At(cancel.BeforeLLMCall); err != nil {
			return state.EpochSummary{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return state.EpochSummary{}, err
	}

	model := e.modelFor(rs)
	msgs, res := truncate.Messages(e.summaryMessages(rs, chosen), truncate.Options{
		MaxTokens: e.cfg.ContextMaxTokens,
		Strategy:  e.cfg.Truncation,
		Model:     model,
	})
	if res.Applied {
		e.logger.Debug("summary prompt truncated",
			"run_id", rs.RunID,
			"input_tokens", res.InputTokens,
			"output_tokens", res.OutputTokens)
	}

	temperature := 0.3
	resp, err := prov.Complete(ctx, llm.CompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: &temperature,
	})
	if err != nil {
		return state.EpochSummary{}, err
	}

	text, sufficient := splitSufficiency(resp.Content)
	return state.EpochSummary{
		Epoch:      rs.Epoch,
		Text:       text,
		SourceIDs:  sourceIDs(chosen),
		Sufficient: sufficient,
		CreatedAt:  e.now().UTC(),
	}, nil
}

func (e *Engine) summaryMessages(rs *state.RunState, chosen []*state.Source) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", rs.Input)
	if len(rs.Summaries) > 0 {
		b.WriteString("\nFindings from earlier rounds:\n")
		for _, s := range rs.Summaries {
			fmt.Fprintf(&b, "- %s\n", s.Text)
		}
	}
	b.WriteString("\nNew sources:\n")
	for _, src := range chosen {
		n, ok := rs.CitationIndex(src.SourceID)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", n, src.Title, src.URL, sourceText(src))
	}
	return []llm.Message{
		{Role: llm.MessageRoleSystem, Content: summarySystem},
		{Role: llm.MessageRoleUser, Content: b.String()},
	}
}

// splitSufficiency strips the trailing {"sufficient": bool} marker from
// the model output. A missing or malformed marker reads as not
// sufficient, which costs one extra epoch at worst.
func splitSufficiency(text string) (string, bool) {
	idx := strings.LastIndex(text, "{")
	if idx < 0 {
		return strings.TrimSpace(text), false
	}
	val, err := jq.ExtractJSON("sufficiency marker", text[idx:])
	if err != nil {
		return strings.TrimSpace(text), false
	}
	obj, ok := val.(map[string]any)
	if !ok {
		return strings.TrimSpace(text), false
	}
	sufficient, ok := obj["sufficient"].(bool)
	if !ok {
		return strings.TrimSpace(text), false
	}

	body := strings.TrimSpace(text[:idx])
	body = strings.TrimSuffix(body, "```json")
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body), sufficient
}

// sourceText prefers hydrated full text over the search snippet.
func sourceText(src *state.Source) string {
	text := strings.TrimSpace(src.FullText)
	if text == "" {
		text = strings.TrimSpace(src.Excerpt)
	}
	return clip(text, maxSourceChars)
}

// clip cuts text at a rune boundary at or below max bytes.
func clip(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
