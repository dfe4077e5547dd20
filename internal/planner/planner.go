// Package planner decomposes a research topic into diverse sub-queries
// with an LLM and tolerantly parses whatever JSON shape the model emits.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tombee/weaver/internal/cache"
	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/jq"
	"github.com/tombee/weaver/internal/state"
	pkgerrors "github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
)

// DefaultQueryNum caps how many sub-queries a single plan produces.
const DefaultQueryNum = 5

const systemPrompt = `You are a research planner. Break the topic into focused web search queries that together cover it from distinct angles.

Each query targets exactly one dimension:
- temporal: timelines, recency, historical development
- comparative: alternatives, trade-offs, direct contrasts
- causal: reasons, mechanisms, consequences
- definitional: terminology, scope, background
- quantitative: numbers, measurements, benchmarks

Respond with JSON only:
{"queries": [{"query": "...", "dimension": "temporal"}]}`

// extractProgram flattens the plan shapes models actually emit, wrapped
// objects, bare arrays, single objects, or plain string lists, into a
// stream of {query, dimension} objects.
const extractProgram = `
if type == "object" then (.queries // .sub_queries // .plan // [.]) else . end
| if type == "array" then .[] else . end
| if type == "object" then {query: (.query // .q // .text // ""), dimension: (.dimension // .type // "")}
  elif type == "string" then {query: ., dimension: ""}
  else empty end`

var errNoQueries = errors.New("no queries found")

// Config holds planner settings.
type Config struct {
	// QueryNum caps sub-queries per plan. Default 5.
	QueryNum int

	// Model is passed through to the provider; empty selects its default.
	Model string
}

// Planner produces research plans from topics and evaluator feedback.
type Planner struct {
	provider llm.Provider
	exec     *jq.Executor
	cfg      Config
	logger   *slog.Logger
}

// New creates a planner backed by the given provider.
func New(provider llm.Provider, cfg Config, logger *slog.Logger) *Planner {
	if cfg.QueryNum <= 0 {
		cfg.QueryNum = DefaultQueryNum
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		provider: provider,
		exec:     jq.NewExecutor(0, 0),
		cfg:      cfg,
		logger:   logger,
	}
}

// Plan decomposes the topic into up to QueryNum sub-queries spread across
// the planning dimensions. Prior summaries steer the model away from
// settled ground; avoid lists previously issued queries that must not be
// repeated or trivially rephrased. A response that cannot be parsed
// degrades to a single definitional query for the topic itself.
func (p *Planner) Plan(ctx context.Context, tok *cancel.Token, topic string, summaries, avoid []string) ([]state.SubQuery, error) {
	return p.generate(ctx, tok, topic, summaries, nil, avoid)
}

// Refine replans after an evaluator verdict, aiming every query at the
// dimensions the draft failed to cover.
func (p *Planner) Refine(ctx context.Context, tok *cancel.Token, topic string, gaps []state.Dimension, avoid []string) ([]state.SubQuery, error) {
	return p.generate(ctx, tok, topic, nil, gaps, avoid)
}

func (p *Planner) generate(ctx context.Context, tok *cancel.Token, topic string, summaries []string, gaps []state.Dimension, avoid []string) ([]state.SubQuery, error) {
	if err := p.checkpoint(ctx, tok); err != nil {
		return nil, err
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, pkgerrors.NewValidationError("topic", "must not be empty", "provide a research topic")
	}

	// Zero temperature keeps plans reproducible where the provider honors it.
	temperature := 0.0
	resp, err := p.provider.Complete(ctx, llm.CompletionRequest{
		Model:       p.cfg.Model,
		Messages:    p.messages(topic, summaries, gaps, avoid),
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("plan completion: %w", err)
	}

	items, err := p.parse(ctx, resp.Content)
	if err != nil {
		p.logger.Warn("plan output unparseable, falling back to topic query",
			"provider", p.provider.Name(),
			"error", err)
		return []state.SubQuery{{
			Text:      topic,
			Dimension: state.DimensionDefinitional,
			Status:    state.SubQueryPending,
		}}, nil
	}
	return p.collect(items, avoid), nil
}

func (p *Planner) messages(topic string, summaries []string, gaps []state.Dimension, avoid []string) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", topic)
	if len(summaries) > 0 {
		b.WriteString("\nFindings so far:\n")
		for i, s := range summaries {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}
	if len(gaps) > 0 {
		names := make([]string, len(gaps))
		for i, g := range gaps {
			names[i] = string(g)
		}
		fmt.Fprintf(&b, "\nCoverage gaps to close: %s. Aim every query at one of these dimensions.\n", strings.Join(names, ", "))
	}
	if len(avoid) > 0 {
		b.WriteString("\nAlready searched, do not repeat or trivially rephrase:\n")
		for _, a := range avoid {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	fmt.Fprintf(&b, "\nProduce up to %d new queries.", p.cfg.QueryNum)

	return []llm.Message{
		{Role: llm.MessageRoleSystem, Content: systemPrompt},
		{Role: llm.MessageRoleUser, Content: b.String()},
	}
}

type planItem struct {
	query     string
	dimension string
}

func (p *Planner) parse(ctx context.Context, content string) ([]planItem, error) {
	raw, err := jq.ExtractJSON("plan", content)
	if err != nil {
		return nil, err
	}
	out, err := p.exec.Execute(ctx, extractProgram, raw)
	if err != nil {
		return nil, &pkgerrors.ParsingError{What: "plan", Cause: err}
	}

	var items []planItem
	for _, v := range asSlice(out) {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		query, _ := obj["query"].(string)
		dimension, _ := obj["dimension"].(string)
		query = strings.TrimSpace(query)
		if query == "" {
			continue
		}
		items = append(items, planItem{query: query, dimension: dimension})
	}
	if len(items) == 0 {
		return nil, &pkgerrors.ParsingError{What: "plan", Cause: errNoQueries}
	}
	return items, nil
}

// collect dedups parsed queries and converts them into pending sub-queries.
// Previously issued queries exclude both exact matches and containment in
// either direction; within one batch only exact duplicates are dropped, so
// the model can still propose narrower variants of its own queries.
func (p *Planner) collect(items []planItem, avoid []string) []state.SubQuery {
	issued := make([]string, 0, len(avoid))
	seen := make(map[string]struct{}, len(avoid))
	for _, a := range avoid {
		n := cache.NormalizeQuery(a)
		if n == "" {
			continue
		}
		seen[n] = struct{}{}
		issued = append(issued, n)
	}

	var out []state.SubQuery
	for _, it := range items {
		if len(out) >= p.cfg.QueryNum {
			break
		}
		n := cache.NormalizeQuery(it.query)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		if overlaps(n, issued) {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, state.SubQuery{
			Text:      it.query,
			Dimension: parseDimension(it.dimension),
			Status:    state.SubQueryPending,
		})
	}
	return out
}

// overlaps reports whether the candidate trivially rephrases a previously
// issued query. Inputs are already normalized.
func overlaps(candidate string, issued []string) bool {
	for _, q := range issued {
		if strings.Contains(candidate, q) || strings.Contains(q, candidate) {
			return true
		}
	}
	return false
}

// parseDimension maps model output onto a known dimension. Unknown or
// missing values fall back to definitional.
func parseDimension(s string) state.Dimension {
	d := state.Dimension(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range state.Dimensions() {
		if d == known {
			return known
		}
	}
	return state.DimensionDefinitional
}

// checkpoint folds context state and the cooperative token into one check.
func (p *Planner) checkpoint(ctx context.Context, tok *cancel.Token) error {
	if tok != nil {
		if err := tok.At(cancel.BeforeLLMCall); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func asSlice(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}
