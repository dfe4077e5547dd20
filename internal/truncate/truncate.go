// Package truncate keeps conversations within a model's context budget.
//
// Token counts are approximations: a characters-per-token ratio tuned per
// model family, good enough to stay clear of hard context limits without
// shipping a tokenizer per provider.
package truncate

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/llm"
)

// Strategy selects how messages are dropped when over budget.
type Strategy string

const (
	// StrategySmart keeps the system message and the most recent
	// KeepRecent messages, dropping from the middle oldest-first.
	StrategySmart Strategy = "smart"
	// StrategyFIFO drops the oldest non-system messages first.
	StrategyFIFO Strategy = "fifo"
	// StrategyMiddle keeps the first KeepFirst and last KeepLast
	// messages and drops the middle.
	StrategyMiddle Strategy = "middle"
)

// ParseStrategy validates a strategy string from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategySmart:
		return StrategySmart, nil
	case StrategyFIFO:
		return StrategyFIFO, nil
	case StrategyMiddle:
		return StrategyMiddle, nil
	case "":
		return StrategySmart, nil
	default:
		return "", errors.NewValidationError("truncation_strategy", "unknown strategy "+s,
			"Valid strategies are: smart, fifo, middle")
	}
}

// messageOverheadTokens approximates the per-message role framing cost.
const messageOverheadTokens = 4

// truncationNote is appended to a message cut mid-content.
const truncationNote = "\n[truncated to fit context window]"

// modelFamilies maps a model name prefix to its characters-per-token
// ratio. Longest matching prefix wins; unknown models fall back to 4.
var modelFamilies = []struct {
	prefix        string
	charsPerToken float64
}{
	{"gpt", 4.0},
	{"o1", 4.0},
	{"o3", 4.0},
	{"claude", 3.6},
	{"gemini", 4.0},
	{"llama", 3.5},
	{"mistral", 3.4},
}

func charsPerToken(model string) float64 {
	model = strings.ToLower(model)
	best := 4.0
	bestLen := 0
	for _, family := range modelFamilies {
		if strings.HasPrefix(model, family.prefix) && len(family.prefix) > bestLen {
			best = family.charsPerToken
			bestLen = len(family.prefix)
		}
	}
	return best
}

// EstimateTokens approximates the token count of text for a model.
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken(model)))
}

// EstimateMessage approximates one message's token cost including role
// framing and tool call payloads.
func EstimateMessage(model string, msg llm.Message) int {
	total := messageOverheadTokens + EstimateTokens(model, msg.Content)
	for _, tc := range msg.ToolCalls {
		total += EstimateTokens(model, tc.Name) + EstimateTokens(model, tc.Arguments)
	}
	return total
}

// EstimateMessages approximates the token cost of a whole conversation.
func EstimateMessages(model string, msgs []llm.Message) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateMessage(model, msg)
	}
	return total
}

// Options control one truncation pass.
type Options struct {
	// Strategy defaults to smart.
	Strategy Strategy

	// MaxTokens is the budget. Zero or negative disables truncation.
	MaxTokens int

	// KeepRecent is the count of trailing messages the smart strategy
	// always keeps. Default 4.
	KeepRecent int

	// KeepFirst and KeepLast bound the middle strategy. Defaults 2 and 4.
	KeepFirst int
	KeepLast  int

	// Model selects the token estimation ratio.
	Model string
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategySmart
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = 4
	}
	if o.KeepFirst <= 0 {
		o.KeepFirst = 2
	}
	if o.KeepLast <= 0 {
		o.KeepLast = 4
	}
	return o
}

// Result reports what a truncation pass did.
type Result struct {
	// InputTokens is the estimated size before truncation.
	InputTokens int
	// OutputTokens is the estimated size after.
	OutputTokens int
	// DroppedMessages counts messages removed.
	DroppedMessages int
	// TruncatedLastUser is true when the final user message itself had
	// to be cut.
	TruncatedLastUser bool
	// Applied is true when anything changed.
	Applied bool
}

// unit is the droppable grain: either a single message, or an assistant
// message with tool calls grouped with its tool responses. Dropping a
// partial group would orphan tool results, which providers reject.
type unit struct {
	indices   []int
	tokens    int
	protected bool
}

// Messages returns the conversation reduced to fit opts.MaxTokens.
// The system message and the last user message are never dropped; if the
// last user message alone exceeds what remains of the budget it is
// truncated end-first with an elision note.
func Messages(msgs []llm.Message, opts Options) ([]llm.Message, Result) {
	opts = opts.withDefaults()
	res := Result{InputTokens: EstimateMessages(opts.Model, msgs)}
	res.OutputTokens = res.InputTokens

	if opts.MaxTokens <= 0 || res.InputTokens <= opts.MaxTokens || len(msgs) == 0 {
		return append([]llm.Message(nil), msgs...), res
	}

	protected := protectedIndices(msgs, opts)
	units := buildUnits(msgs, protected, opts.Model)

	dropped := make(map[int]bool)
	remaining := res.InputTokens
	for _, u := range units {
		if remaining <= opts.MaxTokens {
			break
		}
		if u.protected {
			continue
		}
		for _, idx := range u.indices {
			dropped[idx] = true
		}
		remaining -= u.tokens
		res.DroppedMessages += len(u.indices)
	}

	kept := make([]llm.Message, 0, len(msgs)-len(dropped))
	for i, msg := range msgs {
		if !dropped[i] {
			kept = append(kept, msg)
		}
	}

	if remaining > opts.MaxTokens {
		kept, remaining, res.TruncatedLastUser = truncateLastUser(kept, opts, remaining)
	}

	res.OutputTokens = remaining
	res.Applied = res.DroppedMessages > 0 || res.TruncatedLastUser
	return kept, res
}

// protectedIndices marks messages a strategy must keep: every system
// message, the last user message, and the strategy's positional keeps.
func protectedIndices(msgs []llm.Message, opts Options) map[int]bool {
	protected := make(map[int]bool)
	for i, msg := range msgs {
		if msg.Role == llm.MessageRoleSystem {
			protected[i] = true
		}
	}
	if last := lastUserIndex(msgs); last >= 0 {
		protected[last] = true
	}

	switch opts.Strategy {
	case StrategyFIFO:
		// No positional protection beyond system and last user.
	case StrategyMiddle:
		for i := 0; i < opts.KeepFirst && i < len(msgs); i++ {
			protected[i] = true
		}
		for i := len(msgs) - opts.KeepLast; i < len(msgs); i++ {
			if i >= 0 {
				protected[i] = true
			}
		}
	default: // smart
		for i := len(msgs) - opts.KeepRecent; i < len(msgs); i++ {
			if i >= 0 {
				protected[i] = true
			}
		}
	}
	return protected
}

func lastUserIndex(msgs []llm.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.MessageRoleUser {
			return i
		}
	}
	return -1
}

// buildUnits groups each tool-calling assistant message with its tool
// responses so they drop together. A unit is protected if any member is.
func buildUnits(msgs []llm.Message, protected map[int]bool, model string) []unit {
	var units []unit
	i := 0
	for i < len(msgs) {
		u := unit{indices: []int{i}}
		if msgs[i].Role == llm.MessageRoleAssistant && len(msgs[i].ToolCalls) > 0 {
			j := i + 1
			for j < len(msgs) && msgs[j].Role == llm.MessageRoleTool {
				u.indices = append(u.indices, j)
				j++
			}
		}
		for _, idx := range u.indices {
			u.tokens += EstimateMessage(model, msgs[idx])
			if protected[idx] {
				u.protected = true
			}
		}
		units = append(units, u)
		i = u.indices[len(u.indices)-1] + 1
	}
	return units
}

// truncateLastUser cuts the final user message end-first so the whole
// conversation fits the budget, appending an elision note.
func truncateLastUser(msgs []llm.Message, opts Options, total int) ([]llm.Message, int, bool) {
	last := lastUserIndex(msgs)
	if last < 0 {
		return msgs, total, false
	}

	others := total - EstimateMessage(opts.Model, msgs[last])
	budget := opts.MaxTokens - others - messageOverheadTokens
	if budget < 0 {
		budget = 0
	}

	cpt := charsPerToken(opts.Model)
	maxChars := int(float64(budget)*cpt) - len(truncationNote)
	if maxChars < 0 {
		maxChars = 0
	}
	content := msgs[last].Content
	if maxChars >= len(content) {
		return msgs, total, false
	}

	for maxChars > 0 && !utf8.RuneStart(content[maxChars]) {
		maxChars--
	}
	msgs[last].Content = content[:maxChars] + truncationNote

	total = others + EstimateMessage(opts.Model, msgs[last])
	return msgs, total, true
}
