package sdk

import (
	"context"
	"time"

	"github.com/tombee/weaver/internal/events"
	"github.com/tombee/weaver/internal/state"
	"github.com/tombee/weaver/pkg/llm"
)

// parkConfirmInterval is how often Wait re-reads the run record after
// the park marker, covering the gap between event publish and record
// persist.
const parkConfirmInterval = 50 * time.Millisecond

// Event is one entry from a run's event stream.
type Event struct {
	// Type is the event kind: status, plan, tool_start, tool_result,
	// tool_error, text_delta, quality, completion, interrupt,
	// cancelled, error, done.
	Type string

	// Seq increases by one per event within a run.
	Seq uint64

	TS    time.Time
	RunID string
	Data  map[string]any
}

// Result is the outcome of a run.
type Result struct {
	RunID   string
	Status  string // completed, failed, cancelled, awaiting_review
	Mode    string
	Verdict string // pass, revise, abort

	// Report is the final report in Markdown with inline [n] citations.
	// Budget-exhausted runs carry their best partial report here.
	Report string

	// Parked reports that the run paused on a clarifying question,
	// carried in Question. Answer it with Client.Resume.
	Parked   bool
	Question string

	Sources    []Source
	Epochs     int
	Revisions  int
	TokensUsed int64
	Duration   time.Duration

	// Coverage is the share of report claims with citation support.
	Coverage float64

	// Error is the failure message of a failed run.
	Error string
}

// Source is one cited source. Its position in the slice matches the
// report's [n] citation index, 1-based.
type Source struct {
	ID          string
	URL         string
	Title       string
	Excerpt     string
	Provider    string
	PublishedAt *time.Time
	Relevance   float64
	Rank        float64
}

// Handle tracks one run: its identifier, event stream, and outcome.
type Handle struct {
	client *Client
	runID  string
	stream *events.Stream
}

func newHandle(c *Client, runID string, stream *events.Stream) *Handle {
	return &Handle{client: c, runID: runID, stream: stream}
}

// ID returns the run identifier.
func (h *Handle) ID() string { return h.runID }

// Events subscribes to the run's event stream. The channel replays the
// run's history from the first event, follows live events, and closes
// when the run terminates or ctx is cancelled. Consumers that fall too
// far behind are evicted and see an early close.
func (h *Handle) Events(ctx context.Context) <-chan Event {
	in, cancelSub := h.stream.Subscribe()
	out := make(chan Event)
	go func() {
		defer close(out)
		defer cancelSub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					return
				case out <- Event{
					Type:  string(ev.Type),
					Seq:   ev.Seq,
					TS:    ev.TS,
					RunID: ev.RunID,
					Data:  ev.Data,
				}:
				}
			}
		}
	}()
	return out
}

// Wait blocks until the run reaches a terminal state or parks on a
// clarifying question, then returns the result. A parked result has
// Parked set and the stream stays open for the resumed leg.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	ch, cancelSub := h.stream.Subscribe()
	defer cancelSub()

	// The park marker is the status event with phase awaiting_review.
	// Node transition records trail it on the stream; any other event
	// after the marker means the run moved on (an earlier leg's marker
	// replayed from history).
	sawPark := false
	for {
		var confirm <-chan time.Time
		if sawPark {
			confirm = time.After(parkConfirmInterval)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return h.result(ctx)
			}
			switch {
			case ev.Type == events.KindStatus && ev.Data["phase"] == "awaiting_review":
				sawPark = true
			case ev.Type == events.KindStatus && ev.Data["node"] != nil:
			default:
				sawPark = false
			}
		case <-confirm:
			rec, err := h.client.controller.Get(ctx, h.runID)
			if err != nil {
				return nil, err
			}
			if rec.Status == string(state.StatusAwaitingReview) {
				return h.result(ctx)
			}
			// Persist trails publish; poll again.
		}
	}
}

func (h *Handle) result(ctx context.Context) (*Result, error) {
	return h.client.Result(ctx, h.runID)
}

// adaptSources returns the snapshot's sources in citation order.
func adaptSources(snap *state.RunState) []Source {
	out := make([]Source, 0, len(snap.SourceOrder))
	for _, id := range snap.SourceOrder {
		src, ok := snap.Sources[id]
		if !ok {
			continue
		}
		s := Source{
			ID:        src.SourceID,
			URL:       src.URL,
			Title:     src.Title,
			Excerpt:   src.Excerpt,
			Provider:  src.Provider,
			Relevance: src.RelevanceScore,
			Rank:      src.RankScore,
		}
		if src.PublishedAt != nil {
			t := *src.PublishedAt
			s.PublishedAt = &t
		}
		out = append(out, s)
	}
	return out
}

// parkQuestion is the clarifying question: the last assistant message
// before the park.
func parkQuestion(snap *state.RunState) string {
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].Role == llm.MessageRoleAssistant {
			return snap.Messages[i].Content
		}
	}
	return ""
}
