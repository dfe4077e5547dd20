package sdk

import (
	"context"
	"time"

	"github.com/tombee/weaver/internal/controller"
	"github.com/tombee/weaver/internal/controller/backend"
	"github.com/tombee/weaver/internal/state"
	weavererrors "github.com/tombee/weaver/pkg/errors"
)

// Request describes one research question.
type Request struct {
	// Input is the question or topic. Required.
	Input string

	// Mode forces a route (direct, web, agent, deep, clarify) instead of
	// automatic classification. Empty lets the router decide.
	Mode string

	// Model overrides the configured completion model for this run.
	Model string

	// DeepMode overrides the deep-search exploration mode (auto, tree,
	// linear) for this run.
	DeepMode string

	// AgentID tags the run with the calling agent, for listing.
	AgentID string

	// UserID scopes memory recall; empty uses the global namespace.
	UserID string

	// Images are http(s) URLs attached to the question, at most 8.
	Images []string
}

// RunInfo summarizes one run record.
type RunInfo struct {
	ID          string
	Input       string
	Mode        string
	Model       string
	AgentID     string
	UserID      string
	Status      string
	Verdict     string
	Error       string
	Epoch       int
	TokensUsed  int64
	Resumable   bool
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RunFilter narrows Runs listings. Zero values match everything.
type RunFilter struct {
	// Status keeps only runs in the given state (pending, running,
	// awaiting_review, completed, failed, cancelled).
	Status string

	// Mode keeps only runs routed to the given mode.
	Mode string

	// Limit caps the result count; zero means no cap.
	Limit int
}

// Research validates the request, starts a run, and returns a handle
// for streaming events and waiting on the result. The run executes in
// the background; an overloaded controller queues it.
//
// Example:
//
//	handle, err := client.Research(ctx, sdk.Request{
//		Input: "Compare QUIC and TCP congestion control",
//		Mode:  "web",
//	})
func (c *Client) Research(ctx context.Context, req Request) (*Handle, error) {
	runID, stream, err := c.controller.StartRun(ctx, controller.Request{
		Input:    req.Input,
		Mode:     req.Mode,
		Model:    req.Model,
		DeepMode: req.DeepMode,
		AgentID:  req.AgentID,
		UserID:   req.UserID,
		Images:   req.Images,
	})
	if err != nil {
		return nil, err
	}
	return newHandle(c, runID, stream), nil
}

// Resume answers a parked run's clarifying question and restarts it
// from its latest checkpoint. The returned handle carries the full
// event history of the run, both legs included.
func (c *Client) Resume(ctx context.Context, runID, answer string) (*Handle, error) {
	stream, err := c.controller.Resume(ctx, runID, answer)
	if err != nil {
		return nil, err
	}
	return newHandle(c, runID, stream), nil
}

// Cancel requests cooperative cancellation of an active or parked run.
// Returns false when the run is unknown or already terminal.
func (c *Client) Cancel(runID string) bool {
	return c.controller.Cancel(runID, "user request")
}

// Run fetches a single run record.
func (c *Client) Run(ctx context.Context, runID string) (*RunInfo, error) {
	rec, err := c.controller.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	info := runInfo(rec)
	return &info, nil
}

// Result assembles the current view of a run from its record and its
// latest checkpoint: the report so far, cited sources, quality numbers,
// and the clarifying question when the run is parked. Runs that failed
// before their first checkpoint have a record but no snapshot detail.
func (c *Client) Result(ctx context.Context, runID string) (*Result, error) {
	rec, err := c.controller.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	res := &Result{
		RunID:      rec.ID,
		Status:     rec.Status,
		Mode:       rec.Mode,
		Verdict:    rec.Verdict,
		Parked:     rec.Status == string(state.StatusAwaitingReview),
		Epochs:     rec.Epoch,
		TokensUsed: rec.TokensUsed,
		Error:      rec.Error,
	}
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		res.Duration = rec.CompletedAt.Sub(*rec.StartedAt)
	}

	snap, err := c.controller.Snapshot(ctx, runID)
	if err != nil {
		if weavererrors.IsNotFound(err) {
			return res, nil
		}
		return nil, err
	}

	res.Report = snap.FinalReport
	if res.Report == "" {
		res.Report = snap.DraftReport
	}
	res.Revisions = snap.Revisions
	res.Coverage = snap.Quality.CitationCoverage
	res.Sources = adaptSources(snap)
	if res.Parked {
		res.Question = parkQuestion(snap)
	}
	return res, nil
}

// Runs lists run records, newest first.
func (c *Client) Runs(ctx context.Context, filter RunFilter) ([]RunInfo, error) {
	recs, err := c.controller.List(ctx, backend.RunFilter{
		Status: filter.Status,
		Mode:   filter.Mode,
		Limit:  filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]RunInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, runInfo(rec))
	}
	return out, nil
}

func runInfo(rec *backend.Run) RunInfo {
	return RunInfo{
		ID:          rec.ID,
		Input:       rec.Input,
		Mode:        rec.Mode,
		Model:       rec.Model,
		AgentID:     rec.AgentID,
		UserID:      rec.UserID,
		Status:      rec.Status,
		Verdict:     rec.Verdict,
		Error:       rec.Error,
		Epoch:       rec.Epoch,
		TokensUsed:  rec.TokensUsed,
		Resumable:   rec.Resumable,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}
