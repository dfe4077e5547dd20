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

package controller

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/checkpoint"
	"github.com/tombee/weaver/internal/controller/backend"
	"github.com/tombee/weaver/internal/events"
	"github.com/tombee/weaver/internal/log"
	"github.com/tombee/weaver/internal/metrics"
	"github.com/tombee/weaver/internal/state"
	"github.com/tombee/weaver/internal/workflow"
	weavererrors "github.com/tombee/weaver/pkg/errors"
)

const (
	// DefaultMaxParallel bounds concurrently executing runs.
	DefaultMaxParallel = 10

	// DefaultRunTimeout bounds a single run end to end.
	DefaultRunTimeout = 30 * time.Minute

	// persistTimeout bounds each run-record write. Record writes happen
	// off the caller's context so a cancelled run still lands its final
	// status.
	persistTimeout = 5 * time.Second
)

// ErrDraining is returned by StartRun and Resume once draining has begun.
var ErrDraining = stderrors.New("controller is draining")

// Config tunes the controller. Zero values select the defaults above.
type Config struct {
	// MaxParallel bounds concurrently executing runs. Default 10.
	MaxParallel int

	// RunTimeout bounds each run end to end. Default 30 minutes.
	RunTimeout time.Duration

	// MaxTokens is the per-run token budget. Zero means no cap.
	MaxTokens int64

	// MaxSeconds is the per-run wall-clock budget. Zero means no cap.
	MaxSeconds float64
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	return c
}

// Controller owns the run lifecycle: it accepts research requests, drives
// the workflow graph in per-run goroutines bounded by a semaphore, and is
// the single writer of run records and terminal events. Cancellation is
// cooperative through the token registry; resume restarts a parked or
// interrupted run from its latest durable checkpoint.
type Controller struct {
	graph   *workflow.Graph
	store   backend.Store
	ckpts   *checkpoint.Manager
	bus     *events.Bus
	cancels *cancel.Registry
	cfg     Config
	logger  *slog.Logger

	semaphore chan struct{}

	draining atomic.Bool
	wg       sync.WaitGroup
}

// New creates a controller over the given graph and store. A nil bus gets
// a private one with default history.
func New(graph *workflow.Graph, store backend.Store, bus *events.Bus, cfg Config, logger *slog.Logger) (*Controller, error) {
	if graph == nil {
		return nil, weavererrors.NewConfigError("controller.graph", "controller requires a workflow graph")
	}
	if store == nil {
		return nil, weavererrors.NewConfigError("controller.store", "controller requires a backend store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "controller")
	if bus == nil {
		bus = events.NewBus(0, logger)
	}
	cfg = cfg.withDefaults()
	return &Controller{
		graph:     graph,
		store:     store,
		ckpts:     checkpoint.NewManager(store, logger),
		bus:       bus,
		cancels:   cancel.NewRegistry(logger),
		cfg:       cfg,
		logger:    logger,
		semaphore: make(chan struct{}, cfg.MaxParallel),
	}, nil
}

// Checkpoints exposes the controller's checkpoint manager. The workflow
// shares it so node-boundary snapshots and resume reads hit one store.
func (c *Controller) Checkpoints() *checkpoint.Manager { return c.ckpts }

// StartRun validates the request, persists a pending run record, and
// launches the run in its own goroutine. The returned stream carries every
// event the run publishes, starting before the first node executes.
func (c *Controller) StartRun(ctx context.Context, req Request) (string, *events.Stream, error) {
	if c.draining.Load() {
		return "", nil, ErrDraining
	}

	spec, err := req.spec()
	if err != nil {
		return "", nil, err
	}

	rs := newRunState(spec)
	rs.Budget.TokensCap = c.cfg.MaxTokens
	rs.Budget.SecondsCap = c.cfg.MaxSeconds

	if err := c.store.CreateRun(ctx, newRunRecord(rs, spec)); err != nil {
		return "", nil, weavererrors.Wrap(err, "create run record")
	}

	stream := c.bus.Stream(rs.RunID)
	tok := c.cancels.Issue(context.Background(), rs.RunID)
	rs.CancelTokenID = tok.ID()

	c.wg.Add(1)
	go c.execute(tok, stream, rs, "", "")

	c.logger.Info("run accepted",
		log.String(log.RunIDKey, rs.RunID),
		log.String(log.ModeKey, string(rs.Mode)))
	return rs.RunID, stream, nil
}

// Resume restarts a parked or interrupted run from its latest durable
// checkpoint, feeding payload to the human-review node as the user's
// answer. Running runs cannot be resumed; completed runs stay completed.
func (c *Controller) Resume(ctx context.Context, runID, payload string) (*events.Stream, error) {
	if c.draining.Load() {
		return nil, ErrDraining
	}
	if _, active := c.cancels.Get(runID); active {
		return nil, weavererrors.NewValidationError("run_id",
			fmt.Sprintf("run %s is still executing", runID),
			"wait for the run to park or finish before resuming")
	}

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == string(state.StatusCompleted) {
		return nil, weavererrors.NewValidationError("run_id",
			fmt.Sprintf("run %s already completed", runID),
			"start a new run instead")
	}

	cp, err := c.ckpts.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}

	rs := cp.State
	rs.Status = state.StatusPending
	rs.Error = ""
	rs.Touch()

	// The record leaves awaiting_review before Resume returns, so a
	// caller polling it never mistakes the queued run for a parked one.
	c.persist(rs)

	// A stream closed by an earlier terminal event cannot publish again;
	// a parked run's open stream is reused so subscribers keep their seq.
	if st, ok := c.bus.Get(runID); ok && st.Closed() {
		c.bus.Remove(runID)
	}
	stream := c.bus.Stream(runID)

	tok := c.cancels.Issue(context.Background(), runID)
	rs.CancelTokenID = tok.ID()

	c.wg.Add(1)
	go c.execute(tok, stream, rs, workflow.NodeID(cp.Node), payload)

	c.logger.Info("run resumed",
		log.String(log.RunIDKey, runID),
		log.String(log.NodeKey, cp.Node),
		log.Int("epoch", cp.Epoch))
	return stream, nil
}

// Cancel requests cooperative cancellation. Active runs observe the token
// at their next checkpoint; parked runs are finalized directly. Returns
// false when the run is unknown or already finished.
func (c *Controller) Cancel(runID, reason string) bool {
	if c.cancels.Cancel(runID, reason) {
		return true
	}
	return c.cancelParked(runID, reason)
}

// cancelParked finalizes an awaiting-review run that has no goroutine to
// observe a token.
func (c *Controller) cancelParked(runID, reason string) bool {
	ctx, cancelFn := context.WithTimeout(context.Background(), persistTimeout)
	defer cancelFn()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil || run.Status != string(state.StatusAwaitingReview) {
		return false
	}

	now := time.Now().UTC()
	run.Status = string(state.StatusCancelled)
	run.Resumable = false
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := c.store.UpdateRun(ctx, run); err != nil {
		c.logger.Warn("parked run cancel failed",
			log.String(log.RunIDKey, runID),
			log.Error(err))
		return false
	}

	if st, ok := c.bus.Get(runID); ok {
		c.publish(st,
			events.Event{Type: events.KindCancelled, Data: map[string]any{"reason": reason}},
			events.Event{Type: events.KindDone, Data: map[string]any{"status": string(state.StatusCancelled)}})
	}
	metrics.RecordRunCompleted(run.Mode, string(state.StatusCancelled))
	c.logger.Info("parked run cancelled",
		log.String(log.RunIDKey, runID),
		log.String("reason", reason))
	return true
}

// Get returns a snapshot of one run record.
func (c *Controller) Get(ctx context.Context, runID string) (*backend.Run, error) {
	return c.store.GetRun(ctx, runID)
}

// List returns run records matching the filter, newest first.
func (c *Controller) List(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	return c.store.ListRuns(ctx, filter)
}

// Snapshot returns the full engine state from the run's latest checkpoint.
// The state is a fresh decode and shares nothing with any live run.
func (c *Controller) Snapshot(ctx context.Context, runID string) (*state.RunState, error) {
	cp, err := c.ckpts.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	return cp.State, nil
}

// Stream returns the live event stream for a run, if one exists in this
// process.
func (c *Controller) Stream(runID string) (*events.Stream, bool) {
	return c.bus.Get(runID)
}

// StartDraining stops the controller accepting new work. Active runs
// continue; callers poll WaitForDrain.
func (c *Controller) StartDraining() {
	if c.draining.CompareAndSwap(false, true) {
		c.logger.Info("controller draining, refusing new runs")
	}
}

// ActiveRunCount returns the number of runs with outstanding cancel
// tokens, which includes runs queued on the semaphore.
func (c *Controller) ActiveRunCount() int {
	return c.cancels.Active()
}

// WaitForDrain blocks until every active run finishes or the timeout
// elapses.
func (c *Controller) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.ActiveRunCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("drain timeout: %d runs still active", c.ActiveRunCount())
		case <-ticker.C:
		}
	}
}

// Close cancels every active run, waits for them to wind down, and closes
// the store. For a graceful stop call StartDraining and WaitForDrain
// first.
func (c *Controller) Close(ctx context.Context) error {
	c.StartDraining()
	if n := c.cancels.CancelAll("controller shutdown"); n > 0 {
		c.logger.Info("cancelling active runs for shutdown", log.Int("count", n))
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.store.Close()
}

// execute drives one run to a terminal state. It owns the run's terminal
// events: exactly one of done-after-completion, cancelled+done,
// error+done, or a park with the stream left open.
func (c *Controller) execute(tok *cancel.Token, stream *events.Stream, rs *state.RunState, start workflow.NodeID, payload string) {
	logger := log.WithRunContext(c.logger, rs.RunID, string(rs.Mode))

	defer c.wg.Done()
	defer c.cancels.Complete(rs.RunID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked",
				log.String("panic", fmt.Sprint(r)),
				log.String("stack", string(debug.Stack())))
			rs.Status = state.StatusFailed
			rs.Error = fmt.Sprintf("panic: %v", r)
			c.publish(stream,
				events.Event{Type: events.KindError, Data: map[string]any{"error": rs.Error, "kind": "internal"}},
				doneEvent(rs))
			c.persist(rs)
			metrics.RecordRunCompleted(string(rs.Mode), string(state.StatusFailed))
		}
	}()

	select {
	case c.semaphore <- struct{}{}:
	case <-tok.Context().Done():
		// Cancelled while queued; the run never executed a node.
		c.finishCancelled(stream, rs, tok, logger)
		return
	}
	defer func() { <-c.semaphore }()

	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	ctx := tok.Context()
	if c.cfg.RunTimeout > 0 {
		var cancelFn context.CancelFunc
		ctx, cancelFn = context.WithTimeout(ctx, c.cfg.RunTimeout)
		defer cancelFn()
	}

	// Research runs fail before the first completion when no search
	// provider is registered. Direct and clarify never search; the router
	// applies the same exemption for fresh runs, this guard covers
	// resumed ones too.
	switch rs.Mode {
	case state.ModeDirect, state.ModeClarify:
	default:
		if !c.graph.SearchAvailable() {
			c.finishFailed(stream, rs, weavererrors.ErrNoProviders, logger)
			return
		}
	}

	rs.Status = state.StatusRunning
	rs.Touch()
	c.persist(rs)
	logger.Info("run started")

	rc := c.graph.NewRunContext(tok, stream, c.ckpts, rs)
	rc.ResumePayload = payload

	err := c.graph.Run(ctx, rc, rs, start)
	switch {
	case err == nil && rs.Status == state.StatusAwaitingReview:
		// Parked for a human answer. The stream stays open; the
		// interrupt event was already published by the node group.
		c.persist(rs)
		metrics.RecordRunCompleted(string(rs.Mode), string(state.StatusAwaitingReview))
		logger.Info("run awaiting review")
	case err == nil:
		c.finishCompleted(stream, rs, logger)
	case weavererrors.IsCancelled(err) || stderrors.Is(err, context.Canceled):
		c.finishCancelled(stream, rs, tok, logger)
	case stderrors.Is(err, context.DeadlineExceeded):
		c.finishFailed(stream, rs, weavererrors.NewTimeoutError("run", c.cfg.RunTimeout), logger)
	default:
		c.finishFailed(stream, rs, err, logger)
	}
}

func (c *Controller) finishCompleted(stream *events.Stream, rs *state.RunState, logger *slog.Logger) {
	c.publish(stream, doneEvent(rs))
	c.persist(rs)
	metrics.RecordRunCompleted(string(rs.Mode), string(rs.Status))
	logger.Info("run completed",
		log.String("verdict", string(rs.Verdict)),
		log.Int("epochs", rs.Epoch),
		log.Int("sources", len(rs.Sources)),
		log.Int64("tokens_used", rs.Budget.TokensUsed))
}

func (c *Controller) finishCancelled(stream *events.Stream, rs *state.RunState, tok *cancel.Token, logger *slog.Logger) {
	rs.Status = state.StatusCancelled
	rs.Touch()
	c.publish(stream,
		events.Event{Type: events.KindCancelled, Data: map[string]any{"reason": tok.Reason()}},
		doneEvent(rs))
	c.persist(rs)
	metrics.RecordRunCompleted(string(rs.Mode), string(state.StatusCancelled))
	logger.Info("run cancelled", log.String("reason", tok.Reason()))
}

func (c *Controller) finishFailed(stream *events.Stream, rs *state.RunState, cause error, logger *slog.Logger) {
	rs.Status = state.StatusFailed
	rs.Error = cause.Error()
	rs.Touch()
	data := map[string]any{"error": rs.Error, "kind": errorKind(cause)}
	if s := weavererrors.Suggestion(cause); s != "" {
		data["suggestion"] = s
	}
	c.publish(stream, events.Event{Type: events.KindError, Data: data}, doneEvent(rs))
	c.persist(rs)
	metrics.RecordRunCompleted(string(rs.Mode), string(state.StatusFailed))
	logger.Error("run failed", log.Error(cause))
}

// publish sends terminal events best effort. A closed stream means a
// terminal event already went out, which only the panic path can race.
func (c *Controller) publish(stream *events.Stream, evs ...events.Event) {
	if stream == nil {
		return
	}
	if err := stream.Publish(evs...); err != nil {
		c.logger.Debug("terminal events dropped", log.Error(err))
	}
}

// persist writes the run's current status to its record. Record writes are
// never fatal: the run's own state machine, not the record, is
// authoritative mid-flight.
func (c *Controller) persist(rs *state.RunState) {
	ctx, cancelFn := context.WithTimeout(context.Background(), persistTimeout)
	defer cancelFn()

	run, err := c.store.GetRun(ctx, rs.RunID)
	if err != nil {
		c.logger.Warn("run record load failed",
			log.String(log.RunIDKey, rs.RunID),
			log.Error(err))
		return
	}

	now := time.Now().UTC()
	run.Input = rs.Input
	run.Mode = string(rs.Mode)
	run.Model = rs.Model
	run.Status = string(rs.Status)
	run.Verdict = string(rs.Verdict)
	run.Error = rs.Error
	run.Epoch = rs.Epoch
	run.TokensUsed = rs.Budget.TokensUsed
	run.Resumable = rs.Status != state.StatusCompleted && c.ckpts.Resumable(rs.RunID)
	run.UpdatedAt = now
	if rs.Status == state.StatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if rs.Status.Terminal() && run.CompletedAt == nil {
		run.CompletedAt = &now
	}

	if err := c.store.UpdateRun(ctx, run); err != nil {
		c.logger.Warn("run record update failed",
			log.String(log.RunIDKey, rs.RunID),
			log.Error(err))
	}
}

func doneEvent(rs *state.RunState) events.Event {
	return events.Event{Type: events.KindDone, Data: map[string]any{"status": string(rs.Status)}}
}

// errorKind classifies a run failure for the error event, mirroring the
// typed errors in pkg/errors.
func errorKind(err error) string {
	var (
		pe *weavererrors.ProviderError
		te *weavererrors.TimeoutError
	)
	switch {
	case stderrors.Is(err, weavererrors.ErrNoProviders):
		return "no_providers"
	case stderrors.Is(err, weavererrors.ErrCircuitOpen):
		return "circuit_open"
	case stderrors.As(err, &te), stderrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case stderrors.As(err, &pe):
		return "provider"
	default:
		return "internal"
	}
}
