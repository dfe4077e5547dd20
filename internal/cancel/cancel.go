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

// Package cancel implements cooperative per-run cancellation.
//
// Each run receives a Token at start. Long-running work polls the token at
// named checkpoints; outbound I/O uses the token's context so in-flight
// calls abort as soon as cancellation is requested. Cleanup callbacks
// registered on a token run exactly once, in LIFO order, whether the run
// is cancelled or completes normally.
package cancel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/weaver/pkg/errors"
)

// Checkpoint names a cooperative cancellation point in the run loop.
type Checkpoint string

const (
	BeforeLLMCall Checkpoint = "before_llm_call"
	AfterSearch   Checkpoint = "after_search"
	BeforeWrite   Checkpoint = "before_write"
	AfterEpoch    Checkpoint = "after_epoch"
)

// Status reports where a token is in its cancellation lifecycle.
type Status string

const (
	// StatusRunning means no cancellation has been requested.
	StatusRunning Status = "running"
	// StatusCancelling means cancellation was requested and cleanup
	// callbacks are still executing.
	StatusCancelling Status = "cancelling"
	// StatusCancelled means cleanup has finished.
	StatusCancelled Status = "cancelled"
)

// Token is the cancellation handle for a single run.
type Token struct {
	id    string
	runID string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	status   Status
	reason   string
	cleanups []func()
	drained  bool

	cleanupOnce sync.Once
	logger      *slog.Logger
}

// ID returns the token's unique identifier.
func (t *Token) ID() string { return t.id }

// RunID returns the run this token belongs to.
func (t *Token) RunID() string { return t.runID }

// Context returns a context that is cancelled when cancellation is
// requested for the run. Pass it to all outbound I/O.
func (t *Token) Context() context.Context { return t.ctx }

// Check reports the token's current status.
func (t *Token) Check() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

// Reason returns the reason given when cancellation was requested, if any.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.reason
}

// At checks for cancellation at a named checkpoint. It returns nil while
// the run may proceed and a *errors.CancelledError once cancellation has
// been requested.
func (t *Token) At(cp Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == StatusRunning {
		return nil
	}
	return errors.NewCancelledError(t.runID, string(cp))
}

// OnCleanup registers fn to run when the run is cancelled or completes.
// Callbacks run in LIFO order. If the token has already drained its
// cleanups, fn runs immediately.
func (t *Token) OnCleanup(fn func()) {
	t.mu.Lock()
	if t.drained {
		t.mu.Unlock()
		t.invokeCleanup(fn)
		return
	}
	t.cleanups = append(t.cleanups, fn)
	t.mu.Unlock()
}

// requestCancel flips the token to cancelling, aborts the context, runs
// cleanups, and settles on cancelled.
func (t *Token) requestCancel(reason string) {
	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return
	}
	t.status = StatusCancelling
	t.reason = reason
	t.mu.Unlock()

	t.cancel()
	t.runCleanups()

	t.mu.Lock()
	t.status = StatusCancelled
	t.mu.Unlock()
}

// complete runs cleanups for a run that finished normally. The status is
// left untouched so checkpoint checks on a completed run stay nil.
func (t *Token) complete() {
	t.runCleanups()
	t.cancel()
}

func (t *Token) runCleanups() {
	t.cleanupOnce.Do(func() {
		t.mu.Lock()
		callbacks := t.cleanups
		t.cleanups = nil
		t.drained = true
		t.mu.Unlock()

		for i := len(callbacks) - 1; i >= 0; i-- {
			t.invokeCleanup(callbacks[i])
		}
	})
}

func (t *Token) invokeCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("cleanup callback panicked",
				slog.String("run_id", t.runID),
				slog.Any("panic", r))
		}
	}()
	fn()
}

// Registry issues and tracks tokens for active runs.
type Registry struct {
	mu     sync.Mutex
	logger *slog.Logger
	tokens map[string]*Token
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		tokens: make(map[string]*Token),
	}
}

// Issue creates a token for runID, derived from parent. Issuing again for
// the same run replaces the previous token.
func (r *Registry) Issue(parent context.Context, runID string) *Token {
	ctx, cancelFn := context.WithCancel(parent)
	tok := &Token{
		id:     uuid.NewString(),
		runID:  runID,
		ctx:    ctx,
		cancel: cancelFn,
		status: StatusRunning,
		logger: r.logger,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens[runID] = tok
	return tok
}

// Cancel requests cancellation of a run. It returns false for unknown
// runs, which covers runs that already completed.
func (r *Registry) Cancel(runID, reason string) bool {
	r.mu.Lock()
	tok, ok := r.tokens[runID]
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("cancel requested for unknown run",
			slog.String("run_id", runID),
			slog.String("reason", reason))
		return false
	}

	r.logger.Info("cancelling run",
		slog.String("run_id", runID),
		slog.String("reason", reason))
	tok.requestCancel(reason)
	return true
}

// Complete retires a run's token and runs any remaining cleanups. No-op
// for unknown runs.
func (r *Registry) Complete(runID string) {
	r.mu.Lock()
	tok, ok := r.tokens[runID]
	if ok {
		delete(r.tokens, runID)
	}
	r.mu.Unlock()

	if ok {
		tok.complete()
	}
}

// CancelAll requests cancellation of every active run and returns how
// many were signalled. Tokens stay registered until their runs complete.
func (r *Registry) CancelAll(reason string) int {
	r.mu.Lock()
	toks := make([]*Token, 0, len(r.tokens))
	for _, tok := range r.tokens {
		toks = append(toks, tok)
	}
	r.mu.Unlock()

	for _, tok := range toks {
		tok.requestCancel(reason)
	}
	return len(toks)
}

// Get returns the token for an active run.
func (r *Registry) Get(runID string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[runID]
	return tok, ok
}

// Active returns the number of runs with outstanding tokens.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.tokens)
}
