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

// Package checkpoint persists run snapshots at node boundaries so
// interrupted runs can resume where they left off. Checkpoint writes are
// never fatal: a failed save marks the run non-resumable and the run
// continues.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tombee/weaver/internal/controller/backend"
	"github.com/tombee/weaver/internal/controller/backend/memory"
	"github.com/tombee/weaver/internal/controller/backend/sqlite"
	"github.com/tombee/weaver/internal/metrics"
	"github.com/tombee/weaver/internal/state"
	"github.com/tombee/weaver/pkg/errors"
)

// Checkpoint is a restorable snapshot of run progress. Node names where
// execution resumes, EventSeq is how many events the run had published when
// the snapshot was taken, and State is the full engine state at that point.
type Checkpoint struct {
	RunID    string
	Node     string
	Epoch    int
	EventSeq uint64
	State    *state.RunState
}

// Manager writes checkpoints through a backend store and tracks, per run,
// whether the latest snapshot actually reached storage.
type Manager struct {
	store  backend.CheckpointStore
	logger *slog.Logger

	mu       sync.Mutex
	degraded map[string]bool
}

// NewManager creates a Manager on top of the given store.
func NewManager(store backend.CheckpointStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		logger:   logger,
		degraded: make(map[string]bool),
	}
}

// Save persists the checkpoint, replacing any earlier one for the run. Each
// snapshot is complete, so a successful save restores resumability even
// after earlier failures. The returned CheckpointError is informational:
// callers log it and keep running.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.RunID == "" || cp.State == nil {
		return &errors.CheckpointError{
			Op:    "save",
			Cause: fmt.Errorf("checkpoint requires a run ID and state"),
		}
	}

	payload, err := json.Marshal(cp.State)
	if err != nil {
		m.markDegraded(cp.RunID, cp.Node, err)
		return &errors.CheckpointError{RunID: cp.RunID, Op: "save", Cause: err}
	}

	rec := &backend.Checkpoint{
		Node:     cp.Node,
		Epoch:    cp.Epoch,
		EventSeq: cp.EventSeq,
		State:    payload,
	}
	if err := m.store.SaveCheckpoint(ctx, cp.RunID, rec); err != nil {
		metrics.RecordCheckpointOp("save", "error")
		m.markDegraded(cp.RunID, cp.Node, err)
		return &errors.CheckpointError{RunID: cp.RunID, Op: "save", Cause: err}
	}
	metrics.RecordCheckpointOp("save", "ok")

	m.mu.Lock()
	delete(m.degraded, cp.RunID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) markDegraded(runID, node string, err error) {
	m.logger.Warn("checkpoint save failed, run is not resumable",
		"run_id", runID,
		"node", node,
		"error", err)
	m.mu.Lock()
	m.degraded[runID] = true
	m.mu.Unlock()
}

// Latest returns the most recent checkpoint for the run. Returns a
// NotFoundError when the run has no durable checkpoint.
func (m *Manager) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	rec, err := m.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		metrics.RecordCheckpointOp("load", "error")
		return nil, &errors.CheckpointError{RunID: runID, Op: "load", Cause: err}
	}

	rs := &state.RunState{}
	if err := json.Unmarshal(rec.State, rs); err != nil {
		metrics.RecordCheckpointOp("load", "error")
		return nil, &errors.CheckpointError{RunID: runID, Op: "load", Cause: err}
	}
	metrics.RecordCheckpointOp("load", "ok")

	return &Checkpoint{
		RunID:    runID,
		Node:     rec.Node,
		Epoch:    rec.Epoch,
		EventSeq: rec.EventSeq,
		State:    rs,
	}, nil
}

// Delete removes the run's checkpoints and bookkeeping. Deleting a run that
// has no checkpoint is not an error.
func (m *Manager) Delete(ctx context.Context, runID string) error {
	m.mu.Lock()
	delete(m.degraded, runID)
	m.mu.Unlock()

	if err := m.store.DeleteCheckpoints(ctx, runID); err != nil && !errors.IsNotFound(err) {
		metrics.RecordCheckpointOp("delete", "error")
		return &errors.CheckpointError{RunID: runID, Op: "delete", Cause: err}
	}
	metrics.RecordCheckpointOp("delete", "ok")
	return nil
}

// Resumable reports whether the run's latest snapshot reached storage.
func (m *Manager) Resumable(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.degraded[runID]
}

// OpenStore builds the configured backend store. An unusable sqlite store
// degrades to the in-memory backend with a warning rather than refusing to
// start, trading resumability for availability.
func OpenStore(kind, sqlitePath string, wal bool, logger *slog.Logger) backend.Store {
	if logger == nil {
		logger = slog.Default()
	}
	switch kind {
	case "sqlite":
		st, err := sqlite.New(sqlite.Config{Path: sqlitePath, WAL: wal})
		if err == nil {
			return st
		}
		logger.Warn("sqlite store unavailable, falling back to memory",
			"path", sqlitePath,
			"error", err)
	case "", "memory":
	default:
		logger.Warn("unknown checkpoint backend, using memory", "backend", kind)
	}
	return memory.New()
}
