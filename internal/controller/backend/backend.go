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

// Package backend provides run and checkpoint storage for the controller.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation to allow minimal implementations:
//
//   - RunStore (core, required): CreateRun, GetRun, UpdateRun
//   - RunLister (optional): ListRuns, DeleteRun
//   - CheckpointStore (optional): SaveCheckpoint, LatestCheckpoint, DeleteCheckpoints
//   - io.Closer (optional): Close
//
// The Store interface composes all of these for full-featured implementations.
// Components can accept RunStore for minimal requirements and use type assertions
// to detect optional capabilities at runtime.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// RunStore is the core interface for run storage operations.
// This is the minimal interface that backends must implement for basic operation.
// Components that only need create/get/update operations should accept this interface.
type RunStore interface {
	// CreateRun creates a new run in storage.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun updates an existing run.
	UpdateRun(ctx context.Context, run *Run) error
}

// RunLister is an optional interface for listing and deleting runs.
// Use type assertion to detect if a backend supports this capability:
//
//	if lister, ok := store.(RunLister); ok {
//	    runs, err := lister.ListRuns(ctx, filter)
//	}
type RunLister interface {
	// ListRuns lists runs with optional filtering, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// DeleteRun deletes a run and its checkpoints by ID.
	DeleteRun(ctx context.Context, id string) error
}

// CheckpointStore is an optional interface for checkpoint persistence.
// Use type assertion to detect if a backend supports this capability:
//
//	if cs, ok := store.(CheckpointStore); ok {
//	    err := cs.SaveCheckpoint(ctx, runID, checkpoint)
//	}
type CheckpointStore interface {
	// SaveCheckpoint saves a checkpoint for a run, replacing any earlier one.
	SaveCheckpoint(ctx context.Context, runID string, checkpoint *Checkpoint) error

	// LatestCheckpoint retrieves the most recent checkpoint for a run.
	LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// DeleteCheckpoints removes all checkpoints for a run.
	DeleteCheckpoints(ctx context.Context, runID string) error
}

// Store defines the full interface for controller storage.
// This is a composite interface that embeds all segregated interfaces
// plus io.Closer for lifecycle management.
//
// Existing backends (memory, sqlite) implement all methods and satisfy
// this interface. New minimal backends can implement just RunStore.
type Store interface {
	RunStore
	RunLister
	CheckpointStore
	io.Closer
}

// Run is the persisted record of a research run. It carries what the run
// listing and inspection surfaces need; the full engine state lives in the
// run's checkpoint.
type Run struct {
	ID          string     `json:"id"`
	Input       string     `json:"input"`
	Mode        string     `json:"mode,omitempty"`
	Model       string     `json:"model,omitempty"`
	AgentID     string     `json:"agent_id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	Status      string     `json:"status"`
	Verdict     string     `json:"verdict,omitempty"`
	Error       string     `json:"error,omitempty"`
	Epoch       int        `json:"epoch"`
	TokensUsed  int64      `json:"tokens_used"`
	Resumable   bool       `json:"resumable"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	Status string
	Mode   string
	Limit  int
	Offset int
}

// Matches reports whether a run passes the filter's status and mode
// criteria. Empty criteria match everything.
func (f RunFilter) Matches(run *Run) bool {
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.Mode != "" && run.Mode != f.Mode {
		return false
	}
	return true
}

// Page applies offset/limit windowing to an already-sorted result set.
// Zero values disable the corresponding bound.
func Page(runs []*Run, offset, limit int) []*Run {
	if offset > 0 {
		if offset >= len(runs) {
			return nil
		}
		runs = runs[offset:]
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

// Checkpoint is a durable snapshot of run progress taken at a node
// boundary. State holds the serialized engine state; Node names where
// execution resumes; EventSeq records how many events the run had
// published, so a resumed run continues the sequence without gaps.
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	Node      string          `json:"node"`
	Epoch     int             `json:"epoch"`
	EventSeq  uint64          `json:"event_seq"`
	State     json.RawMessage `json:"state,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	if c.State != nil {
		out.State = append(json.RawMessage(nil), c.State...)
	}
	return &out
}
