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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/weaver/internal/controller/backend"
	"github.com/tombee/weaver/pkg/errors"
)

// Compile-time interface assertions.
// Ensures Backend implements all segregated interfaces.
var (
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.RunLister       = (*Backend)(nil)
	_ backend.CheckpointStore = (*Backend)(nil)
	_ backend.Store           = (*Backend)(nil)
)

// Backend is an in-memory storage backend. Runs and checkpoints vanish when
// the process exits, so runs stored here are not resumable across restarts.
type Backend struct {
	mu          sync.RWMutex
	runs        map[string]*backend.Run
	checkpoints map[string]*backend.Checkpoint
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runs:        make(map[string]*backend.Run),
		checkpoints: make(map[string]*backend.Checkpoint),
	}
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}

	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	b.runs[run.ID] = run.Clone()
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, exists := b.runs[id]
	if !exists {
		return nil, errors.NewNotFoundError("run", id)
	}
	return run.Clone(), nil
}

// UpdateRun updates an existing run.
func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; !exists {
		return errors.NewNotFoundError("run", run.ID)
	}

	run.UpdatedAt = time.Now()
	b.runs[run.ID] = run.Clone()
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.Run
	for _, run := range b.runs {
		if filter.Matches(run) {
			result = append(result, run.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return backend.Page(result, filter.Offset, filter.Limit), nil
}

// DeleteRun deletes a run and its checkpoints.
func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.runs, id)
	delete(b.checkpoints, id)
	return nil
}

// SaveCheckpoint saves a checkpoint, replacing any earlier one for the run.
func (b *Backend) SaveCheckpoint(ctx context.Context, runID string, checkpoint *backend.Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	checkpoint.RunID = runID
	checkpoint.CreatedAt = time.Now()
	b.checkpoints[runID] = checkpoint.Clone()
	return nil
}

// LatestCheckpoint retrieves the most recent checkpoint for a run.
func (b *Backend) LatestCheckpoint(ctx context.Context, runID string) (*backend.Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	checkpoint, exists := b.checkpoints[runID]
	if !exists {
		return nil, errors.NewNotFoundError("checkpoint", runID)
	}
	return checkpoint.Clone(), nil
}

// DeleteCheckpoints removes all checkpoints for a run.
func (b *Backend) DeleteCheckpoints(ctx context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.checkpoints, runID)
	return nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}
