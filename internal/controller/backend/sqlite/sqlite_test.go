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

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/tombee/weaver/internal/controller/backend"
	"github.com/tombee/weaver/pkg/errors"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) *Backend {
	t.Helper()

	cfg := Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
		WAL:  true,
	}

	be, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { be.Close() })

	return be
}

func TestSQLiteBackend_CreateRun(t *testing.T) {
	be := createTestBackend(t)

	ctx := context.Background()
	run := &backend.Run{
		ID:     "run-1",
		Input:  "history of solid state batteries",
		Mode:   "deep",
		Model:  "strategic-1",
		UserID: "user-7",
		Status: "running",
	}

	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := be.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if retrieved.Input != run.Input {
		t.Errorf("expected input %q, got %q", run.Input, retrieved.Input)
	}
	if retrieved.Mode != "deep" {
		t.Errorf("expected mode deep, got %s", retrieved.Mode)
	}
	if retrieved.UserID != "user-7" {
		t.Errorf("expected user-7, got %s", retrieved.UserID)
	}
	if retrieved.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestSQLiteBackend_GetRunNotFound(t *testing.T) {
	be := createTestBackend(t)

	_, err := be.GetRun(context.Background(), "missing")
	if !errors.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestSQLiteBackend_UpdateRun(t *testing.T) {
	be := createTestBackend(t)

	ctx := context.Background()
	run := &backend.Run{
		ID:     "run-2",
		Input:  "compare llm inference runtimes",
		Mode:   "web",
		Status: "running",
	}

	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	run.Status = "completed"
	run.Verdict = "pass"
	run.Epoch = 2
	run.TokensUsed = 4200
	run.Resumable = true

	if err := be.UpdateRun(ctx, run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	retrieved, err := be.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if retrieved.Status != "completed" {
		t.Errorf("expected status completed, got %s", retrieved.Status)
	}
	if retrieved.Verdict != "pass" {
		t.Errorf("expected verdict pass, got %s", retrieved.Verdict)
	}
	if retrieved.TokensUsed != 4200 {
		t.Errorf("expected 4200 tokens used, got %d", retrieved.TokensUsed)
	}
	if !retrieved.Resumable {
		t.Error("expected resumable run")
	}
}

func TestSQLiteBackend_UpdateRunNotFound(t *testing.T) {
	be := createTestBackend(t)

	err := be.UpdateRun(context.Background(), &backend.Run{ID: "missing", Status: "failed"})
	if !errors.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestSQLiteBackend_ListRuns(t *testing.T) {
	be := createTestBackend(t)

	ctx := context.Background()
	runs := []*backend.Run{
		{ID: "run-1", Input: "q1", Mode: "web", Status: "running"},
		{ID: "run-2", Input: "q2", Mode: "deep", Status: "completed"},
		{ID: "run-3", Input: "q3", Mode: "web", Status: "completed"},
	}

	for _, run := range runs {
		if err := be.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	all, err := be.ListRuns(ctx, backend.RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 runs, got %d", len(all))
	}

	completed, err := be.ListRuns(ctx, backend.RunFilter{Status: "completed"})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(completed) != 2 {
		t.Errorf("expected 2 completed runs, got %d", len(completed))
	}

	web, err := be.ListRuns(ctx, backend.RunFilter{Mode: "web"})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(web) != 2 {
		t.Errorf("expected 2 web runs, got %d", len(web))
	}

	limited, err := be.ListRuns(ctx, backend.RunFilter{Limit: 2})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 runs with limit, got %d", len(limited))
	}
}

func TestSQLiteBackend_Checkpoint(t *testing.T) {
	be := createTestBackend(t)

	ctx := context.Background()
	run := &backend.Run{ID: "run-cp", Input: "q", Status: "running"}
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	checkpoint := &backend.Checkpoint{
		Node:     "parallel_search",
		Epoch:    1,
		EventSeq: 17,
		State:    json.RawMessage(`{"run_id":"run-cp","input":"q"}`),
	}

	if err := be.SaveCheckpoint(ctx, "run-cp", checkpoint); err != nil {
		t.Fatalf("failed to save checkpoint: %v", err)
	}

	retrieved, err := be.LatestCheckpoint(ctx, "run-cp")
	if err != nil {
		t.Fatalf("failed to get checkpoint: %v", err)
	}

	if retrieved.Node != "parallel_search" {
		t.Errorf("expected node parallel_search, got %s", retrieved.Node)
	}
	if retrieved.EventSeq != 17 {
		t.Errorf("expected event seq 17, got %d", retrieved.EventSeq)
	}
	var decoded map[string]any
	if err := json.Unmarshal(retrieved.State, &decoded); err != nil {
		t.Fatalf("state did not round-trip: %v", err)
	}
	if decoded["run_id"] != "run-cp" {
		t.Errorf("expected state run_id run-cp, got %v", decoded["run_id"])
	}

	// Upsert replaces the earlier checkpoint.
	checkpoint.Node = "evaluator"
	checkpoint.Epoch = 2
	if err := be.SaveCheckpoint(ctx, "run-cp", checkpoint); err != nil {
		t.Fatalf("failed to update checkpoint: %v", err)
	}

	retrieved, err = be.LatestCheckpoint(ctx, "run-cp")
	if err != nil {
		t.Fatalf("failed to get updated checkpoint: %v", err)
	}
	if retrieved.Node != "evaluator" || retrieved.Epoch != 2 {
		t.Errorf("expected updated checkpoint, got node=%s epoch=%d", retrieved.Node, retrieved.Epoch)
	}
}

func TestSQLiteBackend_CheckpointNotFound(t *testing.T) {
	be := createTestBackend(t)

	_, err := be.LatestCheckpoint(context.Background(), "missing")
	if !errors.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestSQLiteBackend_DeleteRunCascadesCheckpoints(t *testing.T) {
	be := createTestBackend(t)

	ctx := context.Background()
	run := &backend.Run{ID: "run-del", Input: "q", Status: "running"}
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	cp := &backend.Checkpoint{Node: "writer", Epoch: 1}
	if err := be.SaveCheckpoint(ctx, "run-del", cp); err != nil {
		t.Fatalf("failed to save checkpoint: %v", err)
	}

	if err := be.DeleteRun(ctx, "run-del"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	if _, err := be.GetRun(ctx, "run-del"); !errors.IsNotFound(err) {
		t.Errorf("expected run to be gone, got %v", err)
	}
	if _, err := be.LatestCheckpoint(ctx, "run-del"); !errors.IsNotFound(err) {
		t.Errorf("expected checkpoint to cascade, got %v", err)
	}
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	cfg := Config{
		Path: filepath.Join(t.TempDir(), "persist.db"),
		WAL:  true,
	}

	be1, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}

	ctx := context.Background()
	run := &backend.Run{ID: "persist-run", Input: "q", Status: "completed"}
	if err := be1.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	cp := &backend.Checkpoint{Node: "done", Epoch: 3, EventSeq: 40}
	if err := be1.SaveCheckpoint(ctx, "persist-run", cp); err != nil {
		t.Fatalf("failed to save checkpoint: %v", err)
	}

	if err := be1.Close(); err != nil {
		t.Fatalf("failed to close backend: %v", err)
	}

	be2, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to reopen backend: %v", err)
	}
	defer be2.Close()

	retrieved, err := be2.GetRun(ctx, "persist-run")
	if err != nil {
		t.Fatalf("failed to get persisted run: %v", err)
	}
	if retrieved.Status != "completed" {
		t.Errorf("expected status completed, got %s", retrieved.Status)
	}

	cp2, err := be2.LatestCheckpoint(ctx, "persist-run")
	if err != nil {
		t.Fatalf("failed to get persisted checkpoint: %v", err)
	}
	if cp2.EventSeq != 40 {
		t.Errorf("expected event seq 40, got %d", cp2.EventSeq)
	}
}
