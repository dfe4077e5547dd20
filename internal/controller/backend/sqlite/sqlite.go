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

// Package sqlite provides a SQLite backend implementation for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/weaver/internal/controller/backend"
	"github.com/tombee/weaver/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.RunLister       = (*Backend)(nil)
	_ backend.CheckpointStore = (*Backend)(nil)
	_ backend.Store           = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",         // Enable foreign key constraints
		"PRAGMA busy_timeout=5000",       // 5 second timeout for lock contention
		"PRAGMA auto_vacuum=INCREMENTAL", // Incremental auto-vacuum for space reclamation
		"PRAGMA synchronous=NORMAL",      // Balance between performance and durability
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL") // Enable WAL mode for concurrent reads
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			input TEXT NOT NULL,
			mode TEXT,
			model TEXT,
			agent_id TEXT,
			user_id TEXT,
			status TEXT NOT NULL,
			verdict TEXT,
			error TEXT,
			epoch INTEGER DEFAULT 0,
			tokens_used INTEGER DEFAULT 0,
			resumable INTEGER DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_mode ON runs(mode)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT PRIMARY KEY,
			node TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			event_seq INTEGER NOT NULL,
			state TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	query := `
		INSERT INTO runs (id, input, mode, model, agent_id, user_id, status, verdict, error,
			epoch, tokens_used, resumable, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err := b.db.ExecContext(ctx, query,
		run.ID, run.Input, nullString(run.Mode), nullString(run.Model),
		nullString(run.AgentID), nullString(run.UserID),
		run.Status, nullString(run.Verdict), nullString(run.Error),
		run.Epoch, run.TokensUsed, boolInt(run.Resumable),
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	query := `
		SELECT id, input, mode, model, agent_id, user_id, status, verdict, error,
			epoch, tokens_used, resumable, started_at, completed_at, created_at, updated_at
		FROM runs WHERE id = ?
	`

	run, err := scanRun(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun updates an existing run.
func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	query := `
		UPDATE runs SET
			input = ?, mode = ?, model = ?, agent_id = ?, user_id = ?,
			status = ?, verdict = ?, error = ?, epoch = ?, tokens_used = ?,
			resumable = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	result, err := b.db.ExecContext(ctx, query,
		run.Input, nullString(run.Mode), nullString(run.Model),
		nullString(run.AgentID), nullString(run.UserID),
		run.Status, nullString(run.Verdict), nullString(run.Error),
		run.Epoch, run.TokensUsed, boolInt(run.Resumable),
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
		now.Format(time.RFC3339),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return errors.NewNotFoundError("run", run.ID)
	}

	run.UpdatedAt = now
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, error) {
	query := `
		SELECT id, input, mode, model, agent_id, user_id, status, verdict, error,
			epoch, tokens_used, resumable, started_at, completed_at, created_at, updated_at
		FROM runs WHERE 1=1
	`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Mode != "" {
		query += " AND mode = ?"
		args = append(args, filter.Mode)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*backend.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// DeleteRun deletes a run. Checkpoints cascade.
func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// SaveCheckpoint saves a checkpoint, replacing any earlier one for the run.
func (b *Backend) SaveCheckpoint(ctx context.Context, runID string, checkpoint *backend.Checkpoint) error {
	query := `
		INSERT INTO checkpoints (run_id, node, epoch, event_seq, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			node = excluded.node,
			epoch = excluded.epoch,
			event_seq = excluded.event_seq,
			state = excluded.state,
			created_at = excluded.created_at
	`

	now := time.Now()
	_, err := b.db.ExecContext(ctx, query,
		runID, checkpoint.Node, checkpoint.Epoch, int64(checkpoint.EventSeq),
		nullBytes(checkpoint.State), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	checkpoint.RunID = runID
	checkpoint.CreatedAt = now
	return nil
}

// LatestCheckpoint retrieves the most recent checkpoint for a run.
func (b *Backend) LatestCheckpoint(ctx context.Context, runID string) (*backend.Checkpoint, error) {
	query := `SELECT run_id, node, epoch, event_seq, state, created_at FROM checkpoints WHERE run_id = ?`

	var checkpoint backend.Checkpoint
	var eventSeq int64
	var state, createdAt sql.NullString

	err := b.db.QueryRowContext(ctx, query, runID).Scan(
		&checkpoint.RunID, &checkpoint.Node, &checkpoint.Epoch, &eventSeq, &state, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("checkpoint", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	checkpoint.EventSeq = uint64(eventSeq)
	if state.Valid && state.String != "" {
		checkpoint.State = json.RawMessage(state.String)
	}
	if createdAt.Valid {
		checkpoint.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}

	return &checkpoint, nil
}

// DeleteCheckpoints removes all checkpoints for a run.
func (b *Backend) DeleteCheckpoints(ctx context.Context, runID string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...any) error
}

// scanRun reads one runs row in SELECT column order.
func scanRun(s scanner) (*backend.Run, error) {
	var run backend.Run
	var mode, model, agentID, userID, verdict, errorStr sql.NullString
	var startedAt, completedAt, createdAt, updatedAt sql.NullString
	var resumable int

	err := s.Scan(
		&run.ID, &run.Input, &mode, &model, &agentID, &userID,
		&run.Status, &verdict, &errorStr,
		&run.Epoch, &run.TokensUsed, &resumable,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Mode = mode.String
	run.Model = model.String
	run.AgentID = agentID.String
	run.UserID = userID.String
	run.Verdict = verdict.String
	run.Error = errorStr.String
	run.Resumable = resumable == 1

	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		run.CompletedAt = &t
	}
	if createdAt.Valid {
		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}
	if updatedAt.Valid {
		run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt.String)
	}

	return &run, nil
}

// Helper functions

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// boolInt converts a bool to its SQLite integer form.
func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
