// Package history persists build pipeline runs to SQLite so past outcomes
// stay inspectable across invocations.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one recorded pipeline invocation.
type Run struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Outcome  string
	Stages   []StageResult
}

// StageResult is one stage outcome within a run.
type StageResult struct {
	Stage    string
	Result   string
	Duration time.Duration
	Error    string
}

// Store records and queries pipeline runs.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if necessary) the history database.
// Use ":memory:" for an in-memory database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started INTEGER NOT NULL,
		finished INTEGER NOT NULL,
		outcome TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS stage_results (
		run_id TEXT NOT NULL REFERENCES runs(id),
		position INTEGER NOT NULL,
		stage TEXT NOT NULL,
		result TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_stage_run_id ON stage_results(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRun stores a completed run with its stage results.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO runs (id, started, finished, outcome) VALUES (?, ?, ?, ?)",
		run.ID, run.Started.Unix(), run.Finished.Unix(), run.Outcome,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, stage := range run.Stages {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO stage_results (run_id, position, stage, result, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?)",
			run.ID, i, stage.Stage, stage.Result, stage.Duration.Milliseconds(), stage.Error,
		)
		if err != nil {
			return fmt.Errorf("insert stage result: %w", err)
		}
	}
	return tx.Commit()
}

// RecentRuns returns the most recent runs, newest first, with stage results.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, started, finished, outcome FROM runs ORDER BY started DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var started, finished int64
		if err := rows.Scan(&run.ID, &started, &finished, &run.Outcome); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Started = time.Unix(started, 0)
		run.Finished = time.Unix(finished, 0)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		stages, err := s.stagesForRun(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Stages = stages
	}
	return runs, nil
}

func (s *Store) stagesForRun(ctx context.Context, runID string) ([]StageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT stage, result, duration_ms, error FROM stage_results WHERE run_id = ? ORDER BY position", runID)
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()

	var stages []StageResult
	for rows.Next() {
		var stage StageResult
		var durationMS int64
		var errText sql.NullString
		if err := rows.Scan(&stage.Stage, &stage.Result, &durationMS, &errText); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		stage.Duration = time.Duration(durationMS) * time.Millisecond
		stage.Error = errText.String
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
