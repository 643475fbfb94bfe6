package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Run statuses.
const (
	RunOK      = "ok"
	RunPartial = "partial" // some sources failed
	RunFailed  = "failed"
	RunEmpty   = "empty" // nothing new to dispatch
	RunSkipped = "skipped"
)

// RunRecord is the persisted summary of one pipeline execution.
type RunRecord struct {
	ID          string
	Pipeline    string
	StartedAt   time.Time
	FinishedAt  time.Time
	WindowStart time.Time
	WindowEnd   time.Time
	Fetched     int
	Dispatched  int
	Failed      int
	Status      string
	Sources     []SourceOutcome
}

// SourceOutcome records how far one source got in a run.
type SourceOutcome struct {
	SourceID   string
	Stage      string
	Fetched    int
	Dispatched int
	Error      string
}

// RecordRun stores a run and its per-source outcomes.
func (s *Store) RecordRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.Pipeline) == "" {
		return errors.New("pipeline is required")
	}
	if r.Status == "" {
		return errors.New("status is required")
	}
	if r.StartedAt.IsZero() {
		return errors.New("started_at is required")
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, started_at, finished_at, window_start, window_end, fetched, dispatched, failed, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Pipeline,
		formatTime(r.StartedAt),
		formatTime(r.FinishedAt),
		nullTime(r.WindowStart),
		nullTime(r.WindowEnd),
		r.Fetched,
		r.Dispatched,
		r.Failed,
		r.Status,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, so := range r.Sources {
		var errVal sql.NullString
		if so.Error != "" {
			errVal = sql.NullString{String: so.Error, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_sources (run_id, source_id, stage, fetched, dispatched, error)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.ID, so.SourceID, so.Stage, so.Fetched, so.Dispatched, errVal); err != nil {
			return fmt.Errorf("insert run source %s: %w", so.SourceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first. An empty pipeline
// returns runs of every pipeline.
func (s *Store) RecentRuns(ctx context.Context, pipeline string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, pipeline, started_at, finished_at, window_start, window_end, fetched, dispatched, failed, status
		FROM runs`
	var args []any
	if pipeline != "" {
		query += " WHERE pipeline = ?"
		args = append(args, pipeline)
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	_ = rows.Close()

	// The single connection is free again, so sources can be loaded now.
	for i := range runs {
		runs[i].Sources, err = s.runSources(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *Store) runSources(ctx context.Context, runID string) ([]SourceOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, stage, fetched, dispatched, error
		FROM run_sources
		WHERE run_id = ?
		ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("run sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SourceOutcome
	for rows.Next() {
		var (
			so     SourceOutcome
			errVal sql.NullString
		)
		if err := rows.Scan(&so.SourceID, &so.Stage, &so.Fetched, &so.Dispatched, &errVal); err != nil {
			return nil, fmt.Errorf("scan run source: %w", err)
		}
		so.Error = errVal.String
		out = append(out, so)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run sources: %w", err)
	}
	return out, nil
}

// PruneRuns deletes runs started more than retainDays ago. Per-source rows
// are cascade-deleted. Returns the number of runs removed.
func (s *Store) PruneRuns(ctx context.Context, retainDays int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	if retainDays <= 0 {
		return 0, nil
	}

	cutoff := formatTime(s.now().AddDate(0, 0, -retainDays))
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanRun(scanner rowScanner) (RunRecord, error) {
	var (
		r                 RunRecord
		started, finished string
		winStart, winEnd  sql.NullString
	)
	if err := scanner.Scan(
		&r.ID,
		&r.Pipeline,
		&started,
		&finished,
		&winStart,
		&winEnd,
		&r.Fetched,
		&r.Dispatched,
		&r.Failed,
		&r.Status,
	); err != nil {
		return RunRecord{}, fmt.Errorf("scan run: %w", err)
	}

	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return RunRecord{}, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return RunRecord{}, fmt.Errorf("parse finished_at: %w", err)
	}
	if r.WindowStart, err = parseNullTime(winStart); err != nil {
		return RunRecord{}, fmt.Errorf("parse window_start: %w", err)
	}
	if r.WindowEnd, err = parseNullTime(winEnd); err != nil {
		return RunRecord{}, fmt.Errorf("parse window_end: %w", err)
	}
	return r, nil
}
