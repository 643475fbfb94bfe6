package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCursorRegressed is returned when an update would move a cursor back in time.
var ErrCursorRegressed = errors.New("cursor would move backwards")

// Cursor is the persisted position of one source in one pipeline. Item
// cursors use ItemID and ItemTime; window cursors use WindowStart and WindowEnd.
type Cursor struct {
	Pipeline    string
	SourceID    string
	ItemID      string
	ItemTime    time.Time
	WindowStart time.Time
	WindowEnd   time.Time
	UpdatedAt   time.Time
}

// Cursor returns the cursor of sourceID. The bool is false when none is stored.
func (s *Store) Cursor(ctx context.Context, pipeline, sourceID string) (Cursor, bool, error) {
	if s == nil || s.db == nil {
		return Cursor{}, false, errNotInitialized
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT pipeline, source_id, item_id, item_time, window_start, window_end, updated_at
		FROM cursors
		WHERE pipeline = ? AND source_id = ?
	`, pipeline, sourceID)

	c, err := scanCursor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	return c, true, nil
}

// AdvanceCursor stores c, replacing any previous value for the same source.
// It refuses to move a set ItemTime or WindowEnd backwards; use ResetCursor first.
func (s *Store) AdvanceCursor(ctx context.Context, c Cursor) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if strings.TrimSpace(c.Pipeline) == "" {
		return errors.New("pipeline is required")
	}
	if strings.TrimSpace(c.SourceID) == "" {
		return errors.New("source_id is required")
	}
	if c.ItemID == "" && c.WindowEnd.IsZero() {
		return errors.New("item_id or window_end is required")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cursor update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanCursor(tx.QueryRowContext(ctx, `
		SELECT pipeline, source_id, item_id, item_time, window_start, window_end, updated_at
		FROM cursors
		WHERE pipeline = ? AND source_id = ?
	`, c.Pipeline, c.SourceID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case regressed(c.ItemTime, prev.ItemTime), regressed(c.WindowEnd, prev.WindowEnd):
		return fmt.Errorf("%w: %s/%s", ErrCursorRegressed, c.Pipeline, c.SourceID)
	}

	var itemID sql.NullString
	if c.ItemID != "" {
		itemID = sql.NullString{String: c.ItemID, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cursors (pipeline, source_id, item_id, item_time, window_start, window_end, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline, source_id) DO UPDATE SET
			item_id = excluded.item_id,
			item_time = excluded.item_time,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			updated_at = excluded.updated_at
	`,
		c.Pipeline,
		c.SourceID,
		itemID,
		nullTime(c.ItemTime),
		nullTime(c.WindowStart),
		nullTime(c.WindowEnd),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cursor update: %w", err)
	}
	return nil
}

// ResetCursor deletes the cursor of sourceID, or every cursor of pipeline
// when sourceID is empty. It returns the number of cursors removed.
func (s *Store) ResetCursor(ctx context.Context, pipeline, sourceID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	if strings.TrimSpace(pipeline) == "" {
		return 0, errors.New("pipeline is required")
	}

	query := "DELETE FROM cursors WHERE pipeline = ?"
	args := []any{pipeline}
	if sourceID != "" {
		query += " AND source_id = ?"
		args = append(args, sourceID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset cursor: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListCursors returns stored cursors ordered by pipeline and source.
// An empty pipeline lists all of them.
func (s *Store) ListCursors(ctx context.Context, pipeline string) ([]Cursor, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	query := `
		SELECT pipeline, source_id, item_id, item_time, window_start, window_end, updated_at
		FROM cursors`
	var args []any
	if pipeline != "" {
		query += " WHERE pipeline = ?"
		args = append(args, pipeline)
	}
	query += " ORDER BY pipeline, source_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cursors []Cursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursors: %w", err)
	}
	return cursors, nil
}

// regressed reports whether next is set and earlier than prev.
func regressed(next, prev time.Time) bool {
	return !next.IsZero() && next.Before(prev)
}

func scanCursor(scanner rowScanner) (Cursor, error) {
	var (
		c                          Cursor
		itemID                     sql.NullString
		itemTime, winStart, winEnd sql.NullString
		updatedAt                  string
	)
	if err := scanner.Scan(&c.Pipeline, &c.SourceID, &itemID, &itemTime, &winStart, &winEnd, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cursor{}, err
		}
		return Cursor{}, fmt.Errorf("scan cursor: %w", err)
	}
	c.ItemID = itemID.String

	var err error
	if c.ItemTime, err = parseNullTime(itemTime); err != nil {
		return Cursor{}, fmt.Errorf("parse item_time: %w", err)
	}
	if c.WindowStart, err = parseNullTime(winStart); err != nil {
		return Cursor{}, fmt.Errorf("parse window_start: %w", err)
	}
	if c.WindowEnd, err = parseNullTime(winEnd); err != nil {
		return Cursor{}, fmt.Errorf("parse window_end: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Cursor{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return c, nil
}
