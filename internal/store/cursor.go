package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursor tracks sync progress for the whole store. There is exactly one
// cursor row; it decides whether a scheduled pull is due and anchors
// incremental fetches.
type Cursor struct {
	LastPullAt *time.Time
	LastPushAt *time.Time
}

// LoadCursor reads the sync cursor. A store that has never synced
// returns a zero cursor.
func (s *Store) LoadCursor() (Cursor, error) {
	return s.LoadCursorContext(context.Background())
}

// LoadCursorContext reads the sync cursor with context support.
func (s *Store) LoadCursorContext(ctx context.Context) (Cursor, error) {
	row := s.conn.QueryRowContext(ctx, "SELECT last_pull_at, last_push_at FROM sync_cursor WHERE id = 1")

	var pullAt, pushAt sql.NullString
	err := row.Scan(&pullAt, &pushAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to load sync cursor: %w", err)
	}

	return Cursor{
		LastPullAt: nullStringToTime(pullAt),
		LastPushAt: nullStringToTime(pushAt),
	}, nil
}

// SaveCursor persists the sync cursor.
func (s *Store) SaveCursor(c Cursor) error {
	return s.SaveCursorContext(context.Background(), c)
}

// SaveCursorContext persists the sync cursor with context support.
func (s *Store) SaveCursorContext(ctx context.Context, c Cursor) error {
	query := `
	INSERT INTO sync_cursor (id, last_pull_at, last_push_at)
	VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_pull_at = excluded.last_pull_at,
		last_push_at = excluded.last_push_at
	`
	_, err := s.conn.ExecContext(ctx, query,
		timeToNullString(c.LastPullAt),
		timeToNullString(c.LastPushAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}
