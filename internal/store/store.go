// Package store provides the durable local record cache for the sync core.
//
// The store is a local SQLite database holding entity records plus their
// per-record sync metadata. It runs in embedded mode with WAL enabled so
// the reactive projection can read concurrently with sync engine writes.
//
// Layout:
//   - records table: one row per record, fields serialized as JSON
//   - sync_cursor table: singleton row tracking last pull/push times
//
// Writes are atomic per record. The only multi-record transaction is the
// id remap performed when a locally created record receives its
// authoritative identifier (RemapID).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidemark-app/tidemark/internal/record"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by Get when no record has the given id.
var ErrNotFound = errors.New("record not found")

// Store wraps the SQLite connection holding the local record cache.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".tidemark/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	// WAL mode lets projection reads proceed during sync engine writes.
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return st, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent; safe to call on every startup.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		fields TEXT NOT NULL,  -- JSON object: name -> typed value
		local_updated_at TEXT,
		remote_updated_at TEXT,
		last_synced_at TEXT,
		sync_status TEXT NOT NULL,
		conflict_snapshot TEXT,  -- JSON, present iff sync_status = 'conflict'
		needs_attention INTEGER NOT NULL DEFAULT 0,
		perm_failures INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_records_status ON records(sync_status);
	CREATE INDEX IF NOT EXISTS idx_records_attention ON records(needs_attention);

	-- Singleton row tracking sync progress
	CREATE TABLE IF NOT EXISTS sync_cursor (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_pull_at TEXT,
		last_push_at TEXT
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Get retrieves a single record by id.
// Returns ErrNotFound if the record doesn't exist.
func (s *Store) Get(id string) (*record.Record, error) {
	return s.GetContext(context.Background(), id)
}

// GetContext retrieves a single record with context support.
func (s *Store) GetContext(ctx context.Context, id string) (*record.Record, error) {
	row := s.conn.QueryRowContext(ctx, selectColumns+" FROM records r WHERE r.id = ?", id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return rec, nil
}

// ListOptions configures the List query.
type ListOptions struct {
	// Status filters to a single sync status (empty = all statuses).
	Status record.SyncStatus
	// IncludeTombstones includes pending_delete records. The default
	// view never shows tombstones.
	IncludeTombstones bool
	// Tag filters to records whose tags set contains the given member.
	Tag string
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// List retrieves records matching the given options, most recently
// changed first.
func (s *Store) List(opts ListOptions) ([]*record.Record, error) {
	return s.ListContext(context.Background(), opts)
}

// ListContext retrieves records with context support.
func (s *Store) ListContext(ctx context.Context, opts ListOptions) ([]*record.Record, error) {
	var conditions []string
	var args []interface{}

	if opts.Status != "" {
		conditions = append(conditions, "r.sync_status = ?")
		args = append(args, string(opts.Status))
	} else if !opts.IncludeTombstones {
		conditions = append(conditions, "r.sync_status != ?")
		args = append(args, string(record.StatusPendingDelete))
	}

	query := selectColumns + " FROM records r"

	if opts.Tag != "" {
		query += ", json_each(json_extract(r.fields, '$.tags.set'))"
		conditions = append(conditions, "json_each.value = ?")
		args = append(args, opts.Tag)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += ` ORDER BY COALESCE(r.local_updated_at, r.remote_updated_at, r.last_synced_at) DESC, r.id ASC`

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// PendingRecords returns all records whose sync status is not synced.
// This includes conflict and needs-attention records; the sync engine
// decides which of them are eligible for pushing.
func (s *Store) PendingRecords() ([]*record.Record, error) {
	return s.PendingRecordsContext(context.Background())
}

// PendingRecordsContext returns unsynced records with context support.
func (s *Store) PendingRecordsContext(ctx context.Context) ([]*record.Record, error) {
	query := selectColumns + ` FROM records r
	WHERE r.sync_status != ?
	ORDER BY COALESCE(r.local_updated_at, r.remote_updated_at) ASC, r.id ASC`

	rows, err := s.conn.QueryContext(ctx, query, string(record.StatusSynced))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Upsert inserts or updates a record.
//
// The record is validated first so a structurally invalid record (for
// example a conflict without its snapshot) can never reach disk.
func (s *Store) Upsert(rec *record.Record) error {
	return s.UpsertContext(context.Background(), rec)
}

// UpsertContext inserts or updates a record with context support.
func (s *Store) UpsertContext(ctx context.Context, rec *record.Record) error {
	query, args, err := upsertArgs(rec)
	if err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a record row entirely.
//
// This is only called once a tombstone's deletion has been confirmed by
// the remote, or when discarding a never-pushed local create. Returns
// nil if the record doesn't exist (idempotent).
func (s *Store) Delete(id string) error {
	return s.DeleteContext(context.Background(), id)
}

// DeleteContext removes a record with context support.
func (s *Store) DeleteContext(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

// RemapID atomically replaces a temporary local identifier with the
// authoritative id assigned by the remote store.
//
// The old row is deleted and the updated record inserted in a single
// transaction, so a concurrent reader sees either the temporary record
// or the authoritative one, never both and never neither.
func (s *Store) RemapID(ctx context.Context, tempID string, rec *record.Record) error {
	if rec.ID == tempID {
		return fmt.Errorf("remap requires a new id (got %s twice)", tempID)
	}

	query, args, err := upsertArgs(rec)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin remap transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", tempID); err != nil {
		return fmt.Errorf("failed to remove temporary record %s: %w", tempID, err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert remapped record %s: %w", rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remap transaction: %w", err)
	}
	return nil
}

// Counts returns the number of records per sync status.
func (s *Store) Counts() (map[record.SyncStatus]int, error) {
	return s.CountsContext(context.Background())
}

// CountsContext returns per-status counts with context support.
func (s *Store) CountsContext(ctx context.Context) (map[record.SyncStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT sync_status, COUNT(*) FROM records GROUP BY sync_status")
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[record.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[record.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// selectColumns is the shared column list for record queries.
const selectColumns = `SELECT r.id, r.fields, r.local_updated_at, r.remote_updated_at,
       r.last_synced_at, r.sync_status, r.conflict_snapshot, r.needs_attention, r.perm_failures`

// upsertArgs validates and serializes a record into the upsert statement.
func upsertArgs(rec *record.Record) (string, []interface{}, error) {
	if err := rec.Validate(); err != nil {
		return "", nil, fmt.Errorf("invalid record: %w", err)
	}

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal fields: %w", err)
	}

	var snapJSON sql.NullString
	if rec.ConflictSnapshot != nil {
		data, err := json.Marshal(rec.ConflictSnapshot)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal conflict snapshot: %w", err)
		}
		snapJSON = sql.NullString{String: string(data), Valid: true}
	}

	attention := 0
	if rec.NeedsAttention {
		attention = 1
	}

	query := `
	INSERT INTO records (
		id, fields, local_updated_at, remote_updated_at,
		last_synced_at, sync_status, conflict_snapshot, needs_attention, perm_failures
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		fields = excluded.fields,
		local_updated_at = excluded.local_updated_at,
		remote_updated_at = excluded.remote_updated_at,
		last_synced_at = excluded.last_synced_at,
		sync_status = excluded.sync_status,
		conflict_snapshot = excluded.conflict_snapshot,
		needs_attention = excluded.needs_attention,
		perm_failures = excluded.perm_failures
	`

	args := []interface{}{
		rec.ID,
		string(fieldsJSON),
		timeToNullString(rec.LocalUpdatedAt),
		timeToNullString(rec.RemoteUpdatedAt),
		timeToNullString(rec.LastSyncedAt),
		string(rec.Status),
		snapJSON,
		attention,
		rec.PermFailures,
	}
	return query, args, nil
}

// scanRecord reads a record out of a row scan function.
func scanRecord(scan func(dest ...interface{}) error) (*record.Record, error) {
	var rec record.Record
	var fieldsJSON, status string
	var localAt, remoteAt, syncedAt, snapJSON sql.NullString
	var attention int

	err := scan(
		&rec.ID,
		&fieldsJSON,
		&localAt,
		&remoteAt,
		&syncedAt,
		&status,
		&snapJSON,
		&attention,
		&rec.PermFailures,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	if rec.Fields == nil {
		rec.Fields = record.Fields{}
	}

	rec.Status = record.SyncStatus(status)
	rec.LocalUpdatedAt = nullStringToTime(localAt)
	rec.RemoteUpdatedAt = nullStringToTime(remoteAt)
	rec.LastSyncedAt = nullStringToTime(syncedAt)
	rec.NeedsAttention = attention != 0

	if snapJSON.Valid {
		var snap record.RemoteSnapshot
		if err := json.Unmarshal([]byte(snapJSON.String), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflict snapshot: %w", err)
		}
		rec.ConflictSnapshot = &snap
	}

	return &rec, nil
}

// scanRecords reads all records from query results.
func scanRecords(rows *sql.Rows) ([]*record.Record, error) {
	var records []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
