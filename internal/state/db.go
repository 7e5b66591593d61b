// Package state persists dispatch history in SQLite.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Dispatch outcomes.
const (
	StatusDelivered = "delivered" // 2xx or broker ack
	StatusRejected  = "rejected"  // endpoint answered with a non-2xx status
	StatusFailed    = "failed"    // transport failure, no status received
)

// DispatchRecord is one notification attempt for a fired record.
type DispatchRecord struct {
	ID           int64     `json:"id"`
	Recipe       string    `json:"recipe"`
	RecordID     string    `json:"record_id"`
	Trigger      string    `json:"trigger"`
	Action       string    `json:"action"`
	Endpoint     string    `json:"endpoint"`
	Status       string    `json:"status"`
	StatusCode   int       `json:"status_code"`
	Error        string    `json:"error,omitempty"` // scrubbed of secrets by the caller
	DispatchedAt time.Time `json:"dispatched_at"`
}

// DB wraps the SQLite database connection for dispatch history.
type DB struct {
	db *sql.DB
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS dispatch_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recipe TEXT NOT NULL,
    record_id TEXT NOT NULL,
    trigger_kind TEXT NOT NULL,
    action_kind TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    status TEXT NOT NULL,
    status_code INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    dispatched_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatch_history_recipe ON dispatch_history(recipe);
CREATE INDEX IF NOT EXISTS idx_dispatch_history_dispatched ON dispatch_history(dispatched_at);
`

// Open opens or creates a state database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Runners record concurrently; one writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count)
	if count == 0 {
		db.Exec("INSERT INTO schema_version (version) VALUES (1)")
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// RecordDispatch stores a dispatch record and returns its ID.
func (d *DB) RecordDispatch(ctx context.Context, rec DispatchRecord) (int64, error) {
	if rec.DispatchedAt.IsZero() {
		rec.DispatchedAt = time.Now()
	}
	// Stored as text; a single zone keeps ordering and cutoffs lexical.
	rec.DispatchedAt = rec.DispatchedAt.UTC()
	result, err := d.db.ExecContext(ctx, `
		INSERT INTO dispatch_history
		(recipe, record_id, trigger_kind, action_kind, endpoint, status, status_code, error, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Recipe, rec.RecordID, rec.Trigger, rec.Action, rec.Endpoint,
		rec.Status, rec.StatusCode, rec.Error, rec.DispatchedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("recording dispatch: %w", err)
	}
	return result.LastInsertId()
}

// GetHistory returns dispatches newest first, optionally filtered by recipe.
func (d *DB) GetHistory(ctx context.Context, recipe string, limit int) ([]DispatchRecord, error) {
	query := `SELECT id, recipe, record_id, trigger_kind, action_kind, endpoint, status, status_code, error, dispatched_at
		FROM dispatch_history WHERE 1=1`
	var args []any

	if recipe != "" {
		query += " AND recipe = ?"
		args = append(args, recipe)
	}

	query += " ORDER BY dispatched_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []DispatchRecord
	for rows.Next() {
		var r DispatchRecord
		var errStr sql.NullString
		if err := rows.Scan(&r.ID, &r.Recipe, &r.RecordID, &r.Trigger, &r.Action,
			&r.Endpoint, &r.Status, &r.StatusCode, &errStr, &r.DispatchedAt); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		r.Error = errStr.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountByStatus returns dispatch counts for a recipe keyed by status.
func (d *DB) CountByStatus(ctx context.Context, recipe string) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM dispatch_history WHERE recipe = ? GROUP BY status", recipe)
	if err != nil {
		return nil, fmt.Errorf("counting dispatches: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Cleanup removes dispatch records older than the specified number of days.
func (d *DB) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := d.db.ExecContext(ctx,
		"DELETE FROM dispatch_history WHERE dispatched_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up history: %w", err)
	}
	return result.RowsAffected()
}
