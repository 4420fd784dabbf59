// Package store implements the Durable Store described in spec.md §4.2: a
// local, single-file (or in-memory) relational store for PanicWorkItems and
// their LogRecords.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caic-xyz/panicfixd/internal/dto"

	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the WASM sqlite3 runtime, no cgo required
)

const schema = `
CREATE TABLE IF NOT EXISTS work_items (
	panic_location TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	panic_message  TEXT NOT NULL,
	sql_statements TEXT NOT NULL,
	branch_name    TEXT,
	pr_url         TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	workflow_error TEXT,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS logs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp      TIMESTAMP NOT NULL,
	level          TEXT NOT NULL,
	panic_location TEXT,
	phase          TEXT NOT NULL,
	message        TEXT NOT NULL,
	metadata       TEXT,
	run_id         TEXT
);
CREATE INDEX IF NOT EXISTS idx_work_items_status_created ON work_items(status, created_at);
CREATE INDEX IF NOT EXISTS idx_logs_location ON logs(panic_location);
`

// Store is the durable work-item and log backend, backed by a single SQLite
// file (or ":memory:" for tests).
type Store struct {
	db       *sql.DB
	minLevel dto.LogLevel
}

// Open opens (creating if absent) the SQLite database at path and
// initializes the schema. path may be ":memory:" for an in-memory store.
// minLevel filters which LogRecords InsertLog persists.
func Open(ctx context.Context, path string, minLevel dto.LogLevel) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows only one writer at a time; serialize all access through
	// a single connection so write contention surfaces as queueing rather
	// than SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if minLevel == "" {
		minLevel = dto.LevelInfo
	}
	return &Store{db: db, minLevel: minLevel}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new work-item in StatusPending. Returns an error if
// panicLocation already exists (spec.md §3: panic_location is unique).
func (s *Store) Create(ctx context.Context, panicLocation, panicMessage, sqlStatements string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (panic_location, status, panic_message, sql_statements, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		panicLocation, dto.StatusPending, panicMessage, sqlStatements, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create %q: already exists: %w", panicLocation, err)
		}
		return fmt.Errorf("create %q: %w", panicLocation, err)
	}
	return nil
}

// GetPending returns up to limit pending work-items, oldest-first by
// created_at (spec.md §4.2, testable property 3).
func (s *Store) GetPending(ctx context.Context, limit int) ([]dto.PanicWorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT panic_location, status, panic_message, sql_statements, branch_name, pr_url,
		       retry_count, workflow_error, created_at, updated_at
		FROM work_items
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?`, dto.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []dto.PanicWorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("get pending: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Get returns a single work-item by panic location.
func (s *Store) Get(ctx context.Context, panicLocation string) (dto.PanicWorkItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT panic_location, status, panic_message, sql_statements, branch_name, pr_url,
		       retry_count, workflow_error, created_at, updated_at
		FROM work_items WHERE panic_location = ?`, panicLocation)
	item, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dto.PanicWorkItem{}, fmt.Errorf("get %q: %w", panicLocation, err)
		}
		return dto.PanicWorkItem{}, fmt.Errorf("get %q: %w", panicLocation, err)
	}
	return item, nil
}

// UpdateStatus transitions a work-item to status, optionally setting
// branch_name, pr_url, and/or workflow_error, and refreshes updated_at.
// This is a single-row atomic update (spec.md §4.2).
func (s *Store) UpdateStatus(ctx context.Context, panicLocation string, status dto.Status, upd dto.StatusUpdate) error {
	var werrJSON sql.NullString
	if upd.WorkflowError != nil {
		b, err := json.Marshal(upd.WorkflowError)
		if err != nil {
			return fmt.Errorf("marshal workflow_error: %w", err)
		}
		werrJSON = sql.NullString{String: string(b), Valid: true}
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{status, time.Now().UTC()}
	if upd.BranchName != nil {
		set = append(set, "branch_name = ?")
		args = append(args, *upd.BranchName)
	}
	if upd.PRUrl != nil {
		set = append(set, "pr_url = ?")
		args = append(args, *upd.PRUrl)
	}
	if werrJSON.Valid {
		set = append(set, "workflow_error = ?")
		args = append(args, werrJSON.String)
	}
	args = append(args, panicLocation)

	q := fmt.Sprintf("UPDATE work_items SET %s WHERE panic_location = ?", strings.Join(set, ", ")) //nolint:gosec // set is built from a fixed whitelist above, not user input.
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update status %q: %w", panicLocation, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status %q: %w", panicLocation, err)
	}
	if n == 0 {
		return fmt.Errorf("update status %q: no such work-item", panicLocation)
	}
	return nil
}

// MarkNeedsHumanReview is shorthand for UpdateStatus to the terminal
// needs_human_review state carrying the given error.
func (s *Store) MarkNeedsHumanReview(ctx context.Context, panicLocation string, werr dto.WorkflowError) error {
	if werr.Timestamp.IsZero() {
		werr.Timestamp = time.Now().UTC()
	}
	return s.UpdateStatus(ctx, panicLocation, dto.StatusNeedsHumanReview, dto.StatusUpdate{WorkflowError: &werr})
}

// IncrementRetry bumps retry_count by one. Per spec.md §9, no handler in the
// described flow consumes this automatically; it exists as a human-review
// affordance.
func (s *Store) IncrementRetry(ctx context.Context, panicLocation string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE work_items SET retry_count = retry_count + 1, updated_at = ? WHERE panic_location = ?`,
		time.Now().UTC(), panicLocation)
	if err != nil {
		return fmt.Errorf("increment retry %q: %w", panicLocation, err)
	}
	return nil
}

// ResetRetry sets retry_count back to zero.
func (s *Store) ResetRetry(ctx context.Context, panicLocation string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE work_items SET retry_count = 0, updated_at = ? WHERE panic_location = ?`,
		time.Now().UTC(), panicLocation)
	if err != nil {
		return fmt.Errorf("reset retry %q: %w", panicLocation, err)
	}
	return nil
}

// InsertLog appends a LogRecord. Records below the store's configured
// minimum level are silently dropped.
func (s *Store) InsertLog(ctx context.Context, rec dto.LogRecord) error {
	if !dto.Enabled(rec.Level, s.minLevel) {
		return nil
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var metaJSON sql.NullString
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal log metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (timestamp, level, panic_location, phase, message, metadata, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.Level, nullIfEmpty(rec.PanicLocation), rec.Phase, rec.Message, metaJSON, nullIfEmpty(rec.RunID))
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// GetLogs returns up to limit LogRecords, newest-first.
func (s *Store) GetLogs(ctx context.Context, limit int) ([]dto.LogRecord, error) {
	return s.queryLogs(ctx, `SELECT id, timestamp, level, panic_location, phase, message, metadata, run_id
		FROM logs ORDER BY id DESC LIMIT ?`, limit)
}

// GetLogsByLocation returns up to limit LogRecords for a single
// panic_location, newest-first.
func (s *Store) GetLogsByLocation(ctx context.Context, panicLocation string, limit int) ([]dto.LogRecord, error) {
	return s.queryLogs(ctx, `SELECT id, timestamp, level, panic_location, phase, message, metadata, run_id
		FROM logs WHERE panic_location = ? ORDER BY id DESC LIMIT ?`, panicLocation, limit)
}

func (s *Store) queryLogs(ctx context.Context, query string, args ...any) ([]dto.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []dto.LogRecord
	for rows.Next() {
		var rec dto.LogRecord
		var loc, runID, meta sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Level, &loc, &rec.Phase, &rec.Message, &meta, &runID); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		rec.PanicLocation = loc.String
		rec.RunID = runID.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
				slog.Warn("malformed log metadata", "id", rec.ID, "err", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanWorkItem.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (dto.PanicWorkItem, error) {
	var item dto.PanicWorkItem
	var branch, prURL, werr sql.NullString
	if err := row.Scan(&item.PanicLocation, &item.Status, &item.PanicMessage, &item.SQLStatements,
		&branch, &prURL, &item.RetryCount, &werr, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return dto.PanicWorkItem{}, err
	}
	item.BranchName = branch.String
	item.PRUrl = prURL.String
	if werr.Valid && werr.String != "" {
		var we dto.WorkflowError
		if err := json.Unmarshal([]byte(werr.String), &we); err == nil {
			item.WorkflowError = &we
		}
	}
	return item, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation reports whether err looks like a SQLite UNIQUE
// constraint failure. go-sqlite3 surfaces this via an error string rather
// than a typed sentinel, so we match on text the way the driver formats it.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}
