// Package catalog records per-file ingestion outcomes in a WAL-mode SQLite
// database so operators can query what a run did long after its logs have
// rotated away. The catalog is observational: the JSON progress document
// remains the resume source of truth, and a catalog write failure never
// blocks ingestion.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL and a single pooled
// connection. Workers insert rows while the status API reads recent history;
// WAL lets both proceed without "database is locked" failures, and the
// single connection serialises the writers.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Outcome is the terminal state of one processed input file.
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomeFailed Outcome = "failed"
)

// FileResult is one catalog row: what happened to one input file in one run.
type FileResult struct {
	RunID    string
	Path     string
	Outcome  Outcome
	Error    string
	Accepted int64

	SkippedEmpty      int64
	SkippedFieldCount int64
	SkippedNoEmail    int64
	SkippedOversize   int64

	Duration   time.Duration
	FinishedAt time.Time
}

// Totals aggregates a run's catalog rows.
type Totals struct {
	FilesDone   int64
	FilesFailed int64
	Accepted    int64
	Skipped     int64
}

// Catalog is a WAL-mode SQLite store of FileResult rows. Safe for
// concurrent use.
type Catalog struct {
	db *sql.DB
}

const ddl = `
CREATE TABLE IF NOT EXISTS ingest_files (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id       TEXT    NOT NULL,
    path         TEXT    NOT NULL,
    outcome      TEXT    NOT NULL,
    error        TEXT    NOT NULL DEFAULT '',
    accepted     INTEGER NOT NULL DEFAULT 0,
    skipped_empty       INTEGER NOT NULL DEFAULT 0,
    skipped_field_count INTEGER NOT NULL DEFAULT 0,
    skipped_no_email    INTEGER NOT NULL DEFAULT 0,
    skipped_oversize    INTEGER NOT NULL DEFAULT 0,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    finished_at  TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingest_files_run  ON ingest_files (run_id, id);
CREATE INDEX IF NOT EXISTS idx_ingest_files_path ON ingest_files (path);
`

// New opens (or creates) the catalog database at path and applies the
// schema. ":memory:" is accepted for tests.
func New(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}

	// One writer at a time; a single pooled connection serialises RecordFile
	// callers instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// RecordFile inserts one result row.
func (c *Catalog) RecordFile(ctx context.Context, r FileResult) error {
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO ingest_files
		     (run_id, path, outcome, error, accepted,
		      skipped_empty, skipped_field_count, skipped_no_email, skipped_oversize,
		      duration_ms, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Path, string(r.Outcome), r.Error, r.Accepted,
		r.SkippedEmpty, r.SkippedFieldCount, r.SkippedNoEmail, r.SkippedOversize,
		r.Duration.Milliseconds(), finished.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("catalog: record file: %w", err)
	}
	return nil
}

// Recent returns the latest n rows, newest first.
func (c *Catalog) Recent(ctx context.Context, n int) ([]FileResult, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT run_id, path, outcome, error, accepted,
		        skipped_empty, skipped_field_count, skipped_no_email, skipped_oversize,
		        duration_ms, finished_at
		 FROM   ingest_files
		 ORDER  BY id DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("catalog: recent query: %w", err)
	}
	defer rows.Close()

	var out []FileResult
	for rows.Next() {
		var (
			r          FileResult
			outcome    string
			durationMS int64
			finished   string
		)
		if err := rows.Scan(
			&r.RunID, &r.Path, &outcome, &r.Error, &r.Accepted,
			&r.SkippedEmpty, &r.SkippedFieldCount, &r.SkippedNoEmail, &r.SkippedOversize,
			&durationMS, &finished,
		); err != nil {
			return nil, fmt.Errorf("catalog: recent scan: %w", err)
		}
		r.Outcome = Outcome(outcome)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: recent rows: %w", err)
	}
	return out, nil
}

// RunTotals aggregates the rows recorded under runID.
func (c *Catalog) RunTotals(ctx context.Context, runID string) (Totals, error) {
	var t Totals
	err := c.db.QueryRowContext(ctx,
		`SELECT
		     COALESCE(SUM(outcome = 'done'), 0),
		     COALESCE(SUM(outcome = 'failed'), 0),
		     COALESCE(SUM(accepted), 0),
		     COALESCE(SUM(skipped_empty + skipped_field_count + skipped_no_email + skipped_oversize), 0)
		 FROM ingest_files WHERE run_id = ?`, runID,
	).Scan(&t.FilesDone, &t.FilesFailed, &t.Accepted, &t.Skipped)
	if err != nil {
		return Totals{}, fmt.Errorf("catalog: run totals: %w", err)
	}
	return t, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
