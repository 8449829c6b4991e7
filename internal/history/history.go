// Package history keeps a SQLite record of finished jobs for `shogun history`.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id      TEXT PRIMARY KEY,
	project     TEXT NOT NULL DEFAULT '',
	input       TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	result      TEXT NOT NULL,
	submitted_at INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at DESC);
`

// Entry is one finished job.
type Entry struct {
	JobID     string    `json:"job_id"`
	Project   string    `json:"project,omitempty"`
	Input     string    `json:"input"`
	Outcome   string    `json:"outcome"`
	Result    string    `json:"result"`
	Submitted time.Time `json:"submitted_at"`
	Finished  time.Time `json:"finished_at"`
}

// Store is the job history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path,
	))
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record stores e, replacing an earlier entry for the same job.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs (job_id, project, input, outcome, result, submitted_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.Project, e.Input, e.Outcome, e.Result,
		e.Submitted.UnixMilli(), e.Finished.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", e.JobID, err)
	}
	return nil
}

// List returns up to limit entries, most recently finished first. A
// non-positive limit returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, project, input, outcome, result, submitted_at, finished_at
		FROM jobs ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var submitted, finished int64
		if err := rows.Scan(&e.JobID, &e.Project, &e.Input, &e.Outcome, &e.Result, &submitted, &finished); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Submitted = time.UnixMilli(submitted)
		e.Finished = time.UnixMilli(finished)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// Get returns the entry for jobID, or ok=false when none exists.
func (s *Store) Get(ctx context.Context, jobID string) (Entry, bool, error) {
	var e Entry
	var submitted, finished int64
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, project, input, outcome, result, submitted_at, finished_at
		FROM jobs WHERE job_id = ?`, jobID,
	).Scan(&e.JobID, &e.Project, &e.Input, &e.Outcome, &e.Result, &submitted, &finished)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get job %s: %w", jobID, err)
	}
	e.Submitted = time.UnixMilli(submitted)
	e.Finished = time.UnixMilli(finished)
	return e, true, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close history database: %w", err)
	}
	return nil
}
