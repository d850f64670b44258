// Package sqlite implements the durable per-project job queue on top of a
// SQLite database file. Every mutation is committed before the call returns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/crawld/internal/jobs"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT NOT NULL UNIQUE,
	project     TEXT NOT NULL,
	spider      TEXT NOT NULL,
	priority    REAL NOT NULL,
	version     TEXT NOT NULL DEFAULT '',
	settings    TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL
)`

const selectColumns = `SELECT seq, job_id, project, spider, priority, version, settings, enqueued_at FROM queue`

const dispatchOrder = ` ORDER BY priority DESC, enqueued_at ASC, seq ASC`

// Queue is a SQLite-backed jobs.Queue for one project.
type Queue struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the database file at path.
func Open(ctx context.Context, path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue %s: %w", path, err)
	}
	// A single connection keeps writes ordered and avoids SQLITE_BUSY between
	// pooled connections.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite queue %s: %w", path, err)
	}
	q, err := NewWithDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// NewWithDB wraps an existing handle (primarily for testing) and ensures the
// schema exists.
func NewWithDB(ctx context.Context, db *sql.DB) (*Queue, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Push inserts job; a pending job with the same id yields ErrDuplicateJobID.
func (q *Queue) Push(ctx context.Context, job jobs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	settings, err := json.Marshal(job.Settings.Clone())
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	// A job pushed back keeps its seq; NULL lets SQLite assign the next one.
	var seq any
	if job.Seq > 0 {
		seq = job.Seq
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO queue (seq, job_id, project, spider, priority, version, settings, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		seq,
		job.ID,
		job.Project,
		job.Spider,
		job.Priority,
		job.Version,
		string(settings),
		job.EnqueuedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", jobs.ErrDuplicateJobID, job.ID)
		}
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// Pop removes and returns the next job in dispatch order.
func (q *Queue) Pop(ctx context.Context) (jobs.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("begin pop: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectColumns+dispatchOrder+` LIMIT 1`)
	seq, job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, false, nil
	}
	if err != nil {
		return jobs.Job{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE seq = ?`, seq); err != nil {
		return jobs.Job{}, false, fmt.Errorf("delete popped job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return jobs.Job{}, false, fmt.Errorf("commit pop: %w", err)
	}
	return job, true, nil
}

// RemoveMatching deletes every pending job accepted by match in one transaction.
func (q *Queue) RemoveMatching(ctx context.Context, match func(jobs.Job) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin remove: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, selectColumns)
	if err != nil {
		return 0, fmt.Errorf("query pending jobs: %w", err)
	}
	var doomed []int64
	for rows.Next() {
		seq, job, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return 0, err
		}
		if match(job) {
			doomed = append(doomed, seq)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("iterate pending jobs: %w", err)
	}
	_ = rows.Close()

	for _, seq := range doomed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE seq = ?`, seq); err != nil {
			return 0, fmt.Errorf("delete job: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit remove: %w", err)
	}
	return len(doomed), nil
}

// List returns the pending jobs in dispatch order.
func (q *Queue) List(ctx context.Context) ([]jobs.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rows, err := q.db.QueryContext(ctx, selectColumns+dispatchOrder)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		_, job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// Count returns the number of pending jobs.
func (q *Queue) Count(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (q *Queue) Close() error {
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("close sqlite queue: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (int64, jobs.Job, error) {
	var (
		seq      int64
		job      jobs.Job
		settings string
		enqueued int64
	)
	err := s.Scan(&seq, &job.ID, &job.Project, &job.Spider, &job.Priority, &job.Version, &settings, &enqueued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, jobs.Job{}, err
		}
		return 0, jobs.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Settings = jobs.Settings{}
	if err := json.Unmarshal([]byte(settings), &job.Settings); err != nil {
		return 0, jobs.Job{}, fmt.Errorf("decode settings for %s: %w", job.ID, err)
	}
	job.EnqueuedAt = time.Unix(0, enqueued).UTC()
	job.Seq = seq
	return seq, job, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
