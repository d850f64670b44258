// Package postgres implements the durable job queue on a shared Postgres
// table, one logical queue per project.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawld/internal/jobs"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "spider_queue"

// Config controls the Postgres connection pool backing the queues.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store owns the pool and hands out per-project queues.
type Store struct {
	pool  pool
	table string
}

// NewStore connects to Postgres and ensures the queue table exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table}, nil
}

// EnsureSchema creates the queue table and its dispatch index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	seq         BIGSERIAL PRIMARY KEY,
	project     TEXT NOT NULL,
	job_id      TEXT NOT NULL,
	spider      TEXT NOT NULL,
	priority    DOUBLE PRECISION NOT NULL,
	version     TEXT NOT NULL DEFAULT '',
	settings    JSONB NOT NULL,
	enqueued_at BIGINT NOT NULL,
	UNIQUE (project, job_id)
);
CREATE INDEX IF NOT EXISTS %[1]s_dispatch_idx ON %[1]s (project, priority DESC, enqueued_at, seq)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create queue table: %w", err)
	}
	return nil
}

// Queue returns the logical queue for project. Queues share the pool.
func (s *Store) Queue(project string) *Queue {
	return &Queue{store: s, project: project}
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Queue is the Postgres-backed jobs.Queue for one project.
type Queue struct {
	mu      sync.Mutex
	store   *Store
	project string
}

func (q *Queue) columns() string {
	return "seq, job_id, project, spider, priority, version, settings, enqueued_at"
}

// Push inserts job; an existing pending row with the same id yields ErrDuplicateJobID.
func (q *Queue) Push(ctx context.Context, job jobs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.Project != q.project {
		return fmt.Errorf("%w: job project %q does not match queue %q", jobs.ErrInvalidJob, job.Project, q.project)
	}
	settings, err := json.Marshal(job.Settings.Clone())
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	args := []any{
		job.Project,
		job.ID,
		job.Spider,
		job.Priority,
		job.Version,
		settings,
		job.EnqueuedAt.UnixNano(),
	}
	query := fmt.Sprintf(`
INSERT INTO %s (project, job_id, spider, priority, version, settings, enqueued_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (project, job_id) DO NOTHING`, q.store.table)
	if job.Seq > 0 {
		// Pushed back: reuse the seq the row had before it was popped.
		query = fmt.Sprintf(`
INSERT INTO %s (project, job_id, spider, priority, version, settings, enqueued_at, seq)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (project, job_id) DO NOTHING`, q.store.table)
		args = append(args, job.Seq)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	tag, err := q.store.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrDuplicateJobID, job.ID)
	}
	return nil
}

// Pop atomically deletes and returns the next job in dispatch order.
func (q *Queue) Pop(ctx context.Context) (jobs.Job, bool, error) {
	query := fmt.Sprintf(`
DELETE FROM %[1]s
WHERE seq = (
	SELECT seq FROM %[1]s
	WHERE project = $1
	ORDER BY priority DESC, enqueued_at ASC, seq ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING %[2]s`, q.store.table, q.columns())

	q.mu.Lock()
	defer q.mu.Unlock()
	_, job, err := scanJob(q.store.pool.QueryRow(ctx, query, q.project))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, false, nil
	}
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("pop job: %w", err)
	}
	return job, true, nil
}

// RemoveMatching deletes all pending jobs accepted by match in one transaction.
func (q *Queue) RemoveMatching(ctx context.Context, match func(jobs.Job) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, err := q.store.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin remove: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE project = $1 FOR UPDATE`, q.columns(), q.store.table),
		q.project,
	)
	if err != nil {
		return 0, fmt.Errorf("query pending jobs: %w", err)
	}
	var doomed []int64
	for rows.Next() {
		seq, job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if match(job) {
			doomed = append(doomed, seq)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate pending jobs: %w", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE seq = ANY($1)`, q.store.table),
		doomed,
	); err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit remove: %w", err)
	}
	return len(doomed), nil
}

// List returns the pending jobs for the project in dispatch order.
func (q *Queue) List(ctx context.Context) ([]jobs.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE project = $1
ORDER BY priority DESC, enqueued_at ASC, seq ASC`, q.columns(), q.store.table)

	q.mu.Lock()
	defer q.mu.Unlock()
	rows, err := q.store.pool.Query(ctx, query, q.project)
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

// Count returns the number of pending jobs for the project.
func (q *Queue) Count(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	err := q.store.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE project = $1`, q.store.table),
		q.project,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// Close is a no-op; the shared pool is released by Store.Close.
func (q *Queue) Close() error {
	return nil
}

func scanJob(row pgx.Row) (int64, jobs.Job, error) {
	var (
		seq      int64
		job      jobs.Job
		settings []byte
		enqueued int64
	)
	if err := row.Scan(&seq, &job.ID, &job.Project, &job.Spider, &job.Priority, &job.Version, &settings, &enqueued); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, jobs.Job{}, err
		}
		return 0, jobs.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Seq = seq
	job.Settings = jobs.Settings{}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &job.Settings); err != nil {
			return 0, jobs.Job{}, fmt.Errorf("decode settings for %s: %w", job.ID, err)
		}
	}
	job.EnqueuedAt = time.Unix(0, enqueued).UTC()
	return seq, job, nil
}
