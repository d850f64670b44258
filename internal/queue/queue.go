// Package queue keeps one durable job queue per project and knows how to open
// queues for each storage backend.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/jobs"
	"github.com/JakeFAU/crawld/internal/queue/memory"
	"github.com/JakeFAU/crawld/internal/queue/postgres"
	"github.com/JakeFAU/crawld/internal/queue/sqlite"
)

// Opener creates or reopens the queue for a project.
type Opener func(ctx context.Context, project string) (jobs.Queue, error)

// MemoryOpener returns non-durable queues. Pending work is lost on restart.
func MemoryOpener() Opener {
	return func(context.Context, string) (jobs.Queue, error) {
		return memory.NewQueue(), nil
	}
}

// SQLiteOpener stores each project's queue in <dir>/<project>.db.
func SQLiteOpener(dir string) Opener {
	return func(ctx context.Context, project string) (jobs.Queue, error) {
		if err := validateProjectName(project); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
		q, err := sqlite.Open(ctx, filepath.Join(dir, project+".db"))
		if err != nil {
			return nil, err
		}
		return q, nil
	}
}

// PostgresOpener serves every project from the shared store table.
func PostgresOpener(store *postgres.Store) Opener {
	return func(_ context.Context, project string) (jobs.Queue, error) {
		return store.Queue(project), nil
	}
}

// Set maps project names to their queues.
type Set struct {
	mu     sync.RWMutex
	open   Opener
	queues map[string]jobs.Queue
	logger *zap.Logger
}

// NewSet constructs an empty Set that opens queues with open.
func NewSet(open Opener, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		open:   open,
		queues: make(map[string]jobs.Queue),
		logger: logger,
	}
}

// Get returns the queue for project if one is open.
func (s *Set) Get(project string) (jobs.Queue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[project]
	return q, ok
}

// Ensure returns the queue for project, opening it on first use.
func (s *Set) Ensure(ctx context.Context, project string) (jobs.Queue, error) {
	if q, ok := s.Get(project); ok {
		return q, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[project]; ok {
		return q, nil
	}
	q, err := s.open(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("open queue for %s: %w", project, err)
	}
	s.queues[project] = q
	s.logger.Debug("queue opened", zap.String("project", project))
	return q, nil
}

// Sync opens a queue for every registered project so persisted pending jobs
// become visible after a restart. Queues of projects that disappeared from the
// registry are closed once they are empty.
func (s *Set) Sync(ctx context.Context, projects []string) error {
	var errs []error
	wanted := make(map[string]struct{}, len(projects))
	for _, project := range projects {
		wanted[project] = struct{}{}
		if _, err := s.Ensure(ctx, project); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for project, q := range s.queues {
		if _, ok := wanted[project]; ok {
			continue
		}
		n, err := q.Count(ctx)
		if err != nil || n > 0 {
			continue
		}
		if err := q.Close(); err != nil {
			s.logger.Warn("close queue failed", zap.String("project", project), zap.Error(err))
		}
		delete(s.queues, project)
	}
	return errors.Join(errs...)
}

// Projects returns the names of all open queues in sorted order.
func (s *Set) Projects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.queues))
	for project := range s.queues {
		out = append(out, project)
	}
	sort.Strings(out)
	return out
}

// Pending sums the pending counts across all queues.
func (s *Set) Pending(ctx context.Context) (int, error) {
	total := 0
	for _, project := range s.Projects() {
		q, ok := s.Get(project)
		if !ok {
			continue
		}
		n, err := q.Count(ctx)
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", project, err)
		}
		total += n
	}
	return total, nil
}

// Close closes every queue.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for project, q := range s.queues {
		if err := q.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", project, err))
		}
		delete(s.queues, project)
	}
	return errors.Join(errs...)
}

func validateProjectName(project string) error {
	if project == "" || project == "." || project == ".." ||
		strings.ContainsAny(project, `/\`) {
		return fmt.Errorf("%w: invalid project name %q", jobs.ErrInvalidJob, project)
	}
	return nil
}
