// Package memory provides a non-durable queue implementation for local
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/crawld/internal/jobs"
)

type entry struct {
	job jobs.Job
	seq int64
}

// Queue is an in-memory priority queue for a single project.
type Queue struct {
	mu      sync.Mutex
	entries []entry
	nextSeq int64
	closed  bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push inserts job at its priority position.
func (q *Queue) Push(ctx context.Context, job jobs.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("push canceled: %w", err)
	}
	if err := job.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	for _, e := range q.entries {
		if e.job.ID == job.ID {
			return fmt.Errorf("%w: %s", jobs.ErrDuplicateJobID, job.ID)
		}
	}
	job.Settings = job.Settings.Clone()
	if job.Seq == 0 {
		q.nextSeq++
		job.Seq = q.nextSeq
	}
	e := entry{job: job, seq: job.Seq}
	idx := sort.Search(len(q.entries), func(i int) bool {
		return less(e, q.entries[i])
	})
	q.entries = append(q.entries, entry{})
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
	return nil
}

// Pop removes and returns the highest-priority job.
func (q *Queue) Pop(ctx context.Context) (jobs.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return jobs.Job{}, false, fmt.Errorf("pop canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return jobs.Job{}, false, nil
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	return head.job, true, nil
}

// RemoveMatching drops all jobs accepted by match.
func (q *Queue) RemoveMatching(_ context.Context, match func(jobs.Job) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if match(e.job) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return removed, nil
}

// List returns a copy of the pending jobs in dispatch order.
func (q *Queue) List(_ context.Context) ([]jobs.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]jobs.Job, 0, len(q.entries))
	for _, e := range q.entries {
		job := e.job
		job.Settings = job.Settings.Clone()
		out = append(out, job)
	}
	return out, nil
}

// Count returns the number of pending jobs.
func (q *Queue) Count(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// Close marks the queue closed; later pushes fail. Safe to call twice.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func less(a, b entry) bool {
	if a.job.Before(b.job) {
		return true
	}
	if b.job.Before(a.job) {
		return false
	}
	return a.seq < b.seq
}
