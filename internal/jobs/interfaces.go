package jobs

import (
	"context"
	"time"
)

// Queue is the durable, priority-ordered store of pending jobs for one project.
// Implementations serialize their own operations.
type Queue interface {
	// Push persists job before returning. A pending job with the same ID
	// yields ErrDuplicateJobID.
	Push(ctx context.Context, job Job) error
	// Pop removes the next job. ok is false when the queue is empty.
	Pop(ctx context.Context) (job Job, ok bool, err error)
	// RemoveMatching deletes every pending job accepted by match.
	RemoveMatching(ctx context.Context, match func(Job) bool) (int, error)
	// List returns a snapshot in dispatch order.
	List(ctx context.Context) ([]Job, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Registry resolves projects and spiders to runnable commands.
type Registry interface {
	ListProjects(ctx context.Context) ([]string, error)
	ListVersions(ctx context.Context, project string) ([]string, error)
	ListSpiders(ctx context.Context, project, version string) ([]string, error)
	ResolveRunCommand(ctx context.Context, job Job) (RunCommand, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Notifier is poked whenever dispatch might make progress.
type Notifier interface {
	Notify()
}
