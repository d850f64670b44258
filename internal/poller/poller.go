// Package poller decides which pending job runs next and hands it to the
// launcher, rotating across projects so none of them starves.
package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/jobs"
	"github.com/JakeFAU/crawld/internal/launcher"
	"github.com/JakeFAU/crawld/internal/metrics"
	"github.com/JakeFAU/crawld/internal/queue"
)

// DefaultInterval is used when New receives a non-positive interval.
const DefaultInterval = 5 * time.Second

// Launcher is the subset of launcher.Launcher the poller drives.
type Launcher interface {
	FreeSlots() int
	TryStart(ctx context.Context, job jobs.Job, cmd jobs.RunCommand) (launcher.Handle, error)
	RecordFailure(job jobs.Job, cause error)
}

// Poller dispatches pending jobs into free launcher slots.
type Poller struct {
	queues   *queue.Set
	launcher Launcher
	registry jobs.Registry
	logger   *zap.Logger
	interval time.Duration

	wake chan struct{}

	mu   sync.Mutex
	last string
}

// New creates a Poller.
func New(queues *queue.Set, l Launcher, registry jobs.Registry, logger *zap.Logger, interval time.Duration) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		queues:   queues,
		launcher: l,
		registry: registry,
		logger:   logger,
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

// Notify asks the poller to run a dispatch pass soon. It never blocks and
// repeated calls before the pass runs collapse into one.
func (p *Poller) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Hold runs fn while no dispatch pass is in progress, so fn sees no job that
// has been popped but not yet started.
func (p *Poller) Hold(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

// Run polls on every notification and on every interval tick until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-ticker.C:
		}
		p.Poll(ctx)
	}
}

// Poll starts as many pending jobs as there are free slots and returns how
// many were started. Each iteration either consumes one pending job or stops,
// so a pass always terminates.
func (p *Poller) Poll(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	started := 0
	for p.launcher.FreeSlots() > 0 && ctx.Err() == nil {
		job, ok := p.next(ctx)
		if !ok {
			break
		}
		// A popped job must reach the launcher or go back to its queue.
		dctx := context.WithoutCancel(ctx)

		cmd, err := p.registry.ResolveRunCommand(dctx, job)
		if err != nil {
			p.logger.Warn("resolve run command failed",
				zap.String("project", job.Project),
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			p.launcher.RecordFailure(job, err)
			continue
		}

		_, err = p.launcher.TryStart(dctx, job, cmd)
		switch {
		case err == nil:
			started++
		case errors.Is(err, jobs.ErrSlotUnavailable):
			p.pushBack(dctx, job)
			return started
		case errors.Is(err, jobs.ErrSpawnFailed):
			// Already recorded as finished by the launcher.
		default:
			p.logger.Error("start job failed", zap.String("job_id", job.ID), zap.Error(err))
			p.launcher.RecordFailure(job, err)
		}
	}
	return started
}

// next pops from the first non-empty queue after the project served last.
func (p *Poller) next(ctx context.Context) (jobs.Job, bool) {
	projects := p.queues.Projects()
	if len(projects) == 0 {
		return jobs.Job{}, false
	}
	start := sort.SearchStrings(projects, p.last)
	if start < len(projects) && projects[start] == p.last {
		start++
	}
	for i := 0; i < len(projects); i++ {
		project := projects[(start+i)%len(projects)]
		q, ok := p.queues.Get(project)
		if !ok {
			continue
		}
		job, ok, err := q.Pop(ctx)
		if err != nil {
			p.logger.Error("pop failed", zap.String("project", project), zap.Error(err))
			continue
		}
		if ok {
			p.last = project
			return job, true
		}
	}
	return jobs.Job{}, false
}

func (p *Poller) pushBack(ctx context.Context, job jobs.Job) {
	metrics.ObservePushback()
	q, err := p.queues.Ensure(ctx, job.Project)
	if err == nil {
		err = q.Push(ctx, job)
	}
	if err != nil {
		p.logger.Error("push back failed",
			zap.String("project", job.Project),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		p.launcher.RecordFailure(job, err)
		return
	}
	p.logger.Debug("slot taken, job pushed back",
		zap.String("project", job.Project),
		zap.String("job_id", job.ID),
	)
}
