// Package launcher supervises worker processes under a global concurrency
// ceiling and keeps a bounded history of finished jobs.
package launcher

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/clock/system"
	"github.com/JakeFAU/crawld/internal/jobs"
	"github.com/JakeFAU/crawld/internal/metrics"
)

// Config controls slot and history sizing.
type Config struct {
	MaxProc        int
	FinishedToKeep int
}

// Handle is the capability token returned by TryStart. It identifies one
// process for the lifetime of the launcher and exposes no OS resources.
type Handle struct {
	token   uint64
	project string
	jobID   string
}

// Project returns the project of the started job.
func (h Handle) Project() string { return h.project }

// JobID returns the id of the started job.
func (h Handle) JobID() string { return h.jobID }

type runningEntry struct {
	token   uint64
	job     jobs.Job
	proc    Process
	started time.Time
	logFile string
}

// Launcher owns the running set and the finished history.
type Launcher struct {
	mu          sync.Mutex
	maxProc     int
	spawner     Spawner
	clock       jobs.Clock
	running     map[uint64]*runningEntry
	nextToken   uint64
	finished    *history
	onSlotFreed func()
	onFinished  func(jobs.FinishedJob)
	logger      *zap.Logger
	reapers     sync.WaitGroup
	closing     bool
}

// New creates a Launcher. MaxProc must be at least one.
func New(cfg Config, spawner Spawner, clock jobs.Clock, logger *zap.Logger) (*Launcher, error) {
	if cfg.MaxProc < 1 {
		return nil, fmt.Errorf("max_proc must be >= 1, got %d", cfg.MaxProc)
	}
	if cfg.FinishedToKeep < 0 {
		return nil, fmt.Errorf("finished_to_keep must be >= 0, got %d", cfg.FinishedToKeep)
	}
	if spawner == nil {
		return nil, fmt.Errorf("spawner is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		maxProc:  cfg.MaxProc,
		spawner:  spawner,
		clock:    clock,
		running:  make(map[uint64]*runningEntry),
		finished: newHistory(cfg.FinishedToKeep),
		logger:   logger,
	}, nil
}

// OnSlotFreed registers fn to run after every process exit, outside the lock.
func (l *Launcher) OnSlotFreed(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSlotFreed = fn
}

// OnFinished registers fn to receive every record added to the finished
// history. fn runs outside the lock and must not block.
func (l *Launcher) OnFinished(fn func(jobs.FinishedJob)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFinished = fn
}

// MaxProc returns the concurrency ceiling.
func (l *Launcher) MaxProc() int {
	return l.maxProc
}

// FreeSlots returns how many more processes may start right now.
func (l *Launcher) FreeSlots() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxProc - len(l.running)
}

// TryStart spawns cmd for job when a slot is free. At the ceiling it returns
// ErrSlotUnavailable and changes nothing. A spawn failure is recorded as a
// finished job and reported as ErrSpawnFailed; it does not occupy a slot.
func (l *Launcher) TryStart(ctx context.Context, job jobs.Job, cmd jobs.RunCommand) (Handle, error) {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: launcher is shutting down", jobs.ErrSlotUnavailable)
	}
	if len(l.running) >= l.maxProc {
		l.mu.Unlock()
		return Handle{}, jobs.ErrSlotUnavailable
	}

	proc, err := l.spawner.Spawn(ctx, cmd)
	now := l.clock.Now()
	if err != nil {
		rec := jobs.FinishedJob{
			ID:        job.ID,
			Project:   job.Project,
			Spider:    job.Spider,
			Version:   job.Version,
			StartedAt: now,
			EndedAt:   now,
			Status:    jobs.ExitStatus{Outcome: jobs.OutcomeFailure, Code: -1, Error: err.Error()},
			LogFile:   cmd.LogFile,
		}
		l.finished.add(rec)
		hook := l.onFinished
		l.mu.Unlock()

		metrics.ObserveFinished(string(jobs.OutcomeFailure), 0, false)
		l.logger.Warn("spawn failed",
			zap.String("project", job.Project),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		if hook != nil {
			hook(rec)
		}
		return Handle{}, fmt.Errorf("%w: job %s: %v", jobs.ErrSpawnFailed, job.ID, err)
	}

	l.nextToken++
	entry := &runningEntry{
		token:   l.nextToken,
		job:     job,
		proc:    proc,
		started: now,
		logFile: cmd.LogFile,
	}
	l.running[entry.token] = entry
	l.reapers.Add(1)
	l.mu.Unlock()

	metrics.ObserveStarted(job.Project)
	l.logger.Info("job started",
		zap.String("project", job.Project),
		zap.String("spider", job.Spider),
		zap.String("job_id", job.ID),
		zap.Int("pid", proc.PID()),
	)
	go l.reap(entry)
	return Handle{token: entry.token, project: job.Project, jobID: job.ID}, nil
}

// RecordFailure stores a job that never got a process, e.g. because its run
// command could not be resolved at dispatch time.
func (l *Launcher) RecordFailure(job jobs.Job, cause error) {
	now := l.clock.Now()
	rec := jobs.FinishedJob{
		ID:        job.ID,
		Project:   job.Project,
		Spider:    job.Spider,
		Version:   job.Version,
		StartedAt: now,
		EndedAt:   now,
		Status:    jobs.ExitStatus{Outcome: jobs.OutcomeFailure, Code: -1, Error: cause.Error()},
	}
	l.mu.Lock()
	l.finished.add(rec)
	hook := l.onFinished
	l.mu.Unlock()
	metrics.ObserveFinished(string(jobs.OutcomeFailure), 0, false)
	if hook != nil {
		hook(rec)
	}
}

func (l *Launcher) reap(entry *runningEntry) {
	defer l.reapers.Done()
	l.onExit(entry.token, entry.proc.Wait())
}

// onExit moves the entry for token into the finished history. Only the first
// call for a token has any effect.
func (l *Launcher) onExit(token uint64, status jobs.ExitStatus) {
	l.mu.Lock()
	entry, ok := l.running[token]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.running, token)
	ended := l.clock.Now()
	if ended.Before(entry.started) {
		ended = entry.started
	}
	rec := jobs.FinishedJob{
		ID:        entry.job.ID,
		Project:   entry.job.Project,
		Spider:    entry.job.Spider,
		Version:   entry.job.Version,
		PID:       entry.proc.PID(),
		StartedAt: entry.started,
		EndedAt:   ended,
		Status:    status,
		LogFile:   entry.logFile,
	}
	l.finished.add(rec)
	freed, finished := l.onSlotFreed, l.onFinished
	l.mu.Unlock()

	metrics.ObserveFinished(string(status.Outcome), ended.Sub(entry.started), true)
	l.logger.Info("job finished",
		zap.String("project", entry.job.Project),
		zap.String("job_id", entry.job.ID),
		zap.String("outcome", string(status.Outcome)),
		zap.Int("code", status.Code),
		zap.Duration("duration", ended.Sub(entry.started)),
	)
	if finished != nil {
		finished(rec)
	}
	if freed != nil {
		freed()
	}
}

// Signal delivers sig to every running process of project/jobID. It reports
// whether any process matched; delivery does not wait for the process to exit.
func (l *Launcher) Signal(project, jobID string, sig os.Signal) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	matched := false
	var firstErr error
	for _, entry := range l.running {
		if entry.job.Project != project || entry.job.ID != jobID {
			continue
		}
		matched = true
		if err := entry.proc.Signal(sig); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("signal job %s: %w", jobID, err)
		}
	}
	return matched, firstErr
}

// IsRunning reports whether project/jobID currently has a live process.
func (l *Launcher) IsRunning(project, jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.running {
		if entry.job.Project == project && entry.job.ID == jobID {
			return true
		}
	}
	return false
}

// Running returns a snapshot of live processes ordered by start time.
func (l *Launcher) Running() []jobs.RunningJob {
	l.mu.Lock()
	entries := make([]*runningEntry, 0, len(l.running))
	for _, entry := range l.running {
		entries = append(entries, entry)
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].token < entries[j].token })

	out := make([]jobs.RunningJob, 0, len(entries))
	for _, entry := range entries {
		job := entry.job
		job.Settings = job.Settings.Clone()
		out = append(out, jobs.RunningJob{
			Job:       job,
			PID:       entry.proc.PID(),
			StartedAt: entry.started,
			LogFile:   entry.logFile,
		})
	}
	return out
}

// Finished returns the finished history, oldest first.
func (l *Launcher) Finished() []jobs.FinishedJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished.snapshot()
}

// Shutdown signals every running process with sig and waits for them to be
// reaped or for ctx to end. TryStart refuses new work from here on.
func (l *Launcher) Shutdown(ctx context.Context, sig os.Signal) error {
	l.mu.Lock()
	l.closing = true
	for _, entry := range l.running {
		if err := entry.proc.Signal(sig); err != nil {
			l.logger.Warn("signal on shutdown failed", zap.String("job_id", entry.job.ID), zap.Error(err))
		}
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.reapers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("launcher shutdown wait: %w", ctx.Err())
	}
}
