// Package scheduler is the entry point for job submission, cancellation and
// status queries. It ties the queues, the launcher and the poller together.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/clock/system"
	"github.com/JakeFAU/crawld/internal/jobs"
	"github.com/JakeFAU/crawld/internal/launcher"
	"github.com/JakeFAU/crawld/internal/metrics"
	"github.com/JakeFAU/crawld/internal/queue"
)

// Launcher is the part of launcher.Launcher the scheduler reads and signals.
type Launcher interface {
	Signal(project, jobID string, sig os.Signal) (bool, error)
	IsRunning(project, jobID string) bool
	Running() []jobs.RunningJob
	Finished() []jobs.FinishedJob
}

// Dispatcher wakes the dispatch loop and can hold it off while a
// cancellation inspects queues and processes.
type Dispatcher interface {
	jobs.Notifier
	Hold(fn func())
}

// Request is a job submission.
type Request struct {
	Project  string
	Spider   string
	Version  string
	Priority float64
	// JobID is used verbatim when set; otherwise one is generated.
	JobID    string
	Settings jobs.Settings
}

// Status is the daemon-wide job count summary.
type Status struct {
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
}

// Listing is a snapshot of jobs in every state.
type Listing struct {
	Pending  []jobs.Job         `json:"pending"`
	Running  []jobs.RunningJob  `json:"running"`
	Finished []jobs.FinishedJob `json:"finished"`
}

// Scheduler implements the submission and cancellation flows.
type Scheduler struct {
	queues     *queue.Set
	launcher   Launcher
	registry   jobs.Registry
	dispatcher Dispatcher
	ids        jobs.IDGenerator
	clock      jobs.Clock
	logger     *zap.Logger
}

// New creates a Scheduler.
func New(
	queues *queue.Set,
	l Launcher,
	registry jobs.Registry,
	dispatcher Dispatcher,
	ids jobs.IDGenerator,
	clock jobs.Clock,
	logger *zap.Logger,
) *Scheduler {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queues:     queues,
		launcher:   l,
		registry:   registry,
		dispatcher: dispatcher,
		ids:        ids,
		clock:      clock,
		logger:     logger,
	}
}

// Schedule validates req against the registry, persists the job and wakes
// the dispatcher. It returns the job id.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (string, error) {
	req.Project = strings.TrimSpace(req.Project)
	req.Spider = strings.TrimSpace(req.Spider)
	if req.Project == "" {
		return "", fmt.Errorf("%w: project is required", jobs.ErrInvalidJob)
	}
	if req.Spider == "" {
		return "", fmt.Errorf("%w: spider is required", jobs.ErrInvalidJob)
	}

	spiders, err := s.registry.ListSpiders(ctx, req.Project, req.Version)
	if err != nil {
		return "", fmt.Errorf("resolve spider: %w", err)
	}
	if !contains(spiders, req.Spider) {
		return "", fmt.Errorf("%w: spider '%s' not found", jobs.ErrUnknownSpider, req.Spider)
	}

	id := req.JobID
	if id == "" {
		if id, err = s.ids.NewID(); err != nil {
			return "", fmt.Errorf("generate job id: %w", err)
		}
	}
	job := jobs.Job{
		ID:         id,
		Project:    req.Project,
		Spider:     req.Spider,
		Priority:   req.Priority,
		Version:    req.Version,
		Settings:   req.Settings.Clone(),
		EnqueuedAt: s.clock.Now(),
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	q, err := s.queues.Ensure(ctx, req.Project)
	if err != nil {
		return "", err
	}

	// Popped-but-not-started jobs are in neither the queue nor the running
	// set, so the checks and the push must not interleave with a dispatch pass.
	var opErr error
	s.dispatcher.Hold(func() {
		if s.launcher.IsRunning(job.Project, job.ID) {
			opErr = fmt.Errorf("%w: %s is running", jobs.ErrDuplicateJobID, job.ID)
			return
		}
		if s.hasFinished(job.Project, job.ID) {
			opErr = fmt.Errorf("%w: %s already finished", jobs.ErrDuplicateJobID, job.ID)
			return
		}
		if err := q.Push(ctx, job); err != nil {
			opErr = fmt.Errorf("enqueue %s: %w", job.ID, err)
		}
	})
	if opErr != nil {
		return "", opErr
	}

	metrics.ObserveScheduled(job.Project)
	s.logger.Info("job scheduled",
		zap.String("project", job.Project),
		zap.String("spider", job.Spider),
		zap.String("job_id", job.ID),
		zap.Float64("priority", job.Priority),
	)
	s.dispatcher.Notify()
	return id, nil
}

func (s *Scheduler) hasFinished(project, jobID string) bool {
	for _, rec := range s.launcher.Finished() {
		if rec.Project == project && rec.ID == jobID {
			return true
		}
	}
	return false
}

// Cancel removes a pending job or signals a running one and reports which
// state the job was in. Cancelling a job that is neither yields StateNone.
func (s *Scheduler) Cancel(ctx context.Context, project, jobID, signal string) (jobs.State, error) {
	if jobID == "" {
		return jobs.StateNone, fmt.Errorf("%w: job id is required", jobs.ErrInvalidJob)
	}
	sig, err := launcher.ParseSignal(signal)
	if err != nil {
		return jobs.StateNone, fmt.Errorf("%w: %v", jobs.ErrInvalidJob, err)
	}
	q, err := s.projectQueue(ctx, project)
	if err != nil {
		return jobs.StateNone, err
	}

	prev := jobs.StateNone
	var opErr error
	s.dispatcher.Hold(func() {
		removed, err := q.RemoveMatching(ctx, func(job jobs.Job) bool { return job.ID == jobID })
		if err != nil {
			opErr = fmt.Errorf("remove pending %s: %w", jobID, err)
			return
		}
		if removed > 0 {
			prev = jobs.StatePending
			return
		}
		matched, err := s.launcher.Signal(project, jobID, sig)
		if matched {
			prev = jobs.StateRunning
		}
		if err != nil {
			opErr = err
		}
	})
	if opErr != nil && prev == jobs.StateNone {
		return prev, opErr
	}
	if opErr != nil {
		s.logger.Warn("signal delivery failed", zap.String("job_id", jobID), zap.Error(opErr))
	}

	metrics.ObserveCancel(string(prev))
	s.logger.Info("job cancel",
		zap.String("project", project),
		zap.String("job_id", jobID),
		zap.String("signal", sig.String()),
		zap.String("prevstate", string(prev)),
	)
	return prev, nil
}

// projectQueue returns the queue for a project the registry knows about, or
// one that still holds work from before the project was unregistered.
func (s *Scheduler) projectQueue(ctx context.Context, project string) (jobs.Queue, error) {
	if q, ok := s.queues.Get(project); ok {
		return q, nil
	}
	if _, err := s.registry.ListVersions(ctx, project); err != nil {
		return nil, err
	}
	return s.queues.Ensure(ctx, project)
}

// ListProjects returns the projects known to the registry.
func (s *Scheduler) ListProjects(ctx context.Context) ([]string, error) {
	projects, err := s.registry.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// ListVersions returns the deployed versions of project, oldest first.
func (s *Scheduler) ListVersions(ctx context.Context, project string) ([]string, error) {
	return s.registry.ListVersions(ctx, project)
}

// ListSpiders returns the spiders of a project version; "" is the latest.
func (s *Scheduler) ListSpiders(ctx context.Context, project, version string) ([]string, error) {
	return s.registry.ListSpiders(ctx, project, version)
}

// Status counts pending, running and finished jobs.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	pending, err := s.queues.Pending(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Pending:  pending,
		Running:  len(s.launcher.Running()),
		Finished: len(s.launcher.Finished()),
	}, nil
}

// ListJobs snapshots every job, restricted to project when it is not empty.
func (s *Scheduler) ListJobs(ctx context.Context, project string) (Listing, error) {
	projects := s.queues.Projects()
	if project != "" {
		projects = []string{project}
	}
	out := Listing{
		Pending:  []jobs.Job{},
		Running:  []jobs.RunningJob{},
		Finished: []jobs.FinishedJob{},
	}
	for _, name := range projects {
		q, ok := s.queues.Get(name)
		if !ok {
			continue
		}
		pending, err := q.List(ctx)
		if err != nil {
			return Listing{}, fmt.Errorf("list pending %s: %w", name, err)
		}
		out.Pending = append(out.Pending, pending...)
	}
	for _, r := range s.launcher.Running() {
		if project == "" || r.Project == project {
			out.Running = append(out.Running, r)
		}
	}
	for _, f := range s.launcher.Finished() {
		if project == "" || f.Project == project {
			out.Finished = append(out.Finished, f)
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
