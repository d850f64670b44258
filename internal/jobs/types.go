// Package jobs defines the core types shared by the queue, launcher, poller and
// scheduler subsystems.
package jobs

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// State is the lifecycle position of a job as reported to callers.
type State string

// Lifecycle states. StateNone is reported when a cancel matched nothing.
const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateNone     State = "none"
)

// Outcome classifies how a worker process ended.
type Outcome string

// Outcome values recorded in the finished history.
const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeTerminated Outcome = "terminated"
)

// Settings is the opaque key/value mapping handed to the worker process.
type Settings map[string]string

// Clone returns an independent copy so callers cannot mutate a queued job.
func (s Settings) Clone() Settings {
	if s == nil {
		return Settings{}
	}
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Job is the descriptor created at submission time.
type Job struct {
	ID         string    `json:"id"`
	Project    string    `json:"project"`
	Spider     string    `json:"spider"`
	Priority   float64   `json:"priority"`
	Version    string    `json:"version,omitempty"`
	Settings   Settings  `json:"settings"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Seq is the admission order a queue assigned to the job; zero until the
	// job is first queued. Pushing a job back with its Seq restores its place
	// among jobs of equal priority and enqueue time.
	Seq int64 `json:"-"`
}

// Validate enforces the identifiers every job must carry.
func (j Job) Validate() error {
	switch {
	case j.Project == "":
		return fmt.Errorf("%w: project is required", ErrInvalidJob)
	case j.Spider == "":
		return fmt.Errorf("%w: spider is required", ErrInvalidJob)
	case math.IsNaN(j.Priority):
		return fmt.Errorf("%w: priority must be a number", ErrInvalidJob)
	}
	return ValidateID(j.ID)
}

// ValidateID rejects ids that are empty or could not be used as a single
// file name component, since the id names the job's log file.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: job id is required", ErrInvalidJob)
	case id == "." || id == ".." || strings.Contains(id, ".."):
		return fmt.Errorf("%w: job id %q must not contain '..'", ErrInvalidJob, id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: job id %q must not contain path separators", ErrInvalidJob, id)
	case strings.IndexFunc(id, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: job id must not contain control characters", ErrInvalidJob)
	}
	return nil
}

// Before reports whether j should be dispatched ahead of other: higher
// priority first, then earlier enqueue time.
func (j Job) Before(other Job) bool {
	if j.Priority != other.Priority {
		return j.Priority > other.Priority
	}
	return j.EnqueuedAt.Before(other.EnqueuedAt)
}

// RunCommand is the executable invocation resolved for a job.
type RunCommand struct {
	Args    []string
	Env     map[string]string
	LogFile string
}

// RunningJob is a snapshot of a job whose process is alive.
type RunningJob struct {
	Job
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"start_time"`
	LogFile   string    `json:"log_file,omitempty"`
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Outcome Outcome `json:"outcome"`
	Code    int     `json:"code"`
	Signal  string  `json:"signal,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// FinishedJob is kept in the bounded finished history.
type FinishedJob struct {
	ID        string     `json:"id"`
	Project   string     `json:"project"`
	Spider    string     `json:"spider"`
	Version   string     `json:"version,omitempty"`
	PID       int        `json:"pid,omitempty"`
	StartedAt time.Time  `json:"start_time"`
	EndedAt   time.Time  `json:"end_time"`
	Status    ExitStatus `json:"exit_status"`
	LogFile   string     `json:"log_file,omitempty"`
}
