package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/JakeFAU/crawld/internal/jobs"
)

// Process is a live worker process owned by the launcher.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	// Wait blocks until the process exits and reports how it ended.
	Wait() jobs.ExitStatus
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, cmd jobs.RunCommand) (Process, error)
}

// ExecSpawner starts processes with os/exec. The process outlives ctx; only
// explicit signals stop it.
type ExecSpawner struct {
	// Dir is the working directory for workers; empty means the daemon's.
	Dir string
}

// NewExecSpawner creates an ExecSpawner running workers in dir.
func NewExecSpawner(dir string) *ExecSpawner {
	return &ExecSpawner{Dir: dir}
}

// Spawn starts cmd. Stdout and stderr are appended to cmd.LogFile when set.
func (s *ExecSpawner) Spawn(ctx context.Context, cmd jobs.RunCommand) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("spawn canceled: %w", err)
	}
	if len(cmd.Args) == 0 {
		return nil, errors.New("command is required")
	}
	c := exec.Command(cmd.Args[0], cmd.Args[1:]...) //nolint:gosec // argv comes from the project registry
	c.Dir = s.Dir
	c.Env = append(os.Environ(), envList(cmd.Env)...)

	var logFile *os.File
	if cmd.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cmd.LogFile), 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cmd.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		c.Stdout = f
		c.Stderr = f
	}

	if err := c.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("start %s: %w", cmd.Args[0], err)
	}
	return &execProcess{cmd: c, logFile: logFile}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	logFile *os.File
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	if err := p.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("deliver %v to pid %d: %w", sig, p.cmd.Process.Pid, err)
	}
	return nil
}

func (p *execProcess) Wait() jobs.ExitStatus {
	err := p.cmd.Wait()
	if p.logFile != nil {
		_ = p.logFile.Close()
	}
	return exitStatus(err)
}

func exitStatus(err error) jobs.ExitStatus {
	if err == nil {
		return jobs.ExitStatus{Outcome: jobs.OutcomeSuccess}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return jobs.ExitStatus{
				Outcome: jobs.OutcomeTerminated,
				Code:    int(ws.Signal()),
				Signal:  ws.Signal().String(),
			}
		}
		return jobs.ExitStatus{Outcome: jobs.OutcomeFailure, Code: exitErr.ExitCode()}
	}
	return jobs.ExitStatus{Outcome: jobs.OutcomeFailure, Code: -1, Error: err.Error()}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
