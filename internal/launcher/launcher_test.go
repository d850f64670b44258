package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/jobs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeProcess struct {
	pid     int
	exit    chan jobs.ExitStatus
	mu      sync.Mutex
	signals []os.Signal
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Wait() jobs.ExitStatus { return <-p.exit }

func (p *fakeProcess) finish(status jobs.ExitStatus) { p.exit <- status }

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error
}

func (s *fakeSpawner) Spawn(_ context.Context, _ jobs.RunCommand) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProcess{pid: 1000 + len(s.procs), exit: make(chan jobs.ExitStatus, 1)}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

func newTestLauncher(t *testing.T, maxProc, keep int) (*Launcher, *fakeSpawner, chan struct{}) {
	t.Helper()
	spawner := &fakeSpawner{}
	l, err := New(Config{MaxProc: maxProc, FinishedToKeep: keep}, spawner,
		&fakeClock{now: time.Unix(0, 0).UTC()}, zap.NewNop())
	require.NoError(t, err)
	freed := make(chan struct{}, 64)
	l.OnSlotFreed(func() { freed <- struct{}{} })
	return l, spawner, freed
}

func job(id string) jobs.Job {
	return jobs.Job{ID: id, Project: "p", Spider: "s"}
}

func waitFreed(t *testing.T, freed <-chan struct{}) {
	t.Helper()
	select {
	case <-freed:
	case <-time.After(2 * time.Second):
		t.Fatal("slot was not freed")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxProc: 0}, &fakeSpawner{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{MaxProc: 1, FinishedToKeep: -1}, &fakeSpawner{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{MaxProc: 1}, nil, nil, nil)
	require.Error(t, err)
}

func TestTryStartEnforcesCeiling(t *testing.T) {
	t.Parallel()

	l, spawner, freed := newTestLauncher(t, 2, 10)
	ctx := context.Background()

	h1, err := l.TryStart(ctx, job("a"), jobs.RunCommand{Args: []string{"x"}})
	require.NoError(t, err)
	require.Equal(t, "a", h1.JobID())
	require.Equal(t, "p", h1.Project())
	_, err = l.TryStart(ctx, job("b"), jobs.RunCommand{Args: []string{"x"}})
	require.NoError(t, err)
	require.Zero(t, l.FreeSlots())

	_, err = l.TryStart(ctx, job("c"), jobs.RunCommand{Args: []string{"x"}})
	require.ErrorIs(t, err, jobs.ErrSlotUnavailable)
	require.Len(t, l.Running(), 2)
	require.Empty(t, l.Finished())

	spawner.proc(0).finish(jobs.ExitStatus{Outcome: jobs.OutcomeSuccess})
	waitFreed(t, freed)
	require.Equal(t, 1, l.FreeSlots())

	running := l.Running()
	require.Len(t, running, 1)
	require.Equal(t, "b", running[0].ID)

	finished := l.Finished()
	require.Len(t, finished, 1)
	require.Equal(t, "a", finished[0].ID)
	require.Equal(t, jobs.OutcomeSuccess, finished[0].Status.Outcome)
	require.False(t, finished[0].EndedAt.Before(finished[0].StartedAt))
	require.Equal(t, 1000, finished[0].PID)
}

func TestTryStartSpawnFailureIsRecorded(t *testing.T) {
	t.Parallel()

	l, spawner, _ := newTestLauncher(t, 1, 10)
	spawner.err = errors.New("exec: \"scrapy\": executable file not found in $PATH")

	_, err := l.TryStart(context.Background(), job("broken"), jobs.RunCommand{Args: []string{"scrapy"}})
	require.ErrorIs(t, err, jobs.ErrSpawnFailed)
	require.Equal(t, 1, l.FreeSlots())
	require.Empty(t, l.Running())

	finished := l.Finished()
	require.Len(t, finished, 1)
	require.Equal(t, jobs.OutcomeFailure, finished[0].Status.Outcome)
	require.Equal(t, -1, finished[0].Status.Code)
	require.Contains(t, finished[0].Status.Error, "executable file not found")
}

func TestSignalMatchesRunningJob(t *testing.T) {
	t.Parallel()

	l, spawner, freed := newTestLauncher(t, 2, 10)
	_, err := l.TryStart(context.Background(), job("a"), jobs.RunCommand{Args: []string{"x"}})
	require.NoError(t, err)

	matched, err := l.Signal("p", "a", syscall.SIGTERM)
	require.NoError(t, err)
	require.True(t, matched)
	require.True(t, l.IsRunning("p", "a"))

	matched, err = l.Signal("other", "a", syscall.SIGTERM)
	require.NoError(t, err)
	require.False(t, matched)
	matched, err = l.Signal("p", "missing", syscall.SIGTERM)
	require.NoError(t, err)
	require.False(t, matched)

	proc := spawner.proc(0)
	proc.mu.Lock()
	require.Equal(t, []os.Signal{syscall.SIGTERM}, proc.signals)
	proc.mu.Unlock()

	proc.finish(jobs.ExitStatus{Outcome: jobs.OutcomeTerminated, Code: 15, Signal: "terminated"})
	waitFreed(t, freed)
	require.False(t, l.IsRunning("p", "a"))
	require.Equal(t, jobs.OutcomeTerminated, l.Finished()[0].Status.Outcome)
}

func TestOnExitRecordsOnce(t *testing.T) {
	t.Parallel()

	l, spawner, freed := newTestLauncher(t, 1, 10)
	_, err := l.TryStart(context.Background(), job("a"), jobs.RunCommand{Args: []string{"x"}})
	require.NoError(t, err)

	spawner.proc(0).finish(jobs.ExitStatus{Outcome: jobs.OutcomeFailure, Code: 1})
	waitFreed(t, freed)
	l.onExit(1, jobs.ExitStatus{Outcome: jobs.OutcomeSuccess})

	require.Len(t, l.Finished(), 1)
	require.Equal(t, 1, l.FreeSlots())
	select {
	case <-freed:
		t.Fatal("duplicate exit must not free a second slot")
	default:
	}
}

func TestFinishedHistoryEvictsOldest(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestLauncher(t, 1, 2)
	for _, id := range []string{"a", "b", "c"} {
		l.RecordFailure(job(id), errors.New("no such spider"))
	}
	finished := l.Finished()
	require.Len(t, finished, 2)
	require.Equal(t, "b", finished[0].ID)
	require.Equal(t, "c", finished[1].ID)
}

func TestConcurrentTryStartNeverExceedsCeiling(t *testing.T) {
	t.Parallel()

	const ceiling = 3
	l, _, _ := newTestLauncher(t, ceiling, 100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.TryStart(context.Background(), job(fmt.Sprintf("job-%d", i)), jobs.RunCommand{Args: []string{"x"}})
			if err == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, ceiling, started)
	require.Len(t, l.Running(), ceiling)
}

func TestShutdownSignalsAndWaits(t *testing.T) {
	t.Parallel()

	l, spawner, _ := newTestLauncher(t, 1, 10)
	_, err := l.TryStart(context.Background(), job("a"), jobs.RunCommand{Args: []string{"x"}})
	require.NoError(t, err)

	proc := spawner.proc(0)
	go func() {
		for {
			proc.mu.Lock()
			n := len(proc.signals)
			proc.mu.Unlock()
			if n > 0 {
				proc.finish(jobs.ExitStatus{Outcome: jobs.OutcomeTerminated, Code: 15})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Shutdown(ctx, syscall.SIGTERM))
	require.Empty(t, l.Running())
}

func TestTryStartRefusedAfterShutdown(t *testing.T) {
	t.Parallel()

	l, spawner, _ := newTestLauncher(t, 2, 10)
	require.NoError(t, l.Shutdown(context.Background(), syscall.SIGTERM))

	_, err := l.TryStart(context.Background(), job("late"), jobs.RunCommand{Args: []string{"x"}})
	require.ErrorIs(t, err, jobs.ErrSlotUnavailable)
	require.Empty(t, l.Running())
	require.Empty(t, l.Finished())
	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	require.Empty(t, spawner.procs)
}

func TestParseSignal(t *testing.T) {
	t.Parallel()

	cases := map[string]os.Signal{
		"":        syscall.SIGTERM,
		"TERM":    syscall.SIGTERM,
		"sigint":  syscall.SIGINT,
		"KILL":    syscall.SIGKILL,
		"SIGHUP":  syscall.SIGHUP,
		"9":       syscall.Signal(9),
		" quit ":  syscall.SIGQUIT,
		"SIGUSR1": syscall.SIGUSR1,
	}
	for name, want := range cases {
		got, err := ParseSignal(name)
		require.NoError(t, err, name)
		require.Equal(t, want, got, name)
	}
	_, err := ParseSignal("BOGUS")
	require.Error(t, err)
	_, err = ParseSignal("-1")
	require.Error(t, err)
}

func TestOnFinishedSeesEveryRecord(t *testing.T) {
	t.Parallel()

	l, spawner, freed := newTestLauncher(t, 1, 10)
	var (
		mu  sync.Mutex
		ids []string
	)
	l.OnFinished(func(rec jobs.FinishedJob) {
		mu.Lock()
		ids = append(ids, rec.ID)
		mu.Unlock()
	})

	l.RecordFailure(job("unresolved"), errors.New("unknown spider"))
	_, err := l.TryStart(context.Background(), job("ran"), jobs.RunCommand{Args: []string{"x"}})
	require.NoError(t, err)
	spawner.proc(0).finish(jobs.ExitStatus{Outcome: jobs.OutcomeSuccess})
	waitFreed(t, freed)

	spawner.mu.Lock()
	spawner.err = errors.New("fork: resource temporarily unavailable")
	spawner.mu.Unlock()
	_, err = l.TryStart(context.Background(), job("nofork"), jobs.RunCommand{Args: []string{"x"}})
	require.ErrorIs(t, err, jobs.ErrSpawnFailed)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"unresolved", "ran", "nofork"}, ids)
}
