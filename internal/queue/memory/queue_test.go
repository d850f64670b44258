package memory

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawld/internal/jobs"
)

func newJob(id string, priority float64, at time.Time) jobs.Job {
	return jobs.Job{ID: id, Project: "p", Spider: "s", Priority: priority, EnqueuedAt: at}
}

func TestQueuePopsByPriorityThenEnqueueOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue()
	t0 := time.Unix(1000, 0).UTC()
	pushes := []jobs.Job{
		newJob("a", 1, t0),
		newJob("b", 5, t0.Add(time.Second)),
		newJob("c", 1, t0.Add(2*time.Second)),
		newJob("d", -2, t0.Add(3*time.Second)),
		newJob("e", 5, t0.Add(4*time.Second)),
		// Same timestamp as "a": falls back to insertion order.
		newJob("f", 1, t0),
	}
	for _, job := range pushes {
		require.NoError(t, q.Push(ctx, job))
	}

	var got []string
	for {
		job, ok, err := q.Pop(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, job.ID)
	}
	require.Equal(t, []string{"b", "e", "a", "f", "c", "d"}, got)
}

func TestQueuePushBackKeepsPlace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue()
	t0 := time.Unix(1000, 0).UTC()
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, q.Push(ctx, newJob(id, 1, t0)))
	}

	head, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", head.ID)
	require.NotZero(t, head.Seq)
	require.NoError(t, q.Push(ctx, head))

	list, err := q.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, job := range list {
		ids = append(ids, job.ID)
	}
	require.Equal(t, []string{"first", "second", "third"}, ids)
}

func TestQueueRejectsNaNPriority(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	err := q.Push(context.Background(), newJob("nan", math.NaN(), time.Now()))
	require.ErrorIs(t, err, jobs.ErrInvalidJob)
	count, err := q.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestQueueRejectsDuplicatePendingID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue()
	require.NoError(t, q.Push(ctx, newJob("dup", 0, time.Now())))
	err := q.Push(ctx, newJob("dup", 3, time.Now()))
	require.True(t, errors.Is(err, jobs.ErrDuplicateJobID), "got %v", err)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Once popped the id may be queued again.
	_, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Push(ctx, newJob("dup", 0, time.Now())))
}

func TestQueueRemoveMatchingAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue()
	t0 := time.Unix(0, 0).UTC()
	require.NoError(t, q.Push(ctx, newJob("x", 1, t0)))
	require.NoError(t, q.Push(ctx, newJob("y", 2, t0)))
	require.NoError(t, q.Push(ctx, newJob("z", 3, t0)))

	removed, err := q.RemoveMatching(ctx, func(j jobs.Job) bool { return j.ID == "y" })
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	removed, err = q.RemoveMatching(ctx, func(j jobs.Job) bool { return j.ID == "y" })
	require.NoError(t, err)
	require.Zero(t, removed)

	list, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "z", list[0].ID)
	require.Equal(t, "x", list[1].ID)
}

func TestQueuePopEmpty(t *testing.T) {
	t.Parallel()

	_, ok, err := NewQueue().Pop(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueueCanceledContext(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Push(ctx, newJob("a", 0, time.Now()))
	require.EqualError(t, err, "push canceled: context canceled")
	_, _, err = q.Pop(ctx)
	require.EqualError(t, err, "pop canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	require.NoError(t, q.Close())
	require.Error(t, q.Push(context.Background(), newJob("a", 0, time.Now())))
	// Closing twice should be safe.
	require.NoError(t, q.Close())
}
