package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/jobs"
)

func TestSetEnsureOpensOnce(t *testing.T) {
	t.Parallel()

	opened := 0
	base := MemoryOpener()
	set := NewSet(func(ctx context.Context, project string) (jobs.Queue, error) {
		opened++
		return base(ctx, project)
	}, zap.NewNop())

	q1, err := set.Ensure(context.Background(), "p")
	require.NoError(t, err)
	q2, err := set.Ensure(context.Background(), "p")
	require.NoError(t, err)
	require.Same(t, q1, q2)
	require.Equal(t, 1, opened)
}

func TestSetSyncAndPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	set := NewSet(MemoryOpener(), nil)
	require.NoError(t, set.Sync(ctx, []string{"b", "a"}))
	require.Equal(t, []string{"a", "b"}, set.Projects())

	q, ok := set.Get("a")
	require.True(t, ok)
	require.NoError(t, q.Push(ctx, jobs.Job{ID: "1", Project: "a", Spider: "s", EnqueuedAt: time.Now()}))

	// "a" keeps its queue while it still has pending work; "b" is dropped.
	require.NoError(t, set.Sync(ctx, []string{"c"}))
	require.Equal(t, []string{"a", "c"}, set.Projects())

	pending, err := set.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
	require.NoError(t, set.Close())
	require.Empty(t, set.Projects())
}

func TestSetSyncReportsOpenErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	set := NewSet(func(context.Context, string) (jobs.Queue, error) { return nil, boom }, nil)
	err := set.Sync(context.Background(), []string{"p"})
	require.ErrorIs(t, err, boom)
	require.Empty(t, set.Projects())
}

func TestSQLiteOpenerPersistsAcrossSets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "dbs")
	first := NewSet(SQLiteOpener(dir), nil)
	q, err := first.Ensure(ctx, "books")
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, jobs.Job{ID: "j", Project: "books", Spider: "s", EnqueuedAt: time.Now()}))
	require.NoError(t, first.Close())

	second := NewSet(SQLiteOpener(dir), nil)
	defer second.Close()
	require.NoError(t, second.Sync(ctx, []string{"books"}))
	pending, err := second.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestSQLiteOpenerRejectsPathProjects(t *testing.T) {
	t.Parallel()

	_, err := SQLiteOpener(t.TempDir())(context.Background(), "../escape")
	require.True(t, errors.Is(err, jobs.ErrInvalidJob))
}
