package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawld/internal/jobs"
)

func openTestQueue(t *testing.T, path string) *Queue {
	t.Helper()
	q, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueueOrderingAndPop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "p.db"))
	t0 := time.Unix(1700000000, 0).UTC()
	for i, tc := range []struct {
		id       string
		priority float64
	}{
		{"low", 1}, {"high", 5}, {"mid", 2.5}, {"high-later", 5}, {"neg", -1},
	} {
		require.NoError(t, q.Push(ctx, jobs.Job{
			ID:         tc.id,
			Project:    "p",
			Spider:     "s",
			Priority:   tc.priority,
			EnqueuedAt: t0.Add(time.Duration(i) * time.Second),
		}))
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
	require.Equal(t, []string{"high", "high-later", "mid", "low", "neg"}, got)
}

func TestQueuePushBackKeepsPlace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "p.db"))
	t0 := time.Unix(1700000000, 0).UTC()
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, q.Push(ctx, jobs.Job{ID: id, Project: "p", Spider: "s", EnqueuedAt: t0}))
	}

	head, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", head.ID)
	require.NoError(t, q.Push(ctx, head))

	next, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", next.ID)
	require.Equal(t, head.Seq, next.Seq)
}

func TestQueueSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "books.db")
	enqueued := time.Date(2024, 3, 1, 12, 30, 15, 123456789, time.UTC)
	want := []jobs.Job{
		{
			ID:         "2024-03-01_aa",
			Project:    "books",
			Spider:     "catalog",
			Priority:   3.25,
			Version:    "r7",
			Settings:   jobs.Settings{"DOWNLOAD_DELAY": "2", "LOG_LEVEL": "INFO"},
			EnqueuedAt: enqueued,
		},
		{
			ID:         "2024-03-01_bb",
			Project:    "books",
			Spider:     "reviews",
			Priority:   0,
			Settings:   jobs.Settings{},
			EnqueuedAt: enqueued.Add(time.Nanosecond),
		},
	}

	first, err := Open(ctx, path)
	require.NoError(t, err)
	for _, job := range want {
		require.NoError(t, first.Push(ctx, job))
	}
	require.NoError(t, first.Close())

	second := openTestQueue(t, path)
	got, err := second.List(ctx)
	require.NoError(t, err)
	for i := range want {
		want[i].Seq = int64(i + 1)
	}
	require.Equal(t, want, got)

	count, err := second.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestQueueDuplicateAndRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := openTestQueue(t, filepath.Join(t.TempDir(), "p.db"))
	job := jobs.Job{ID: "j1", Project: "p", Spider: "s", EnqueuedAt: time.Now().UTC()}
	require.NoError(t, q.Push(ctx, job))

	err := q.Push(ctx, job)
	require.True(t, errors.Is(err, jobs.ErrDuplicateJobID), "got %v", err)

	removed, err := q.RemoveMatching(ctx, func(j jobs.Job) bool { return j.ID == "j1" })
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	removed, err = q.RemoveMatching(ctx, func(j jobs.Job) bool { return j.ID == "j1" })
	require.NoError(t, err)
	require.Zero(t, removed)

	_, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueuePushPersistenceFailure(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue").
		WillReturnResult(sqlmock.NewResult(0, 0))
	q, err := NewWithDB(context.Background(), db)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO queue").
		WillReturnError(errors.New("disk I/O error"))

	err = q.Push(context.Background(), jobs.Job{ID: "j", Project: "p", Spider: "s"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "insert job j")
	require.False(t, errors.Is(err, jobs.ErrDuplicateJobID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithDBSchemaFailure(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue").
		WillReturnError(errors.New("readonly database"))

	_, err = NewWithDB(context.Background(), db)
	require.ErrorContains(t, err, "create queue schema")
	require.NoError(t, mock.ExpectationsWereMet())
}
