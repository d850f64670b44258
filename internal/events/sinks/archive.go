package sinks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/JakeFAU/crawld/internal/events"
)

// BlobStore persists archived objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// ArchiveSink copies a finished job's log file into a BlobStore and records
// the resulting URI on the event.
type ArchiveSink struct {
	store BlobStore
}

// NewArchiveSink wraps store.
func NewArchiveSink(store BlobStore) *ArchiveSink {
	return &ArchiveSink{store: store}
}

// Name implements events.Sink.
func (s *ArchiveSink) Name() string { return "archive" }

// ObjectPath is where a job's log is archived: project/spider/id.log.
func ObjectPath(evt *events.Event) string {
	return path.Join(evt.Job.Project, evt.Job.Spider, evt.Job.ID+".log")
}

// Consume uploads the job's log. Jobs without a log file, or whose log was
// never created because the spawn failed, are skipped.
func (s *ArchiveSink) Consume(ctx context.Context, evt *events.Event) error {
	if evt.Job.LogFile == "" {
		return nil
	}
	f, err := os.Open(evt.Job.LogFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	uri, err := s.store.PutObject(ctx, ObjectPath(evt), "text/plain; charset=utf-8", f)
	if err != nil {
		return fmt.Errorf("archive log: %w", err)
	}
	evt.LogURI = uri
	return nil
}

// Close implements events.Sink; it performs no action.
func (s *ArchiveSink) Close(context.Context) error { return nil }
