package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/events"
)

// LogSink writes one structured line per finished job.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name implements events.Sink.
func (s *LogSink) Name() string { return "log" }

// Consume logs the event.
func (s *LogSink) Consume(_ context.Context, evt *events.Event) error {
	s.logger.Info("job event",
		zap.String("type", evt.Type),
		zap.String("project", evt.Job.Project),
		zap.String("spider", evt.Job.Spider),
		zap.String("job_id", evt.Job.ID),
		zap.String("outcome", string(evt.Job.Status.Outcome)),
		zap.Int("exit_code", evt.Job.Status.Code),
		zap.Duration("duration", evt.Job.EndedAt.Sub(evt.Job.StartedAt)),
		zap.String("log_uri", evt.LogURI),
	)
	return nil
}

// Close implements events.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error { return nil }
