package events

import (
	"context"

	"github.com/JakeFAU/crawld/internal/jobs"
)

// Sink delivers one event. Sinks run in registration order for each event and
// may annotate it for the sinks after them, the way the archive sink records
// LogURI before the publisher sees the event.
type Sink interface {
	Name() string
	Consume(ctx context.Context, evt *Event) error
	Close(ctx context.Context) error
}

// Emitter accepts finished-job records; Hub satisfies it so the launcher stays
// agnostic about how events are buffered or delivered.
type Emitter interface {
	Emit(job jobs.FinishedJob)
}
