package events

import (
	"errors"
	"time"

	"github.com/JakeFAU/crawld/internal/jobs"
)

// TypeJobFinished is the event type carried by every finished-job event.
const TypeJobFinished = "job.finished"

// Event is the payload delivered to sinks for one finished job.
type Event struct {
	Type      string           `json:"type"`
	Node      string           `json:"node,omitempty"`
	Job       jobs.FinishedJob `json:"job"`
	LogURI    string           `json:"log_uri,omitempty"`
	EmittedAt time.Time        `json:"emitted_at"`
}

// Validate performs coarse validation on the event.
func (e Event) Validate() error {
	if e.Job.ID == "" {
		return errors.New("job id is required")
	}
	if e.Job.Project == "" {
		return errors.New("project is required")
	}
	if e.EmittedAt.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// Attributes are attached to published messages so subscribers can filter
// without decoding the body.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"type":    e.Type,
		"project": e.Job.Project,
		"spider":  e.Job.Spider,
		"job":     e.Job.ID,
		"outcome": string(e.Job.Status.Outcome),
	}
	if e.Node != "" {
		attrs["node"] = e.Node
	}
	return attrs
}
