package jobs

import "errors"

// Sentinel errors surfaced by the core. Callers match them with errors.Is.
var (
	ErrInvalidJob      = errors.New("invalid job")
	ErrDuplicateJobID  = errors.New("duplicate job id")
	ErrUnknownProject  = errors.New("unknown project")
	ErrUnknownSpider   = errors.New("unknown spider")
	ErrUnknownVersion  = errors.New("unknown version")
	ErrSlotUnavailable = errors.New("no process slot available")
	ErrSpawnFailed     = errors.New("process spawn failed")
)
