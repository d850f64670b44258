// Package events fans finished-job records out to delivery sinks such as log
// archiving and message publishing. Emitting never blocks the launcher: records
// are buffered and delivered on a background goroutine, and dropped with a
// warning when the buffer is full.
package events
