// Package sinks implements concrete finished-job consumers: log archiving to a
// blob store, message publishing, and structured logging. Each sink satisfies
// the events.Sink interface.
package sinks
