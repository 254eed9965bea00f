// Package eventlog records what downgrade-relevant things happened on each
// connection and answers per-session queries over that record.
//
// A Log is append-only. Every backend guarantees that one Append is stored
// as one record, and that Query replays matching records in append order
// from the start each time it is ranged over.
package eventlog

import (
	"context"
	"errors"
	"iter"
)

var ErrClosed = errors.New("event log closed")

// Log is an append-only event store.
type Log interface {
	Append(ctx context.Context, ev Event) error
	// Query yields the events of session, optionally restricted to
	// protocol, in append order.
	Query(ctx context.Context, session, protocol string) iter.Seq[Event]
	Close() error
}

// Collect drains a query into a slice.
func Collect(seq iter.Seq[Event]) []Event {
	var out []Event
	for ev := range seq {
		out = append(out, ev)
	}
	return out
}
