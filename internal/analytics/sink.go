// Package analytics records per-command execution outcomes.
//
// The dispatch runner registers a deferred function for every command it
// executes. That function runs after the environment is marked ended and
// hands one Event to the configured Sink.
package analytics

import (
	"context"
	"errors"
	"time"
)

// EventCommand is the name used for command execution records.
const EventCommand = "command"

// Event is one analytics record.
type Event struct {
	// Name is the record kind, EventCommand for command executions.
	Name string `json:"name"`

	// ID is the command's stable registry id.
	ID string `json:"id"`

	Data Data `json:"data"`
}

// Data carries the outcome of one command execution.
type Data struct {
	// Error is true when the dispatch recorded an execution error.
	Error bool `json:"error"`

	ExecutionTime time.Duration `json:"execution_time"`

	// Type is the execution mode ("chat_input", "message", ...).
	Type string `json:"type"`

	Command string `json:"command"`
}

// Sink receives analytics events. Implementations must be safe for concurrent
// use; dispatches finalize in parallel.
type Sink interface {
	Track(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

// Track calls f.
func (f SinkFunc) Track(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Nop discards every event.
type Nop struct{}

// Track implements Sink.
func (Nop) Track(context.Context, Event) error { return nil }

type multi []Sink

// Multi fans an event out to every sink. All sinks see the event even when an
// earlier one fails; the joined error is returned.
func Multi(sinks ...Sink) Sink {
	flat := make(multi, 0, len(sinks))
	for _, s := range sinks {
		switch v := s.(type) {
		case nil:
		case multi:
			flat = append(flat, v...)
		default:
			flat = append(flat, s)
		}
	}
	if len(flat) == 0 {
		return Nop{}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return flat
}

func (m multi) Track(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Track(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
