// Package environment holds the per-dispatch execution state and the carrier
// that makes it reachable from anywhere downstream of a dispatch.
package environment

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known variable keys.
const (
	VarExecutionMode = "execution_mode"
	VarCommandName   = "command_name"
	VarCommandID     = "command_id"
	VarCustomHandler = "custom_handler"
	VarHandlerKind   = "handler_kind"
	VarDispatchID    = "dispatch_id"
	VarForwardedTo   = "forwarded_to"
)

// ErrExecutionErrorSet is returned when a second terminal error is recorded.
var ErrExecutionErrorSet = errors.New("environment: execution error already set")

// Environment is the mutable state of one dispatch attempt. It is created fresh
// for every dispatch and never shared between dispatches. Methods are safe for
// concurrent use so handlers can fan work out to goroutines.
type Environment struct {
	id string

	mu       sync.Mutex
	vars     map[string]any
	deferred map[string]*deferredFunc
	order    []string
	start    time.Time
	end      time.Time
	ended    bool
	marker   string
	err      error
	errSet   bool

	now func() time.Time
}

// New creates an environment whose start time is now.
func New() *Environment {
	return newWithClock(time.Now)
}

func newWithClock(now func() time.Time) *Environment {
	return &Environment{
		id:       uuid.New().String(),
		vars:     make(map[string]any),
		deferred: make(map[string]*deferredFunc),
		start:    now(),
		now:      now,
	}
}

// ID returns the environment's unique id.
func (e *Environment) ID() string {
	return e.id
}

// Set stores a variable.
func (e *Environment) Set(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[key] = value
}

// Get returns a variable.
func (e *Environment) Get(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vars[key]
	return v, ok
}

// GetString returns a string variable, or "" if missing or not a string.
func (e *Environment) GetString(key string) string {
	v, _ := e.Get(key)
	s, _ := v.(string)
	return s
}

// Delete removes a variable.
func (e *Environment) Delete(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vars, key)
}

// Variables returns a copy of the variable bag.
func (e *Environment) Variables() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// CommandName returns the command name the dispatch was tagged with.
func (e *Environment) CommandName() string {
	return e.GetString(VarCommandName)
}

// DispatchID returns the dispatch id, falling back to the environment id.
func (e *Environment) DispatchID() string {
	if id := e.GetString(VarDispatchID); id != "" {
		return id
	}
	return e.id
}

// SetExecutionError records the terminal error of the dispatch. It may be
// called once; later calls return ErrExecutionErrorSet and leave the first
// error in place. A nil err is ignored.
func (e *Environment) SetExecutionError(err error) error {
	if err == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.errSet {
		return ErrExecutionErrorSet
	}
	e.err = err
	e.errSet = true
	return nil
}

// ExecutionError returns the captured terminal error, if any.
func (e *Environment) ExecutionError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// StartTime returns when the dispatch began.
func (e *Environment) StartTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.start
}

// EndTime returns when the dispatch was marked ended (zero if not yet).
func (e *Environment) EndTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.end
}

// MarkStart resets the start time and free-text marker.
func (e *Environment) MarkStart(marker string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.start = e.now()
	e.marker = marker
}

// MarkEnd records the end time. Later calls are no-ops.
func (e *Environment) MarkEnd() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return
	}
	e.end = e.now()
	e.ended = true
}

// Ended reports whether MarkEnd has been called.
func (e *Environment) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// SetMarker sets the free-text marker.
func (e *Environment) SetMarker(marker string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marker = marker
}

// Marker returns the free-text marker.
func (e *Environment) Marker() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marker
}

// ExecutionTime returns |end - start|. Before MarkEnd it measures up to now.
func (e *Environment) ExecutionTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	end := e.end
	if !e.ended {
		end = e.now()
	}
	d := end.Sub(e.start)
	if d < 0 {
		d = -d
	}
	return d
}
