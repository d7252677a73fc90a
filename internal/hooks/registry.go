package hooks

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Registry holds lifecycle hook registrations. Trigger reads a snapshot, so
// handlers may register or unregister hooks without deadlocking. A nil
// *Registry accepts triggers and drops them.
type Registry struct {
	mu     sync.Mutex // serializes writers
	regs   atomic.Pointer[[]*Registration]
	seq    uint64
	logger *slog.Logger
}

// NewRegistry creates a new hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "hooks")}
	r.regs.Store(&[]*Registration{})
	return r
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithPriority sets the handler priority.
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) { r.Priority = p }
}

// WithName sets the handler name used in logs.
func WithName(name string) RegisterOption {
	return func(r *Registration) { r.Name = name }
}

// WithSource records who registered the handler, usually a plugin id.
func WithSource(source string) RegisterOption {
	return func(r *Registration) { r.Source = source }
}

// WithFilter restricts the handler to events matching f.
func WithFilter(f *Filter) RegisterOption {
	return func(r *Registration) { r.Filter = f }
}

func (r *Registry) snapshot() []*Registration {
	return *r.regs.Load()
}

// update swaps in the registrations fn returns, sorted by priority and then
// registration order.
func (r *Registry) update(fn func(cur []*Registration) []*Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := fn(slices.Clone(r.snapshot()))
	slices.SortStableFunc(next, func(a, b *Registration) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.seq, b.seq))
	})
	r.regs.Store(&next)
}

// Register adds a handler for an event key: an event type such as
// "command.failed", or type and action such as "command.stopped:guild_only".
// It returns the registration id.
func (r *Registry) Register(eventKey string, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:       uuid.NewString(),
		EventKey: eventKey,
		Handler:  handler,
		Priority: PriorityNormal,
	}
	for _, opt := range opts {
		opt(reg)
	}
	r.update(func(cur []*Registration) []*Registration {
		r.seq++
		reg.seq = r.seq
		return append(cur, reg)
	})

	r.logger.Debug("registered hook",
		"id", reg.ID,
		"event_key", eventKey,
		"name", reg.Name,
		"priority", reg.Priority)
	return reg.ID
}

// On registers a handler for every event of the given type.
func (r *Registry) On(eventType EventType, handler Handler, opts ...RegisterOption) string {
	return r.Register(string(eventType), handler, opts...)
}

// OnAction registers a handler for one action of an event type.
func (r *Registry) OnAction(eventType EventType, action string, handler Handler, opts ...RegisterOption) string {
	return r.Register(string(eventType)+":"+action, handler, opts...)
}

// Unregister removes a handler by its registration id.
func (r *Registry) Unregister(id string) bool {
	removed := false
	r.update(func(cur []*Registration) []*Registration {
		return slices.DeleteFunc(cur, func(reg *Registration) bool {
			if reg.ID == id {
				removed = true
				return true
			}
			return false
		})
	})
	if removed {
		r.logger.Debug("unregistered hook", "id", id)
	}
	return removed
}

// UnregisterSource removes every handler registered with WithSource(source)
// and reports how many were removed. Plugins call it when they unload.
func (r *Registry) UnregisterSource(source string) int {
	n := 0
	r.update(func(cur []*Registration) []*Registration {
		return slices.DeleteFunc(cur, func(reg *Registration) bool {
			if reg.Source == source {
				n++
				return true
			}
			return false
		})
	})
	if n > 0 {
		r.logger.Debug("unregistered hooks by source", "source", source, "count", n)
	}
	return n
}

// Trigger calls every handler registered for the event's type or its
// type:action key, in priority order. A failing or panicking handler does
// not stop the rest; their errors are joined.
func (r *Registry) Trigger(ctx context.Context, event *Event) error {
	if r == nil {
		return nil
	}
	if event == nil {
		return errors.New("hook event is nil")
	}

	typeKey, actionKey := string(event.Type), ""
	if event.Action != "" {
		actionKey = event.Key()
	}

	var errs []error
	for _, reg := range r.snapshot() {
		if reg.EventKey != typeKey && (actionKey == "" || reg.EventKey != actionKey) {
			continue
		}
		if !reg.Filter.Matches(event) {
			continue
		}
		if err := callHandler(ctx, reg, event); err != nil {
			r.logger.WarnContext(ctx, "hook handler error",
				"event_key", reg.EventKey,
				"dispatch_id", event.DispatchID,
				"handler_id", reg.ID,
				"handler_name", reg.Name,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func callHandler(ctx context.Context, reg *Registration, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook %s panicked: %v", reg.label(), p)
		}
	}()
	return reg.Handler(ctx, event)
}

// RegisteredEvents returns the sorted event keys that have handlers.
func (r *Registry) RegisteredEvents() []string {
	var keys []string
	for _, reg := range r.snapshot() {
		keys = append(keys, reg.EventKey)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// HandlerCount returns the number of handlers for an event key.
func (r *Registry) HandlerCount(eventKey string) int {
	return len(r.ListRegistrations(eventKey))
}

// ListRegistrations returns the registrations for an event key in call order.
func (r *Registry) ListRegistrations(eventKey string) []*Registration {
	var out []*Registration
	for _, reg := range r.snapshot() {
		if reg.EventKey == eventKey {
			out = append(out, reg)
		}
	}
	return out
}
