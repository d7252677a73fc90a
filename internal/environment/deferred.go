package environment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/haasonsaas/dispatchkit/internal/observability"
)

// DeferredFunc is work registered to run once after the pipeline settles.
type DeferredFunc func(ctx context.Context) error

type deferredFunc struct {
	id string
	fn DeferredFunc
}

// After registers fn to run when the dispatch is finalized and returns its id.
func (e *Environment) After(fn DeferredFunc) string {
	id := uuid.New().String()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deferred[id] = &deferredFunc{id: id, fn: fn}
	e.order = append(e.order, id)
	return id
}

// CancelDeferred removes a pending deferred function. It reports whether the
// id was pending.
func (e *Environment) CancelDeferred(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.deferred[id]; !ok {
		return false
	}
	e.removeLocked(id)
	return true
}

// PendingDeferred returns the number of registered, not yet run functions.
func (e *Environment) PendingDeferred() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.deferred)
}

// RunDeferred executes every registered function in registration order. Each
// entry is removed once it completes. A failing or panicking function is
// logged and reported as a diagnostic event; it never stops the others.
// Functions registered while draining run in the same pass.
func (e *Environment) RunDeferred(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		next := e.nextDeferred()
		if next == nil {
			return
		}
		err := callDeferred(ctx, next.fn)
		e.mu.Lock()
		e.removeLocked(next.id)
		e.mu.Unlock()

		if err != nil {
			logger.Warn("deferred function failed",
				"dispatch_id", e.DispatchID(),
				"deferred_id", next.id,
				"command", e.CommandName(),
				"error", err)
			observability.EmitDeferredFailed(&observability.DeferredFailedEvent{
				DispatchID: e.DispatchID(),
				DeferredID: next.id,
				Command:    e.CommandName(),
				Error:      err.Error(),
			})
		}
	}
}

// ClearDeferred drops every pending deferred function without running it.
func (e *Environment) ClearDeferred() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deferred = make(map[string]*deferredFunc)
	e.order = nil
}

func (e *Environment) nextDeferred() *deferredFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.order) > 0 {
		id := e.order[0]
		if d, ok := e.deferred[id]; ok {
			return d
		}
		e.order = e.order[1:]
	}
	return nil
}

func (e *Environment) removeLocked(id string) {
	delete(e.deferred, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

func callDeferred(ctx context.Context, fn DeferredFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("deferred panic: %v", p)
		}
	}()
	return fn(ctx)
}
