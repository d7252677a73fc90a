package request

import (
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/dispatchkit/internal/signals"
)

// Phase names where a middleware runs.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// MiddlewareContext extends Context with the middleware-only surface.
type MiddlewareContext struct {
	*Context

	phase     Phase
	cancelled atomic.Bool

	mu     sync.RWMutex
	cmdErr error
}

// NewMiddlewareContext wraps c for middleware.
func NewMiddlewareContext(c *Context) *MiddlewareContext {
	return &MiddlewareContext{Context: c, phase: PhaseBefore}
}

// Phase returns the phase currently running.
func (m *MiddlewareContext) Phase() Phase { return m.phase }

// EnterPhase is called by the runner between phases.
func (m *MiddlewareContext) EnterPhase(p Phase) { m.phase = p }

// Cancel marks the dispatch cancelled. It does not halt the chain; return
// Stop() for that.
func (m *MiddlewareContext) Cancel() { m.cancelled.Store(true) }

// Cancelled reports whether Cancel was called.
func (m *MiddlewareContext) Cancelled() bool { return m.cancelled.Load() }

// Stop cancels the dispatch and returns the decision that halts the chain.
func (m *MiddlewareContext) Stop() signals.Decision {
	m.Cancel()
	return signals.Halt()
}

// Exit is Stop for middleware that prefer the exit spelling.
func (m *MiddlewareContext) Exit() signals.Decision {
	m.Cancel()
	return signals.ExitChain()
}

// Err returns the error the command body returned, visible in the after phase.
func (m *MiddlewareContext) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cmdErr
}

// SetCommandError records the command body's error for after middleware.
func (m *MiddlewareContext) SetCommandError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmdErr = err
}
