package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// DiagnosticEventType names a diagnostic event.
type DiagnosticEventType string

const (
	EventTypeDispatchReceived  DiagnosticEventType = "dispatch.received"
	EventTypeDispatchCompleted DiagnosticEventType = "dispatch.completed"
	EventTypeSignalObserved    DiagnosticEventType = "signal.observed"
	EventTypeDeferredFailed    DiagnosticEventType = "deferred.failed"
	EventTypePluginCaptured    DiagnosticEventType = "plugin.captured"
)

// DiagnosticHeader is embedded in every event. It is filled in on emit.
type DiagnosticHeader struct {
	Type DiagnosticEventType `json:"type"`
	Seq  int64               `json:"seq"`
	// UnixMs is the emit time in milliseconds.
	UnixMs int64 `json:"ts"`
}

func (h *DiagnosticHeader) EventType() DiagnosticEventType { return h.Type }
func (h *DiagnosticHeader) Sequence() int64                { return h.Seq }
func (h *DiagnosticHeader) Timestamp() int64               { return h.UnixMs }
func (h *DiagnosticHeader) header() *DiagnosticHeader      { return h }

// DiagnosticEventPayload is implemented by the event structs below.
type DiagnosticEventPayload interface {
	EventType() DiagnosticEventType
	Sequence() int64
	Timestamp() int64
	header() *DiagnosticHeader
}

// DispatchReceivedEvent is emitted before resolution.
type DispatchReceivedEvent struct {
	DiagnosticHeader
	DispatchID string `json:"dispatch_id"`
	Source     string `json:"source"`
	GuildID    string `json:"guild_id,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
}

// DispatchCompletedEvent is emitted once per dispatch after finalization.
// Outcome is one of completed, unresolved, cancelled, failed or
// handled_by_plugin.
type DispatchCompletedEvent struct {
	DiagnosticHeader
	DispatchID string `json:"dispatch_id"`
	Source     string `json:"source"`
	Command    string `json:"command,omitempty"`
	Mode       string `json:"mode,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

// SignalObservedEvent records a control signal raised inside the chain.
type SignalObservedEvent struct {
	DiagnosticHeader
	DispatchID string `json:"dispatch_id"`
	Command    string `json:"command,omitempty"`
	Phase      string `json:"phase"`
	Signal     string `json:"signal"`
}

// DeferredFailedEvent records a deferred function that errored or panicked.
type DeferredFailedEvent struct {
	DiagnosticHeader
	DispatchID string `json:"dispatch_id"`
	DeferredID string `json:"deferred_id"`
	Command    string `json:"command,omitempty"`
	Error      string `json:"error"`
}

// PluginCapturedEvent records a plugin taking over a request.
type PluginCapturedEvent struct {
	DiagnosticHeader
	DispatchID string `json:"dispatch_id"`
	Plugin     string `json:"plugin"`
	Hook       string `json:"hook"`
}

// DiagnosticListener receives emitted events. Panics are swallowed.
type DiagnosticListener func(event DiagnosticEventPayload)

// diagnostics is a process-wide fan-out. Emitting while disabled costs one
// atomic load.
type diagnostics struct {
	enabled atomic.Bool
	seq     atomic.Int64

	mu        sync.Mutex
	nextID    int
	listeners map[int]DiagnosticListener
}

var diag = &diagnostics{}

// SetDiagnosticsEnabled turns the diagnostic stream on or off.
func SetDiagnosticsEnabled(enabled bool) { diag.enabled.Store(enabled) }

// IsDiagnosticsEnabled reports whether events are delivered.
func IsDiagnosticsEnabled() bool { return diag.enabled.Load() }

// OnDiagnosticEvent subscribes listener. Call the returned function to
// unsubscribe.
func OnDiagnosticEvent(listener DiagnosticListener) func() {
	diag.mu.Lock()
	defer diag.mu.Unlock()
	if diag.listeners == nil {
		diag.listeners = make(map[int]DiagnosticListener)
	}
	diag.nextID++
	id := diag.nextID
	diag.listeners[id] = listener
	return func() {
		diag.mu.Lock()
		delete(diag.listeners, id)
		diag.mu.Unlock()
	}
}

func (d *diagnostics) subscribers() []DiagnosticListener {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DiagnosticListener, 0, len(d.listeners))
	for _, fn := range d.listeners {
		out = append(out, fn)
	}
	return out
}

func emit(typ DiagnosticEventType, event DiagnosticEventPayload) {
	if !diag.enabled.Load() {
		return
	}
	h := event.header()
	h.Type = typ
	h.Seq = diag.seq.Add(1)
	h.UnixMs = time.Now().UnixMilli()

	for _, fn := range diag.subscribers() {
		deliver(fn, event)
	}
}

func deliver(fn DiagnosticListener, event DiagnosticEventPayload) {
	defer func() { _ = recover() }()
	fn(event)
}

func EmitDispatchReceived(e *DispatchReceivedEvent) { emit(EventTypeDispatchReceived, e) }

func EmitDispatchCompleted(e *DispatchCompletedEvent) { emit(EventTypeDispatchCompleted, e) }

func EmitSignalObserved(e *SignalObservedEvent) { emit(EventTypeSignalObserved, e) }

func EmitDeferredFailed(e *DeferredFailedEvent) { emit(EventTypeDeferredFailed, e) }

func EmitPluginCaptured(e *PluginCapturedEvent) { emit(EventTypePluginCaptured, e) }

// ResetDiagnosticsForTest drops every listener and restarts the sequence.
// It leaves the enabled flag alone.
func ResetDiagnosticsForTest() {
	diag.mu.Lock()
	diag.listeners = nil
	diag.mu.Unlock()
	diag.seq.Store(0)
}
