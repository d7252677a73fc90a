package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects dispatch runtime metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordDispatch("interaction", "completed")
//	metrics.RecordCommand("ping", "chat_input", "success", elapsed.Seconds())
type Metrics struct {
	// DispatchCounter counts inbound requests by source and outcome.
	// Labels: source (interaction|message), outcome (completed|unresolved|handled_by_plugin|cancelled|failed)
	DispatchCounter *prometheus.CounterVec

	// CommandCounter counts command executions.
	// Labels: command, mode, status (success|error|cancelled|stopped)
	CommandCounter *prometheus.CounterVec

	// CommandDuration measures command execution time in seconds.
	// Labels: command, mode
	// Buckets: 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 2.5s, 5s, 10s
	CommandDuration *prometheus.HistogramVec

	// MiddlewareStops counts middleware chains halted early.
	// Labels: command, phase (before|command|after)
	MiddlewareStops *prometheus.CounterVec

	// SignalCounter counts control signals observed by the runner.
	// Labels: signal
	SignalCounter *prometheus.CounterVec

	// DeferredFailures counts failed deferred functions.
	DeferredFailures prometheus.Counter

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (resolver|middleware|command|plugin|deferred|gateway), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates the dispatch metrics and registers them with reg. A nil
// reg registers with prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchkit_dispatches_total",
				Help: "Total number of inbound requests by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		CommandCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchkit_command_executions_total",
				Help: "Total number of command executions by command, mode, and status",
			},
			[]string{"command", "mode", "status"},
		),

		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatchkit_command_duration_seconds",
				Help:    "Duration of command executions in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"command", "mode"},
		),

		MiddlewareStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchkit_middleware_stops_total",
				Help: "Total number of middleware chains stopped early by command and phase",
			},
			[]string{"command", "phase"},
		),

		SignalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchkit_signals_total",
				Help: "Total number of control signals observed by kind",
			},
			[]string{"signal"},
		),

		DeferredFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatchkit_deferred_failures_total",
				Help: "Total number of deferred functions that failed",
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchkit_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordDispatch increments the dispatch counter.
func (m *Metrics) RecordDispatch(source, outcome string) {
	if m == nil {
		return
	}
	m.DispatchCounter.WithLabelValues(source, outcome).Inc()
}

// RecordCommand records a command execution.
func (m *Metrics) RecordCommand(command, mode, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CommandCounter.WithLabelValues(command, mode, status).Inc()
	m.CommandDuration.WithLabelValues(command, mode).Observe(durationSeconds)
}

// RecordStop records a middleware chain halted during phase.
func (m *Metrics) RecordStop(command, phase string) {
	if m == nil {
		return
	}
	m.MiddlewareStops.WithLabelValues(command, phase).Inc()
}

// RecordSignal increments the signal counter.
func (m *Metrics) RecordSignal(signal string) {
	if m == nil {
		return
	}
	m.SignalCounter.WithLabelValues(signal).Inc()
}

// RecordDeferredFailure increments the deferred failure counter.
func (m *Metrics) RecordDeferredFailure() {
	if m == nil {
		return
	}
	m.DeferredFailures.Inc()
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
