package analytics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink exports analytics events as Prometheus series.
type PrometheusSink struct {
	// Executions counts tracked events.
	// Labels: name, command, type, status (success|error)
	Executions *prometheus.CounterVec

	// ExecutionTime measures command execution time in seconds.
	// Labels: command, type
	ExecutionTime *prometheus.HistogramVec
}

// NewPrometheusSink registers the analytics series with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusSink{
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchkit_analytics_events_total",
				Help: "Analytics events by command, execution mode and status",
			},
			[]string{"name", "command", "type", "status"},
		),
		ExecutionTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatchkit_analytics_execution_seconds",
				Help:    "Command execution time reported to analytics",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10},
			},
			[]string{"command", "type"},
		),
	}
}

// Track implements Sink.
func (s *PrometheusSink) Track(_ context.Context, event Event) error {
	status := "success"
	if event.Data.Error {
		status = "error"
	}
	s.Executions.WithLabelValues(event.Name, event.Data.Command, event.Data.Type, status).Inc()
	s.ExecutionTime.WithLabelValues(event.Data.Command, event.Data.Type).Observe(event.Data.ExecutionTime.Seconds())
	return nil
}
