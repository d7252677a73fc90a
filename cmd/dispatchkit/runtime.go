package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/dispatchkit/internal/analytics"
	"github.com/haasonsaas/dispatchkit/internal/commands"
	"github.com/haasonsaas/dispatchkit/internal/config"
	"github.com/haasonsaas/dispatchkit/internal/dispatch"
	"github.com/haasonsaas/dispatchkit/internal/hooks"
	"github.com/haasonsaas/dispatchkit/internal/observability"
	"github.com/haasonsaas/dispatchkit/internal/plugins"
)

// runtime holds the dispatch components built from a config. serve drives it
// from the gateway; inspect only uses its resolver.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	registry    *commands.Registry
	permissions *dispatch.PermissionChecker
	plugins     *plugins.Runner
	hooks       *hooks.Registry
	dispatcher  *dispatch.Dispatcher

	metricsRegistry *prometheus.Registry
	metrics         *observability.Metrics
	tracer          *observability.Tracer

	closers []func(context.Context) error
}

func newRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &runtime{
		cfg:         cfg,
		logger:      logger,
		registry:    commands.NewRegistry(logger),
		permissions: &dispatch.PermissionChecker{},
		plugins: plugins.NewRunner(plugins.RunnerConfig{
			CatchErrors: true,
			Config:      cfg.Plugins,
			Logger:      logger,
		}),
		hooks:           hooks.NewRegistry(logger),
		metricsRegistry: prometheus.NewRegistry(),
	}
	if cfg.Dispatch.BuiltinsEnabled() {
		commands.RegisterBuiltins(rt.registry)
	}

	if cfg.Observability.Metrics.Enabled {
		rt.metricsRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rt.metrics = observability.NewMetrics(rt.metricsRegistry)
	}

	tracer, shutdown := observability.NewTracer(cfg.Observability.Tracing.TraceConfig())
	rt.tracer = tracer
	rt.closers = append(rt.closers, shutdown)

	settings, err := cfg.Dispatch.Settings("")
	if err != nil {
		return nil, err
	}

	rt.hooks.On(hooks.EventCommandFailed, func(ctx context.Context, event *hooks.Event) error {
		logger.WarnContext(ctx, "command failed",
			"dispatch_id", event.DispatchID,
			"command", event.Command,
			"mode", event.Mode,
			"error", event.ErrorMsg)
		return nil
	}, hooks.WithName("log-failures"), hooks.WithSource("dispatchkit"), hooks.WithPriority(hooks.PriorityLowest))

	rt.dispatcher = dispatch.New(dispatch.Config{
		Loader:      rt.registry,
		Settings:    settings,
		Permissions: rt.permissions,
		Plugins:     rt.plugins,
		Hooks:       rt.hooks,
		Analytics:   rt.analyticsSink(),
		Metrics:     rt.metrics,
		Tracer:      rt.tracer,
		Logger:      logger,
	})
	return rt, nil
}

// analyticsSink builds the configured sink chain. Async wrapping registers a
// closer that flushes the queue on shutdown.
func (rt *runtime) analyticsSink() analytics.Sink {
	cfg := rt.cfg.Analytics
	var sinks []analytics.Sink
	if cfg.Prometheus {
		sinks = append(sinks, analytics.NewPrometheusSink(rt.metricsRegistry))
	}
	if cfg.Log {
		sinks = append(sinks, analytics.NewLogSink(rt.logger, observability.LogLevelFromString(cfg.LogLevel)))
	}
	sink := analytics.Multi(sinks...)
	if len(sinks) == 0 || !cfg.Async {
		return sink
	}
	async := analytics.NewAsync(sink, analytics.AsyncConfig{
		BufferSize: cfg.BufferSize,
		SampleRate: cfg.SampleRate,
		Logger:     rt.logger,
	})
	rt.closers = append(rt.closers, func(context.Context) error { return async.Close() })
	return async
}

// applyDispatchConfig swaps resolver settings from d. botUserID enables the
// mention prefix once the gateway reports it.
func (rt *runtime) applyDispatchConfig(d config.DispatchConfig, botUserID string) error {
	settings, err := d.Settings(botUserID)
	if err != nil {
		return fmt.Errorf("dispatch settings: %w", err)
	}
	rt.dispatcher.Resolver().Apply(settings)
	return nil
}

// watchDiagnostics turns on the diagnostic stream and feeds the metrics it
// backs. The returned function detaches the listener.
func (rt *runtime) watchDiagnostics() func() {
	enabled := rt.cfg.Observability.Diagnostics || rt.metrics != nil
	observability.SetDiagnosticsEnabled(enabled)
	if !enabled {
		return func() {}
	}
	logDiagnostics := rt.cfg.Observability.Diagnostics
	return observability.OnDiagnosticEvent(func(event observability.DiagnosticEventPayload) {
		if _, ok := event.(*observability.DeferredFailedEvent); ok && rt.metrics != nil {
			rt.metrics.RecordDeferredFailure()
		}
		if logDiagnostics {
			rt.logger.Debug("diagnostic event", "type", event.EventType(), "seq", event.Sequence(), "event", event)
		}
	})
}

func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
