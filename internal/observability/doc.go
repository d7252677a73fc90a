// Package observability provides metrics, structured logging, tracing, and
// diagnostic events for the dispatch runtime.
//
// # Metrics
//
// Metrics are Prometheus collectors registered against a caller-supplied
// registerer, so tests can use an isolated registry:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordDispatch("interaction", "completed")
//	metrics.RecordCommand("ping", "chat_input", "success", elapsed.Seconds())
//
// All Record methods are safe on a nil *Metrics.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts Discord bot tokens,
// bearer tokens, and values under sensitive keys. Correlation fields placed on
// the context are appended to every record:
//
//	ctx = observability.AddDispatchID(ctx, env.ID())
//	ctx = observability.AddCommand(ctx, "ping")
//	logger.InfoContext(ctx, "command completed")
//
// # Tracing
//
// Each dispatch produces one root span with child spans per middleware phase
// and one for the command handler:
//
//	ctx, span := tracer.TraceDispatch(ctx, "interaction", dispatchID)
//	defer span.End()
//
// Without an OTLP endpoint the tracer is a no-op.
//
// # Diagnostics
//
// Diagnostic events are in-process notifications for tooling and tests. They
// are dropped unless SetDiagnosticsEnabled(true) has been called.
package observability
