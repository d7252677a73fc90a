package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts the spans of a dispatch. Each inbound request produces one
// tree:
//
//	dispatch.interaction
//	├── middleware.before auth
//	├── command ping
//	└── middleware.after log
//
// A nil *Tracer is valid and records nothing.
type Tracer struct {
	tracer trace.Tracer
}

// TraceConfig selects the OTLP exporter and the resource attributes attached
// to every span. An empty Endpoint disables export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	// SamplingRate is the recorded fraction of traces. Zero means 1.
	SamplingRate float64

	Attributes     map[string]string
	EnableInsecure bool
}

// NewTracer returns a tracer and the function that flushes and stops its
// exporter. When export is disabled or the exporter fails to build, spans go
// to the global provider, which is a no-op unless something else installed
// one.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dispatchkit"
	}
	global := &Tracer{tracer: otel.Tracer(cfg.ServiceName)}
	nothing := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return global, nothing
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.EnableInsecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		otel.Handle(fmt.Errorf("otlp exporter: %w", err))
		return global, nothing
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(traceResource(cfg)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return NewTracerFromProvider(provider, cfg.ServiceName), provider.Shutdown
}

// NewTracerFromProvider builds a Tracer on an existing provider. Tests pass
// one backed by a span recorder.
func NewTracerFromProvider(provider trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: provider.Tracer(name)}
}

func traceResource(cfg TraceConfig) *resource.Resource {
	attrs := make([]attribute.KeyValue, 0, 3+len(cfg.Attributes))
	attrs = append(attrs, semconv.ServiceName(cfg.ServiceName))
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return resource.NewSchemaless(attrs...)
	}
	return res
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Start opens a span named name under whatever span ctx carries.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// TraceDispatch opens the root span for one inbound message or interaction.
func (t *Tracer) TraceDispatch(ctx context.Context, source, dispatchID string) (context.Context, trace.Span) {
	return t.Start(ctx, "dispatch."+source,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("dispatch.source", source),
			attribute.String("dispatch.id", dispatchID),
		))
}

// TraceMiddleware opens a span for one middleware phase.
func (t *Tracer) TraceMiddleware(ctx context.Context, phase, name string) (context.Context, trace.Span) {
	return t.Start(ctx, "middleware."+phase+" "+name,
		trace.WithAttributes(
			attribute.String("middleware.phase", phase),
			attribute.String("middleware.name", name),
		))
}

// TraceCommand opens a span for a command handler.
func (t *Tracer) TraceCommand(ctx context.Context, command, mode string) (context.Context, trace.Span) {
	return t.Start(ctx, "command "+command,
		trace.WithAttributes(
			attribute.String("command.name", command),
			attribute.String("command.mode", mode),
		))
}

// RecordError marks span failed with err. A nil err is ignored.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes adds alternating key/value pairs to span. Pairs whose key is
// not a string are dropped.
func (t *Tracer) SetAttributes(span trace.Span, keyvals ...any) {
	if span != nil {
		span.SetAttributes(pairs(keyvals)...)
	}
}

// AddEvent adds a named event with alternating key/value attributes.
func (t *Tracer) AddEvent(span trace.Span, name string, keyvals ...any) {
	if span != nil {
		span.AddEvent(name, trace.WithAttributes(pairs(keyvals)...))
	}
}

// TraceIDFromContext returns the active trace id, or "" without a valid span.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func pairs(keyvals []any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			out = append(out, attributeFromValue(key, keyvals[i+1]))
		}
	}
	return out
}

func attributeFromValue(key string, val any) attribute.KeyValue {
	k := attribute.Key(key)
	switch v := val.(type) {
	case string:
		return k.String(v)
	case bool:
		return k.Bool(v)
	case int:
		return k.Int(v)
	case int64:
		return k.Int64(v)
	case float64:
		return k.Float64(v)
	case []string:
		return k.StringSlice(v)
	case fmt.Stringer:
		return k.String(v.String())
	default:
		return k.String(fmt.Sprint(v))
	}
}
