// Package observability wires structured logging, distributed tracing, and
// metrics for the relay and its supporting services behind one small API,
// so call sites never import the otel or prometheus SDKs directly.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects which observability backends Setup turns on. The zero
// value disables everything: Start still returns usable (noop) spans and
// Recorder methods are safe no-ops.
type Config struct {
	// Service names this process in trace and log resource attributes.
	Service string

	// TraceAddr is the OTLP/gRPC collector address for spans. Empty
	// disables tracing.
	TraceAddr string

	// LogAddr is the OTLP/gRPC collector address for logs. Empty leaves
	// slog's default handler untouched.
	LogAddr string

	// Metrics turns on the Prometheus recorder (internal/cli serves the
	// default registry via promhttp.Handler at /metrics).
	Metrics bool
}

var (
	mu             sync.Mutex
	tracer         trace.Tracer = otel.Tracer("qumo")
	tracingEnabled atomic.Bool
	metricsOn      atomic.Bool
	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
)

// Setup configures the backends named in cfg. It is safe to call once per
// process; call Shutdown with the same context's parent before exiting to
// flush buffered spans and logs.
func Setup(ctx context.Context, cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	service := cfg.Service
	if service == "" {
		service = "qumo"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return fmt.Errorf("observability: build resource: %w", err)
	}

	if cfg.TraceAddr != "" {
		exp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.TraceAddr), otlptracegrpc.WithInsecure()))
		if err != nil {
			return fmt.Errorf("observability: trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		tracerProvider = tp
		tracer = tp.Tracer(service)
		tracingEnabled.Store(true)
	} else {
		tracingEnabled.Store(false)
	}

	if cfg.LogAddr != "" {
		exp, err := otlploggrpc.New(ctx, otlploggrpc.WithEndpoint(cfg.LogAddr), otlploggrpc.WithInsecure())
		if err != nil {
			return fmt.Errorf("observability: log exporter: %w", err)
		}
		lp := sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
			sdklog.WithResource(res),
		)
		loggerProvider = lp
		slog.SetDefault(slog.New(otelslog.NewHandler(service, otelslog.WithLoggerProvider(lp))))
	}

	metricsOn.Store(cfg.Metrics)
	if cfg.Metrics {
		initMetrics()
	}

	return nil
}

// Shutdown flushes and closes whatever backends Setup started. Safe to call
// even if Setup was never called or started nothing.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	var errs []error
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		tracerProvider = nil
	}
	if loggerProvider != nil {
		if err := loggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		loggerProvider = nil
	}
	tracingEnabled.Store(false)
	if len(errs) > 0 {
		return fmt.Errorf("observability: shutdown: %v", errs)
	}
	return nil
}

// Enabled reports whether Setup configured a real trace exporter.
func Enabled() bool { return tracingEnabled.Load() }

// MetricsEnabled reports whether Setup turned metrics recording on.
func MetricsEnabled() bool { return metricsOn.Load() }

// Span wraps an otel trace.Span with the relay's attribute vocabulary, so
// call sites never import go.opentelemetry.io/otel/trace directly.
type Span struct {
	span  trace.Span
	onEnd func()
}

// Start begins a span named name as a child of ctx's span, if any.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	ctx, s := tracer.Start(ctx, name)
	return ctx, &Span{span: s}
}

// StartOption customizes a span created via StartWith.
type StartOption func(*startConfig)

type startConfig struct {
	attrs []attribute.KeyValue
	start func()
	end   func()
}

// Attrs sets attributes on the span at creation time.
func Attrs(attrs ...attribute.KeyValue) StartOption {
	return func(c *startConfig) { c.attrs = append(c.attrs, attrs...) }
}

// OnStart runs fn synchronously right after the span is created.
func OnStart(fn func()) StartOption {
	return func(c *startConfig) { c.start = fn }
}

// OnEnd runs fn synchronously when the returned Span's End is called.
func OnEnd(fn func()) StartOption {
	return func(c *startConfig) { c.end = fn }
}

// StartWith begins a span with the given options applied.
func StartWith(ctx context.Context, name string, opts ...StartOption) (context.Context, *Span) {
	var c startConfig
	for _, opt := range opts {
		opt(&c)
	}
	ctx, s := tracer.Start(ctx, name)
	if len(c.attrs) > 0 {
		s.SetAttributes(c.attrs...)
	}
	if c.start != nil {
		c.start()
	}
	return ctx, &Span{span: s, onEnd: c.end}
}

// End closes the span, running any OnEnd callback first.
func (s *Span) End() {
	if s == nil {
		return
	}
	if s.onEnd != nil {
		s.onEnd()
	}
	s.span.End()
}

// Error records err on the span (if non-nil) and appends an event carrying
// msg, without changing End's behavior.
func (s *Span) Error(err error, msg string) {
	if s == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.AddEvent(msg)
}

// Event appends a named event with the given attributes.
func (s *Span) Event(name string, attrs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Set attaches attributes to the span.
func (s *Span) Set(attrs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attrs...)
}

// Attribute helpers matching the relay's domain vocabulary (spec §3).

func Track(name string) attribute.KeyValue      { return attribute.String("moq.track", name) }
func Broadcast(path string) attribute.KeyValue   { return attribute.String("moq.broadcast", path) }
func Group(seq int64) attribute.KeyValue         { return attribute.Int64("moq.group", seq) }
func GroupSequence(seq int64) attribute.KeyValue { return attribute.Int64("moq.group", seq) }
func Frames(n int64) attribute.KeyValue          { return attribute.Int64("moq.frames", n) }
func Subscribers(n int64) attribute.KeyValue     { return attribute.Int64("moq.subscribers", n) }

// Str and Num build arbitrary string/int64 attributes for call sites that
// don't fit the named helpers above.
func Str(key, value string) attribute.KeyValue { return attribute.String(key, value) }
func Num(key string, value int64) attribute.KeyValue { return attribute.Int64(key, value) }
