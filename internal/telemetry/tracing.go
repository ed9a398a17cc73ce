// Package telemetry configures OpenTelemetry tracing for the read-model client.
//
// Custom span attributes use the `rmsync.` prefix.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/marcus-qen/rmsync"
	serviceName = "rmsync"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// HTTPClient returns an http.Client whose transport records a client span
// per request. A zero timeout means no overall deadline, which is what the
// event stream needs.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// --- Span helpers ---

// StartConnectSpan creates the span covering one stream connection attempt.
func StartConnectSpan(ctx context.Context, attempt, base string, resume bool) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "stream.connect",
		trace.WithAttributes(
			attribute.String("rmsync.attempt", attempt),
			attribute.String("rmsync.base", base),
			attribute.Bool("rmsync.resume", resume),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndConnectSpan records how the attempt ended.
func EndConnectSpan(span trace.Span, frames int, err error) {
	span.SetAttributes(attribute.Int("rmsync.frames", frames))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartApplySpan creates a span for one patch batch.
func StartApplySpan(ctx context.Context, id string, ops int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "readmodel.apply",
		trace.WithAttributes(
			attribute.String("rmsync.read_model", id),
			attribute.Int("rmsync.ops", ops),
		),
	)
}

// EndApplySpan enriches the apply span with the number of applied ops.
func EndApplySpan(span trace.Span, applied int) {
	span.SetAttributes(attribute.Int("rmsync.applied", applied))
	span.End()
}

// StartFetchSpan creates a span for a snapshot fetch.
func StartFetchSpan(ctx context.Context, id, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "snapshot.fetch",
		trace.WithAttributes(
			attribute.String("rmsync.read_model", id),
			attribute.String("rmsync.trigger", trigger),
		),
	)
}

// EndSpan ends span, marking it failed when err is non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
