// Package telemetry wires OpenTelemetry tracing and metrics the way
// libs/go/core/otelinit does it in the orchestrator teacher: an OTLP gRPC
// exporter for each signal, driven by OTEL_EXPORTER_OTLP_ENDPOINT, with a
// no-op fallback so a missing collector never stops the daemon from
// starting.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown stops every provider started by Init. It is always safe to call,
// even when initialization fell back to no-op providers.
type Shutdown func(context.Context) error

// Init starts a tracer provider and a meter provider for service, returning
// a combined shutdown func. Endpoint resolution and the no-op fallback on
// dial failure mirror otelinit.InitTracer / otelinit.InitMetrics.
func Init(ctx context.Context, service string) (trace.Tracer, metric.Meter, Shutdown) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(service)))
	if err != nil {
		res = resource.Default()
	}

	tp, tracerShutdown := initTracer(ctx, res)
	mp, meterShutdown := initMeter(ctx, res)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		if err := tracerShutdown(ctx); err != nil {
			return err
		}
		return meterShutdown(ctx)
	}

	return tp.Tracer(service), mp.Meter(service), shutdown
}

func traceEndpoint() string {
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		return v
	}
	return "localhost:4317"
}

func metricEndpoint() string {
	if v := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); v != "" {
		return v
	}
	return traceEndpoint()
}

func initTracer(ctx context.Context, res *resource.Resource) (trace.TracerProvider, Shutdown) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(traceEndpoint()),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		slog.Warn("trace exporter init failed, falling back to no-op tracer", "error", err)
		noopProvider := trace.NewNoopTracerProvider()
		return noopProvider, func(context.Context) error { return nil }
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return tp, tp.Shutdown
}

func initMeter(ctx context.Context, res *resource.Resource) (metric.MeterProvider, Shutdown) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(metricEndpoint()),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		slog.Warn("metric exporter init failed, falling back to no-op meter", "error", err)
		return noop.NewMeterProvider(), func(context.Context) error { return nil }
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))),
	)
	return mp, mp.Shutdown
}

// WithSpan starts a span named name and returns a func that ends it; mirrors
// the teacher's otelinit.WithSpan helper used across handler call sites.
func WithSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}

// Flush calls shutdown with a bounded timeout so process exit never hangs on
// a wedged exporter.
func Flush(ctx context.Context, shutdown Shutdown) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return shutdown(ctx)
}
