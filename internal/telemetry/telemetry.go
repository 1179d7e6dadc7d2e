// Package telemetry initializes OpenTelemetry tracing and metrics exporters.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	// Trace exporter.
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Register W3C Trace Context and Baggage propagators so trace context
	// rides on outgoing requests (gateway dials, Telegram API calls).
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	// Metric exporter.
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Metrics holds the instruments the assistant pipeline records into. With
// OTEL disabled they are served by the no-op provider and cost nothing.
type Metrics struct {
	TurnsStarted    metric.Int64Counter
	TurnsFailed     metric.Int64Counter
	PlansCreated    metric.Int64Counter
	PlansResolved   metric.Int64Counter
	ActionsExecuted metric.Int64Counter
	ActionsFailed   metric.Int64Counter
}

// NewMetrics registers the pipeline instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := Meter("hibiki")
	m := &Metrics{}
	var err error
	if m.TurnsStarted, err = meter.Int64Counter("hibiki.turns.started"); err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	if m.TurnsFailed, err = meter.Int64Counter("hibiki.turns.failed"); err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	if m.PlansCreated, err = meter.Int64Counter("hibiki.plans.created"); err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	if m.PlansResolved, err = meter.Int64Counter("hibiki.plans.resolved"); err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	if m.ActionsExecuted, err = meter.Int64Counter("hibiki.actions.executed"); err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	if m.ActionsFailed, err = meter.Int64Counter("hibiki.actions.failed"); err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}
	return m, nil
}
