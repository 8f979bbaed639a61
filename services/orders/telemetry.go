package main

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const instrumentationName = "orders-service"

// initTelemetry installs global tracer and meter providers exporting over OTLP/HTTP.
// The returned function flushes and stops both.
func initTelemetry(ctx context.Context, cfg *Config) (func(context.Context) error, error) {
	if !cfg.OTelEnabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp, err := initTracer(ctx, cfg.OTLPEndpoint, res)
	if err != nil {
		return nil, err
	}

	mp, err := initMetrics(ctx, cfg.OTLPEndpoint, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func initTracer(ctx context.Context, endpoint string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMetrics(ctx context.Context, endpoint string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}

// orderMetrics are the placement instruments
type orderMetrics struct {
	placed   metric.Int64Counter
	rejected metric.Int64Counter
	duration metric.Float64Histogram
}

func newOrderMetrics(meter metric.Meter) (*orderMetrics, error) {
	placed, err := meter.Int64Counter("orders.placed",
		metric.WithDescription("Orders committed"))
	if err != nil {
		return nil, err
	}

	rejected, err := meter.Int64Counter("orders.rejected",
		metric.WithDescription("Order placements that did not commit"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("orders.placement.duration",
		metric.WithDescription("Order placement latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &orderMetrics{placed: placed, rejected: rejected, duration: duration}, nil
}

func (m *orderMetrics) recordPlaced(ctx context.Context, ms float64) {
	m.placed.Add(ctx, 1)
	m.duration.Record(ctx, ms, metric.WithAttributes(attribute.String("outcome", "placed")))
}

func (m *orderMetrics) recordRejected(ctx context.Context, reason string, ms float64) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.duration.Record(ctx, ms, metric.WithAttributes(attribute.String("outcome", "rejected")))
}
