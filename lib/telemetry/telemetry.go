// Package telemetry wires the OpenTelemetry meter and tracer providers used
// by the nil-safe Metrics struct in lib/containers.
// Without an OTLP endpoint configured, it returns no-op providers so the
// rest of the stack runs unchanged in an operator's offline shell.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log"
	noopLog "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Providers holds the meter, tracer and logger providers for the process
// lifetime, plus their combined Shutdown. Logger is passed to
// lib/logging.New so slog records ride the same OTLP pipeline as metrics
// and traces via the otelslog bridge.
type Providers struct {
	Meter    metric.MeterProvider
	Tracer   trace.TracerProvider
	Logger   log.LoggerProvider
	Shutdown func(context.Context) error
}

// New builds OTLP-gRPC-backed providers when endpoint is non-empty,
// otherwise no-op providers, mirroring the nil-meter checks every
// Metrics struct in this codebase already tolerates.
func New(ctx context.Context, endpoint, serviceName string) (*Providers, error) {
	if endpoint == "" {
		return &Providers{
			Meter:    noopmetric.NewMeterProvider(),
			Tracer:   nooptrace.NewTracerProvider(),
			Logger:   noopLog.NewLoggerProvider(),
			Shutdown: func(context.Context) error { return nil },
		}, nil
	}

	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("build otlp metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("build otlp trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)

	logExporter, err := otlploggrpc.New(ctx, otlploggrpc.WithEndpoint(endpoint), otlploggrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("build otlp log exporter: %w", err)
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	return &Providers{
		Meter:  meterProvider,
		Tracer: tracerProvider,
		Logger: loggerProvider,
		Shutdown: func(ctx context.Context) error {
			if err := meterProvider.Shutdown(ctx); err != nil {
				return err
			}
			if err := tracerProvider.Shutdown(ctx); err != nil {
				return err
			}
			return loggerProvider.Shutdown(ctx)
		},
	}, nil
}
