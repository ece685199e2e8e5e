// Package otel wires OpenTelemetry metrics and traces for minirun.
// Without an OTLP endpoint the global no-op providers stay in place.
package otel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName identifies minirun in exported telemetry.
const ServiceName = "minirun"

// Config selects where telemetry goes.
type Config struct {
	Endpoint string // OTLP gRPC endpoint (host:port); empty disables export
	Insecure bool
	Version  string
}

// Provider owns the meter used by minirun components and flushes exporters
// on shutdown.
type Provider struct {
	Meter metric.Meter
	// LogHandler ships log records over OTLP. Nil when export is disabled.
	LogHandler slog.Handler
	shutdown   []func(context.Context) error
}

// Setup installs OTLP exporters when cfg.Endpoint is set and returns the
// provider whose Meter components should use.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return &Provider{Meter: otel.Meter(ServiceName)}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", cfg.Version),
	)

	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)

	logExporter, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		_ = tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create log exporter: %w", err)
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	p := &Provider{
		Meter:      meterProvider.Meter(ServiceName),
		LogHandler: otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(loggerProvider)),
		shutdown: []func(context.Context) error{
			meterProvider.Shutdown,
			tracerProvider.Shutdown,
			loggerProvider.Shutdown,
		},
	}

	// Go runtime metrics (heap, GC, goroutines) for the supervisor.
	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("start runtime metrics: %w", err)
	}

	return p, nil
}

// Shutdown flushes and stops the exporters. A run is short-lived, so this
// must happen before the process exits or the data is lost.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}
