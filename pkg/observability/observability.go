// Package observability wires OpenTelemetry tracing and metrics for the
// audit engine: spans and a duration histogram around report assembly, and
// the domain counters in metrics.go.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "helm-audit"

// Config configures the OTLP exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool // plaintext gRPC
}

// DefaultConfig returns a disabled config pointing at a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "helm-audit",
		ServiceVersion: "0.3.0",
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
	}
}

// Provider owns the exporters. A disabled provider still hands out the
// global no-op tracer and meter, so callers never check for nil.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	duration metric.Float64Histogram
}

func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		return p, p.initOperationMetrics()
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}
	if err := p.initExporters(ctx, res); err != nil {
		return nil, err
	}
	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initOperationMetrics(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry exporting", "service", config.ServiceName, "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initExporters(ctx context.Context, res *resource.Resource) error {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res), sdktrace.WithBatcher(spans))
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return nil
}

func (p *Provider) initOperationMetrics() error {
	var err error
	p.duration, err = p.meter.Float64Histogram("audit.operation.duration",
		metric.WithDescription("Engine operation duration by outcome"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.05, 0.25, 1, 5, 30),
	)
	if err != nil {
		return fmt.Errorf("observability: operation histogram: %w", err)
	}
	return nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown", "error", err)
		}
	}
	return nil
}

// Meter returns the meter the domain counters register on.
func (p *Provider) Meter() metric.Meter { return p.meter }

// TrackOperation starts a span named name and returns the func that ends
// it, recording the duration with outcome "ok" or "error".
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
		}
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("operation", name),
			attribute.String("outcome", outcome),
		))
		span.End()
	}
}
