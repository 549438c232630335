// Package telemetry provides an OpenTelemetry-backed implementation of
// the core.Telemetry interface. Traces go to an OTLP/gRPC endpoint when
// one is configured; without an endpoint the provider stays in-process
// and exports nothing.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/gobeacon/gobeacon/core"
)

// Provider implements core.Telemetry on top of the OpenTelemetry SDK.
type Provider struct {
	traceProvider *sdktrace.TracerProvider
	tracer        trace.Tracer
	meter         metric.Meter

	mu     sync.Mutex
	gauges map[string]metric.Float64Gauge
}

// New creates a telemetry provider for the named service. The OTLP
// endpoint comes from the argument or, when empty, from
// OTEL_EXPORTER_OTLP_ENDPOINT.
func New(serviceName, endpoint string) (*Provider, error) {
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion()),
			semconv.DeploymentEnvironmentKey.String(environment()),
			attribute.String("beacon.component", "registry"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	traceProvider, err := newTraceProvider(res, endpoint)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		traceProvider: traceProvider,
		tracer:        traceProvider.Tracer("gobeacon"),
		meter:         otel.GetMeterProvider().Meter("gobeacon"),
		gauges:        map[string]metric.Float64Gauge{},
	}, nil
}

func newTraceProvider(res *resource.Resource, endpoint string) (*sdktrace.TracerProvider, error) {
	if endpoint == "" {
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if os.Getenv("OTEL_TRACES_SAMPLER") == "traceidratio" {
		if ratio, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil {
			sampler = sdktrace.TraceIDRatioBased(ratio)
		}
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}

// StartSpan begins a span and returns the derived context.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric records a float64 gauge observation with optional labels.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	gauge, err := p.gauge(name)
	if err != nil {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

func (p *Provider) gauge(name string) (metric.Float64Gauge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if g, ok := p.gauges[name]; ok {
		return g, nil
	}
	g, err := p.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	p.gauges[name] = g
	return g, nil
}

// Shutdown flushes pending spans and stops the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.traceProvider == nil {
		return nil
	}
	return p.traceProvider.Shutdown(ctx)
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

func serviceVersion() string {
	if version := os.Getenv("OTEL_SERVICE_VERSION"); version != "" {
		return version
	}
	return "1.0.0"
}

func environment() string {
	if env := os.Getenv("DEPLOYMENT_ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}
