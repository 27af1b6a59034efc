// Package telemetry wires OpenTelemetry tracing around message dispatch,
// persistence, and completion calls. Without an exporter endpoint it stays a
// no-op.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/alexkarev/coedit/telemetry"

// Config drives how telemetry is initialized.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint is the OTLP/HTTP collector URL. Empty disables export.
	Endpoint string
	// TracerProvider overrides the exporter pipeline when set; tests use
	// it to capture spans in memory.
	TracerProvider trace.TracerProvider
}

// Manager hands out spans for the relay's hot paths. A nil Manager is valid
// and records nothing.
type Manager struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewManager builds a tracing manager. With an empty endpoint the returned
// manager uses a no-op tracer.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.TracerProvider != nil {
		return &Manager{tracer: cfg.TracerProvider.Tracer(instrumentationName)}, nil
	}
	if cfg.Endpoint == "" {
		return &Manager{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}, nil
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpointURL(cfg.Endpoint),
	))
	if err != nil {
		return nil, err
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &Manager{
		tracer:   provider.Tracer(instrumentationName),
		provider: provider,
	}, nil
}

// StartSpan proxies span creation through the configured tracer.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes and stops the exporter pipeline.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
