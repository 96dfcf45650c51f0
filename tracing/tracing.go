// Package tracing wires the agent runtime into OpenTelemetry: a
// TracerProvider configured from config.TracingConfig, an OTLP exporter
// when an endpoint is set and a stdout exporter when console export is on,
// and a small helper for
// extracting the W3C traceparent of the currently active span so it can be
// stamped onto a TaskResult.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config mirrors original_source's TracingConfig: whether tracing is on,
// the service identity stamped on the resource, a sampling ratio, and the
// two exporter destinations.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	SampleRate     float64
	OTLPEndpoint   string
	ConsoleExport  bool
}

// Provider wraps an sdktrace.TracerProvider together with the tracer the
// rest of the runtime pulls spans from.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// noopTracerProvider is the global provider as it stands before Init; its
// tracer is used when tracing is turned off, so callers never need a nil
// check.
var noopTracerProvider = otel.GetTracerProvider()

// Init configures the global OpenTelemetry tracer provider from cfg. When
// cfg.Enabled is false it leaves the global provider untouched, returns a
// Provider using noopTracerProvider's tracer, and returns immediately,
// mirroring init_tracing's early return for a disabled config.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noopTracerProvider.Tracer("apex")}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("tracing: build otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	if cfg.ConsoleExport {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("tracing: build console exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSyncer(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// Tracer returns the tracer instances should use to start spans.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes and stops the tracer provider. No-op when tracing was
// never enabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartTaskSpan starts a span for executing a single task, tagging it with
// the identifiers the runtime correlates results by.
func (p *Provider) StartTaskSpan(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("task_id", taskID),
			attribute.String("agent_id", agentID),
		),
	)
}

// TraceContext returns the W3C traceparent fields (trace_id, span_id) of
// the span in ctx, or two empty strings if ctx carries no valid span
// context.
func TraceContext(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
