// Package telemetry wires OpenTelemetry tracing and Prometheus metrics.
// When tracing is disabled the provider degrades to a noop tracer so call
// sites never branch on configuration.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TelemetryConfig configures OpenTelemetry export for traces. It lives here
// (rather than internal/config) so config can depend on telemetry without a
// cycle; internal/config aliases it as config.TelemetryConfig.
type TelemetryConfig struct {
	Enabled     bool              `toml:"enabled,omitempty"`
	Endpoint    string            `toml:"endpoint,omitempty"`
	Protocol    string            `toml:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `toml:"insecure,omitempty"`
	ServiceName string            `toml:"service_name,omitempty"`
	SampleRate  float64           `toml:"sample_rate,omitempty"`
	Headers     map[string]string `toml:"headers,omitempty"`
}

// Provider owns the tracer provider lifecycle. A disabled provider carries
// only a noop tracer and Shutdown is a no-op.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewProvider builds a tracer provider from config. Exporter protocol is
// "grpc" (default) or "http"; both speak OTLP to cfg.Endpoint.
func NewProvider(ctx context.Context, cfg TelemetryConfig, version string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("pynchy")}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "pynchy"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1.0 {
		sampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported telemetry protocol: %s", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &Provider{provider: provider, tracer: provider.Tracer("pynchy")}, nil
}

// Shutdown flushes pending spans. Safe on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartSpan opens a span with the given attributes.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Span names used across the host process.
const (
	SpanContainerInvoke  = "pynchy.container.invoke"
	SpanIPCDispatch      = "pynchy.ipc.dispatch"
	SpanProxyForward     = "pynchy.proxy.forward"
	SpanQueueDrain       = "pynchy.queue.drain"
	SpanLedgerDeliver    = "pynchy.ledger.deliver"
	SpanChannelReconcile = "pynchy.channels.reconcile"
	SpanTaskRun          = "pynchy.task.run"
)

// Common attribute keys.
const (
	AttrFolder    = "pynchy.workspace_folder"
	AttrChatJID   = "pynchy.chat_jid"
	AttrIPCType   = "pynchy.ipc_type"
	AttrChannel   = "pynchy.channel"
	AttrVerdict   = "pynchy.verdict"
	AttrSessionID = "pynchy.session_id"
	AttrInstance  = "pynchy.mcp_instance"
)

// FolderAttrs builds the workspace attribute set shared by most spans.
func FolderAttrs(folder string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(AttrFolder, folder)}
}
