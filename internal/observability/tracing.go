// Package observability wires the process-wide telemetry surfaces: the
// OTLP tracing bootstrap behind config `tracing.enabled`, and the slog
// handler construction the CLI installs as the default logger. Components
// receive their tracer and logger through options; nothing in here is
// global except what the CLI explicitly sets.
package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/config"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/version"
)

const (
	// defaultBatchTimeout bounds how long a span waits in the batch
	// processor before export.
	defaultBatchTimeout = 5 * time.Second

	defaultServiceName = "llmitm"
)

// TracingOption overrides part of the tracer provider construction.
type TracingOption func(*tracingOptions)

type tracingOptions struct {
	sampler      sdktrace.Sampler
	resource     *resource.Resource
	batchTimeout time.Duration
}

// WithSampler sets a custom sampler, replacing the ratio sampler derived
// from config sample_rate.
func WithSampler(sampler sdktrace.Sampler) TracingOption {
	return func(o *tracingOptions) {
		o.sampler = sampler
	}
}

// WithResource sets a custom resource describing the telemetry producer.
func WithResource(res *resource.Resource) TracingOption {
	return func(o *tracingOptions) {
		o.resource = res
	}
}

// WithBatchTimeout sets the maximum time between batch exports.
func WithBatchTimeout(timeout time.Duration) TracingOption {
	return func(o *tracingOptions) {
		if timeout > 0 {
			o.batchTimeout = timeout
		}
	}
}

// InitTracing builds the tracer provider for the process. Disabled
// tracing returns a provider with no exporters, which records nothing
// and costs nothing; enabled tracing exports OTLP over HTTP to the
// configured endpoint (collector default when empty) and installs the
// provider as the OpenTelemetry global.
func InitTracing(ctx context.Context, cfg config.TracingConfig, opts ...TracingOption) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		return sdktrace.NewTracerProvider(), nil
	}

	options := &tracingOptions{
		batchTimeout: defaultBatchTimeout,
	}
	for _, opt := range opts {
		opt(options)
	}

	if options.sampler == nil {
		options.sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	if options.resource == nil {
		serviceName := cfg.ServiceName
		if serviceName == "" {
			serviceName = defaultServiceName
		}

		// resource.New instead of merging resource.Default() so custom
		// attributes cannot collide with another schema version.
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(version.Version),
			),
			resource.WithFromEnv(),
			resource.WithTelemetrySDK(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to build trace resource: %w", err)
		}
		options.resource = res
	}

	var exporterOpts []otlptracehttp.Option
	switch {
	case cfg.Endpoint == "":
		// Exporter default, localhost:4318.
	case strings.Contains(cfg.Endpoint, "://"):
		// A full URL carries its own scheme, including http:// for
		// insecure local collectors.
		exporterOpts = append(exporterOpts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	default:
		exporterOpts = append(exporterOpts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}

	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter for %q: %w", cfg.Endpoint, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(options.batchTimeout),
		),
		sdktrace.WithSampler(options.sampler),
		sdktrace.WithResource(options.resource),
	)

	otel.SetTracerProvider(tp)

	return tp, nil
}

// ShutdownTracing flushes pending spans and releases the provider. Call
// it before process exit; a context with a few seconds of deadline gives
// in-flight exports a chance to complete.
func ShutdownTracing(ctx context.Context, provider *sdktrace.TracerProvider) error {
	if provider == nil {
		return nil
	}
	if err := provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	return nil
}
