// Package telemetry installs an OTLP/HTTP trace exporter for the spans the
// dispatcher and orchestrator already emit through the global provider.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	Headers     map[string]string
	ServiceName string
	SampleRate  float64
}

// Provider owns the tracer provider for one process.
type Provider struct {
	tp     trace.TracerProvider
	sdk    *sdktrace.TracerProvider
	global bool
}

type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
	global   bool
}

// WithExporter replaces the OTLP exporter; spans are exported synchronously.
func WithExporter(e sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = e }
}

// WithoutGlobal keeps the provider out of otel.SetTracerProvider.
func WithoutGlobal() Option {
	return func(o *options) { o.global = false }
}

// New returns a no-op provider when cfg is disabled.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	o := options{global: true}
	for _, opt := range opts {
		opt(&o)
	}
	if !cfg.Enabled && o.exporter == nil {
		return &Provider{tp: noop.NewTracerProvider()}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "clawgate"
	}

	var spanOpt sdktrace.TracerProviderOption
	if o.exporter != nil {
		spanOpt = sdktrace.WithSyncer(o.exporter)
	} else {
		clientOpts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			clientOpts = append(clientOpts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(clientOpts...))
		if err != nil {
			return nil, fmt.Errorf("telemetry: create exporter: %w", err)
		}
		spanOpt = sdktrace.WithBatcher(exporter)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate <= 0 || cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	sdk := sdktrace.NewTracerProvider(spanOpt, sdktrace.WithResource(res), sdktrace.WithSampler(sampler))
	if o.global {
		otel.SetTracerProvider(sdk)
	}
	return &Provider{tp: sdk, sdk: sdk, global: o.global}, nil
}

func (p *Provider) TracerProvider() trace.TracerProvider { return p.tp }

// Tracer is a named tracer from this provider.
func (p *Provider) Tracer(name string) trace.Tracer { return p.tp.Tracer(name) }

func (p *Provider) Enabled() bool { return p.sdk != nil }

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
