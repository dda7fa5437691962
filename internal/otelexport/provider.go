// Package otelexport mirrors probing trace rows into OpenTelemetry spans.
package otelexport

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter names accepted by Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const (
	defaultServiceName  = "probing"
	defaultOTLPEndpoint = "localhost:4317"
)

// Config selects where mirrored spans go.
type Config struct {
	// Enabled false yields a no-op tracer.
	Enabled bool `yaml:"enabled"`

	// Exporter is ExporterNone, ExporterStdout or ExporterOTLP.
	Exporter string `yaml:"exporter"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// SampleRate is the TraceIDRatioBased fraction; <= 0 means 1.
	SampleRate float64 `yaml:"sample_rate"`

	ServiceName string `yaml:"service_name"`

	// Writer receives stdout exporter output instead of os.Stdout.
	Writer io.Writer `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Exporter:     ExporterStdout,
		OTLPEndpoint: defaultOTLPEndpoint,
		SampleRate:   1.0,
		ServiceName:  defaultServiceName,
	}
}

// Provider owns the SDK tracer provider backing a Bridge.
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds the provider for cfg. A disabled config gets a no-op
// tracer and a Shutdown that does nothing.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(defaultServiceName)}, nil
	}
	exp, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}
	return build(cfg, exp, sdktrace.WithBatcher), nil
}

// NewProviderWithExporter builds an enabled provider that hands every span
// to exp as soon as it ends.
func NewProviderWithExporter(cfg Config, exp sdktrace.SpanExporter) *Provider {
	return build(cfg, exp, func(e sdktrace.SpanExporter, _ ...sdktrace.BatchSpanProcessorOption) sdktrace.TracerProviderOption {
		return sdktrace.WithSyncer(e)
	})
}

func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterNone, "":
		return nil, nil
	case ExporterStdout:
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		exp, err := stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLP:
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		exp, err := otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}
}

type exportMode func(sdktrace.SpanExporter, ...sdktrace.BatchSpanProcessorOption) sdktrace.TracerProviderOption

func build(cfg Config, exp sdktrace.SpanExporter, mode exportMode) *Provider {
	service := cfg.ServiceName
	if service == "" {
		service = defaultServiceName
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}

	// Schemaless so merging with the SDK default resource cannot conflict.
	res := resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.Int("process.pid", os.Getpid()),
	)
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	if exp != nil {
		opts = append(opts, mode(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	return &Provider{sdk: tp, tracer: tp.Tracer(service)}
}

// Tracer is a no-op tracer when export is disabled.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Enabled() bool { return p.sdk != nil }

// Shutdown flushes batched spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
