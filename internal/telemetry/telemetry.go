// Package telemetry wires OpenTelemetry traces and metrics for agent runs.
// When disabled every instrument is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/smart-tinker/ncrew-sub000/internal/buildinfo"
)

const (
	// ScopeName is the instrumentation scope for ncrew traces and metrics.
	ScopeName = "github.com/smart-tinker/ncrew-sub000"
	// defaultOTLPEndpoint is used when the otlp exporter has no endpoint configured.
	defaultOTLPEndpoint = "localhost:4318"
)

// Config holds telemetry settings.
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	// Writer receives stdout exporter output; defaults to stderr so command output stays clean.
	Writer io.Writer
	// Reader attaches an extra metric reader, for example a manual reader in tests.
	Reader sdkmetric.Reader
}

// Provider wraps the tracer and meter providers with cleanup.
type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	shutdown func(context.Context) error
}

// Init sets up OpenTelemetry. The returned Provider must be Shutdown on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(ScopeName),
			Meter:    noop.NewMeterProvider().Meter(ScopeName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ncrew"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Resolve().Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	meterOptions := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Reader != nil {
		meterOptions = append(meterOptions, sdkmetric.WithReader(cfg.Reader))
	}
	meterProvider := sdkmetric.NewMeterProvider(meterOptions...)
	otel.SetMeterProvider(meterProvider)

	return &Provider{
		Tracer: tracerProvider.Tracer(ScopeName),
		Meter:  meterProvider.Meter(ScopeName),
		shutdown: func(ctx context.Context) error {
			traceErr := tracerProvider.Shutdown(ctx)
			meterErr := meterProvider.Shutdown(ctx)
			if traceErr != nil {
				return traceErr
			}
			return meterErr
		},
	}, nil
}

// Shutdown flushes and shuts down the providers.
func (provider *Provider) Shutdown(ctx context.Context) error {
	if provider == nil || provider.shutdown == nil {
		return nil
	}
	return provider.shutdown(ctx)
}

// newSpanExporter builds the configured span exporter.
func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout", "":
		writer := cfg.Writer
		if writer == nil {
			writer = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(writer))
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: stdout, otlp, none)", cfg.Exporter)
	}
}

// discardExporter drops every span.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                           { return nil }

// Span attribute keys for runs.
var (
	AttrProject = attribute.Key("ncrew.project.id")
	AttrTask    = attribute.Key("ncrew.task.id")
	AttrRun     = attribute.Key("ncrew.run.id")
	AttrStage   = attribute.Key("ncrew.stage")
	AttrModel   = attribute.Key("ncrew.model")
	AttrStatus  = attribute.Key("ncrew.status")
)
