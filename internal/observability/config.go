package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the observability endpoints for one service. The
// broker fills it from the environment (see internal/config); the demo
// apps start from DefaultConfig.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	PrometheusPort string
	Environment    string
}

// DefaultConfig is the development setup the broker and the demo apps
// share: an OTLP collector and Prometheus next door on localhost.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "127.0.0.1:4317",
		PrometheusPort: "9090",
		Environment:    "development",
	}
}

// Observability bundles the tracer, meter and logger of one service.
// Everything hangs off the same OTel resource, so traces, metrics and
// log records carry identical service attributes.
type Observability struct {
	Config   Config
	Tracer   trace.Tracer
	Meter    metric.Meter
	Logger   *slog.Logger
	Handler  *ObservabilityHandler
	shutdown func(context.Context) error
}

// NewObservability boots the full stack: an OTLP gRPC trace exporter,
// a Prometheus metric reader, and the slog handler that correlates log
// records with the active span. Both providers are installed globally
// so instrumented libraries, otelhttp among them, pick them up.
func NewObservability(cfg Config) (*Observability, error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider, err := newTracerProvider(ctx, cfg.OTLPEndpoint, res)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	meterProvider, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(meterProvider)

	tracer := otel.Tracer(cfg.ServiceName)
	meter := otel.Meter(cfg.ServiceName)

	handler, err := NewObservabilityHandler(tracer, meter, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	return &Observability{
		Config:  cfg,
		Tracer:  tracer,
		Meter:   meter,
		Logger:  slog.New(handler),
		Handler: handler,
		shutdown: func(ctx context.Context) error {
			if err := tracerProvider.Shutdown(ctx); err != nil {
				return err
			}
			return meterProvider.Shutdown(ctx)
		},
	}, nil
}

// newTracerProvider wires the OTLP gRPC exporter. The endpoint is
// plaintext; the collector is expected to run alongside the broker.
func newTracerProvider(ctx context.Context, endpoint string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

// newMeterProvider wires the Prometheus reader. The health server
// scrapes it on /metrics via promhttp.
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	), nil
}

// Shutdown flushes and stops both providers.
func (o *Observability) Shutdown(ctx context.Context) error {
	return o.shutdown(ctx)
}
