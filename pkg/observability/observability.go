// Package observability exports OpenTelemetry spans and RED metrics (rate,
// errors, duration) for mission runs, steps and probes over OTLP gRPC.
//
// Components do not import the Provider. They accept a small tracker
// interface with the TrackOperation method, so telemetry stays optional.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/Mindburn-Labs/nightorder/pkg/fault"
)

// Version is reported as the service and instrumentation version.
const Version = "0.4.0"

const instrumentationName = "github.com/Mindburn-Labs/nightorder"

// Config configures the exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the collector's gRPC address, e.g. "localhost:4317".
	OTLPEndpoint string
	// SampleRate is the ratio of root spans kept, 0.0 to 1.0.
	SampleRate   float64
	BatchTimeout time.Duration
	// MetricInterval is how often metrics are pushed.
	MetricInterval time.Duration
	Enabled        bool
	// Insecure dials the collector without TLS.
	Insecure bool
	// CAFile enables TLS against the collector with the given root CA.
	CAFile string
}

// DefaultConfig returns the defaults used by the CLI before overrides.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "nightorder",
		ServiceVersion: Version,
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        true,
	}
}

// Provider owns the trace and metric pipelines of one process.
type Provider struct {
	cfg      *Config
	tracer   trace.Tracer
	red      *redMetrics
	shutdown []func(context.Context) error
	logger   *slog.Logger
}

// New builds the pipelines and installs them as the global providers. A
// disabled config yields a Provider that records spans on the global
// (no-op unless installed elsewhere) tracer and no metrics.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: cfg, logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	tr, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	spanExporter, err := otlptracegrpc.New(ctx, tr.traceOptions(cfg.OTLPEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	p.shutdown = append(p.shutdown, tp.Shutdown)

	metricExporter, err := otlpmetricgrpc.New(ctx, tr.metricOptions(cfg.OTLPEndpoint)...)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
	)
	p.shutdown = append(p.shutdown, mp.Shutdown)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	if p.red, err = newREDMetrics(mp.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"endpoint", cfg.OTLPEndpoint,
		"environment", cfg.Environment,
		"sample_rate", cfg.SampleRate,
		"insecure", cfg.Insecure,
	)
	return p, nil
}

// Tracer returns the span tracer, falling back to the global provider.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// TrackOperation starts a span and counts the operation. The returned
// function ends both; a non-nil error marks the span failed and is counted
// under its fault kind.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.red.begin(ctx, attrs)

	return ctx, func(err error) {
		p.red.end(ctx, time.Since(start), err, attrs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// Shutdown flushes and stops the pipelines in reverse order of creation.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

// redMetrics are the rate, error and duration instruments. A nil
// *redMetrics records nothing.
type redMetrics struct {
	started  metric.Int64Counter
	failed   metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

func newREDMetrics(m metric.Meter) (*redMetrics, error) {
	var r redMetrics
	var errs [4]error
	r.started, errs[0] = m.Int64Counter("nightorder.operations.total",
		metric.WithDescription("Operations started"), metric.WithUnit("{operation}"))
	r.failed, errs[1] = m.Int64Counter("nightorder.errors.total",
		metric.WithDescription("Operations that ended with an error"), metric.WithUnit("{error}"))
	r.duration, errs[2] = m.Float64Histogram("nightorder.operation.duration",
		metric.WithDescription("Operation duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600))
	r.active, errs[3] = m.Int64UpDownCounter("nightorder.operations.active",
		metric.WithDescription("Operations in progress"), metric.WithUnit("{operation}"))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, fmt.Errorf("RED metrics: %w", err)
	}
	return &r, nil
}

func (r *redMetrics) begin(ctx context.Context, attrs []attribute.KeyValue) {
	if r == nil {
		return
	}
	set := metric.WithAttributes(attrs...)
	r.started.Add(ctx, 1, set)
	r.active.Add(ctx, 1, set)
}

func (r *redMetrics) end(ctx context.Context, d time.Duration, err error, attrs []attribute.KeyValue) {
	if r == nil {
		return
	}
	set := metric.WithAttributes(attrs...)
	r.active.Add(ctx, -1, set)
	r.duration.Record(ctx, d.Seconds(), set)
	if err != nil {
		r.failed.Add(ctx, 1, metric.WithAttributes(slices.Concat(attrs, []attribute.KeyValue{AttrErrorKind.String(ErrorKind(err))})...))
	}
}

// ErrorKind is the fault kind of err, or "internal" for unclassified errors.
func ErrorKind(err error) string {
	if k, ok := fault.KindOf(err); ok {
		return string(k)
	}
	return "internal"
}

// transport selects how exporters dial the collector: plaintext, TLS with a
// private CA, or TLS with the system roots.
type transport struct {
	insecure bool
	creds    credentials.TransportCredentials
}

func newTransport(cfg *Config) (transport, error) {
	if cfg.Insecure {
		return transport{insecure: true}, nil
	}
	if cfg.CAFile == "" {
		return transport{}, nil
	}
	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return transport{}, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return transport{}, fmt.Errorf("CA file %s: no certificates found", cfg.CAFile)
	}
	return transport{creds: credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})}, nil
}

func (t transport) traceOptions(endpoint string) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	switch {
	case t.insecure:
		opts = append(opts, otlptracegrpc.WithInsecure())
	case t.creds != nil:
		opts = append(opts, otlptracegrpc.WithTLSCredentials(t.creds))
	}
	return opts
}

func (t transport) metricOptions(endpoint string) []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint)}
	switch {
	case t.insecure:
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	case t.creds != nil:
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(t.creds))
	}
	return opts
}
