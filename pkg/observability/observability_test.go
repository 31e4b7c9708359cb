package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/nightorder/pkg/fault"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "nightorder", config.ServiceName)
	require.Equal(t, Version, config.ServiceVersion)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	// No metric pipeline: tracking still works.
	_, finish := p.TrackOperation(context.Background(), "mission.run")
	finish(errors.New("boom"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderBadCAFile(t *testing.T) {
	_, err := New(context.Background(), &Config{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		CAFile:       "/nonexistent/ca.pem",
	})
	require.Error(t, err)
}

type recording struct {
	provider *Provider
	spans    *tracetest.SpanRecorder
	metrics  *sdkmetric.ManualReader
}

func recordingProvider(t *testing.T) recording {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	p.tracer = tp.Tracer(instrumentationName)
	p.red, err = newREDMetrics(mp.Meter(instrumentationName))
	require.NoError(t, err)
	return recording{provider: p, spans: spans, metrics: reader}
}

func (r recording) sum(t *testing.T, name string) metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.metrics.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok, name)
				return sum
			}
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return metricdata.Sum[int64]{}
}

func TestTrackOperation(t *testing.T) {
	rec := recordingProvider(t)

	ctx, finish := rec.provider.TrackOperation(context.Background(), "mission.run", MissionOperation("build", "run-1", 0)...)
	require.NotNil(t, ctx)
	finish(nil)

	spans := rec.spans.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "mission.run", spans[0].Name())
	require.Contains(t, spans[0].Attributes(), AttrMissionKind.String("build"))
	require.NotEqual(t, codes.Error, spans[0].Status().Code)

	started := rec.sum(t, "nightorder.operations.total")
	require.Len(t, started.DataPoints, 1)
	require.Equal(t, int64(1), started.DataPoints[0].Value)
	active := rec.sum(t, "nightorder.operations.active")
	require.Equal(t, int64(0), active.DataPoints[0].Value)
}

func TestTrackOperation_ErrorCountedByKind(t *testing.T) {
	rec := recordingProvider(t)

	_, finish := rec.provider.TrackOperation(context.Background(), "probe.run", ProbeOperation("FILE", "out.txt")...)
	finish(fault.New(fault.KindProbeFailed, "missing out.txt"))

	spans := rec.spans.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1) // recorded exception

	failed := rec.sum(t, "nightorder.errors.total")
	require.Len(t, failed.DataPoints, 1)
	kind, ok := failed.DataPoints[0].Attributes.Value(AttrErrorKind)
	require.True(t, ok)
	require.Equal(t, string(fault.KindProbeFailed), kind.AsString())
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, string(fault.KindGateFailed), ErrorKind(fault.New(fault.KindGateFailed, "x")))
	require.Equal(t, "internal", ErrorKind(errors.New("x")))
}

func TestOperationAttributes(t *testing.T) {
	attrs := MissionOperation("deploy", "run-9", 2)
	require.Len(t, attrs, 3)
	require.Equal(t, "nightorder.mission.kind", string(attrs[0].Key))
	require.Equal(t, int64(2), attrs[2].Value.AsInt64())

	attrs = StepOperation("s1", "run_command")
	require.Len(t, attrs, 2)
	require.Equal(t, "run_command", attrs[1].Value.AsString())

	attrs = ProbeOperation("HTTP", "http://localhost")
	require.Equal(t, "HTTP", attrs[0].Value.AsString())
}

func TestAddSpanEvent(t *testing.T) {
	rec := recordingProvider(t)
	ctx, finish := rec.provider.TrackOperation(context.Background(), "mission.step")
	AddSpanEvent(ctx, "step.failed", attribute.String("kind", "ProbeFailed"))
	finish(nil)

	// Without a span the call is a no-op.
	AddSpanEvent(context.Background(), "ignored")

	spans := rec.spans.Ended()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	require.Equal(t, "step.failed", spans[0].Events()[0].Name)
}
