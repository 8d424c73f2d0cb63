package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewTracer(tp), rec
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestTracerRecordsIntakeAndProcessSpans(t *testing.T) {
	tr, rec := recordingTracer(t)

	ctx, intake := tr.StartIntakeSpan(context.Background(), "razorpay")
	_, process := tr.StartProcessSpan(ctx, "payment.captured", "evt_1")
	tr.EndSpan(process, nil)
	tr.EndSpan(intake, nil)

	ended := rec.Ended()
	require.Len(t, ended, 2)

	assert.Equal(t, "hookgate.process", ended[0].Name())
	assert.Equal(t, "payment.captured", attrs(ended[0])["hookgate.event_type"])
	assert.Equal(t, "evt_1", attrs(ended[0])["hookgate.event_id"])
	assert.Equal(t, codes.Unset, ended[0].Status().Code)

	assert.Equal(t, "hookgate.intake", ended[1].Name())
	assert.Equal(t, trace.SpanKindServer, ended[1].SpanKind())
	assert.Equal(t, "razorpay", attrs(ended[1])["hookgate.provider"])

	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())
}

func TestEndSpanRecordsError(t *testing.T) {
	tr, rec := recordingTracer(t)

	_, span := tr.StartProcessSpan(context.Background(), "payment.failed", "evt_2")
	tr.EndSpan(span, errors.New("payment not found"))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "payment not found", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}

func TestTracerWithNoopProvider(t *testing.T) {
	tr := NewTracer(nil)
	ctx, span := tr.StartProcessSpan(context.Background(), "payment.captured", "evt_1")
	require.NotNil(t, ctx)
	assert.NotPanics(t, func() { tr.EndSpan(span, errors.New("boom")) })
}

func TestNewTracerProviderStdout(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider(context.Background(), ProviderOptions{
		Service:  "hookgate-test",
		Exporter: ExporterStdout,
		Writer:   &buf,
	})
	require.NoError(t, err)

	tr := NewTracer(tp)
	_, span := tr.StartProcessSpan(context.Background(), "payment.captured", "evt_1")
	tr.EndSpan(span, nil)
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "hookgate.process")
	assert.Contains(t, buf.String(), "hookgate-test")
}

func TestNewTracerProviderOTLP(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), ProviderOptions{
		Service:     "hookgate",
		Exporter:    ExporterOTLP,
		Endpoint:    "http://127.0.0.1:4318/v1/traces",
		Insecure:    true,
		SampleRatio: 0.5,
	})
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewTracerProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracerProvider(context.Background(), ProviderOptions{Exporter: "zipkin"})
	assert.ErrorContains(t, err, `unsupported trace exporter "zipkin"`)
}
