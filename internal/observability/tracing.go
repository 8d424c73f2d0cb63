package observability

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mattjoyce/hookgate"

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

// ProviderOptions configures NewTracerProvider.
type ProviderOptions struct {
	Service     string
	Exporter    string
	Endpoint    string // OTLP/HTTP URL; the OTEL_EXPORTER_OTLP_* env applies when empty
	Insecure    bool
	SampleRatio float64
	Writer      io.Writer // stdout exporter target, os.Stdout when nil
}

// NewTracerProvider builds an SDK provider that batches spans to the
// configured exporter. Callers own Shutdown.
func NewTracerProvider(ctx context.Context, opts ProviderOptions) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	switch opts.Exporter {
	case ExporterOTLP:
		var clientOpts []otlptracehttp.Option
		if opts.Endpoint != "" {
			clientOpts = append(clientOpts, otlptracehttp.WithEndpointURL(opts.Endpoint))
		}
		if opts.Insecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		exporter = exp
	case ExporterStdout:
		w := opts.Writer
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", opts.Exporter)
	}

	ratio := opts.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", opts.Service))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	), nil
}

// Tracer provides OpenTelemetry spans around event processing.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from tp, or from the global provider when tp is
// nil. The global provider is a no-op until one is installed.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// StartProcessSpan starts a span for applying one event.
func (t *Tracer) StartProcessSpan(ctx context.Context, eventType, eventID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "hookgate.process",
		trace.WithAttributes(
			attribute.String("hookgate.event_type", eventType),
			attribute.String("hookgate.event_id", eventID),
		),
	)
}

// StartIntakeSpan starts a span for one inbound delivery.
func (t *Tracer) StartIntakeSpan(ctx context.Context, provider string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "hookgate.intake",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("hookgate.provider", provider)),
	)
}

// EndSpan records err, if any, and ends span.
func (t *Tracer) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
