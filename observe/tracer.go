package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/jonwraymond/infergate/fault"
)

// SpanMeta describes the unit of work a span covers.
type SpanMeta struct {
	// Operation is "submit", "call" or "replay".
	Operation   string
	Provider    string
	RequestID   string
	Fingerprint string
	Priority    string
	Attempt     int
}

// SpanName returns the deterministic span name.
// Format: infergate.<operation>.<provider> or infergate.<operation>
func (m SpanMeta) SpanName() string {
	op := m.Operation
	if op == "" {
		op = "call"
	}
	if m.Provider != "" {
		return "infergate." + op + "." + m.Provider
	}
	return "infergate." + op
}

// Tracer wraps OpenTelemetry tracing with gateway-specific span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	StartSpan(ctx context.Context, meta SpanMeta) (context.Context, trace.Span)
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer wraps an OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		return NopTracer()
	}
	return &tracerImpl{tracer: t}
}

func (t *tracerImpl) StartSpan(ctx context.Context, meta SpanMeta) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.Bool("infergate.error", false),
	}
	if meta.Provider != "" {
		attrs = append(attrs, attribute.String("infergate.provider", meta.Provider))
	}
	if meta.RequestID != "" {
		attrs = append(attrs, attribute.String("infergate.request_id", meta.RequestID))
	}
	if meta.Fingerprint != "" {
		attrs = append(attrs, attribute.String("infergate.fingerprint", meta.Fingerprint))
	}
	if meta.Priority != "" {
		attrs = append(attrs, attribute.String("infergate.priority", meta.Priority))
	}
	if meta.Attempt > 0 {
		attrs = append(attrs, attribute.Int("infergate.attempt", meta.Attempt))
	}

	kind := trace.SpanKindInternal
	if meta.Operation == "call" {
		kind = trace.SpanKindClient
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(kind),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.Bool("infergate.error", true),
			attribute.String("infergate.error_kind", fault.KindOf(err).String()),
		)
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type noopTracer struct {
	noop trace.Tracer
}

// NopTracer returns a tracer whose spans record nothing.
func NopTracer() Tracer {
	return &noopTracer{noop: tracenoop.NewTracerProvider().Tracer("noop")}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta SpanMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, _ error) {
	span.End()
}
