package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonwraymond/infergate/fault"
)

func TestSpanMeta_SpanName(t *testing.T) {
	tests := []struct {
		meta SpanMeta
		want string
	}{
		{SpanMeta{Operation: "submit"}, "infergate.submit"},
		{SpanMeta{Operation: "call", Provider: "openai"}, "infergate.call.openai"},
		{SpanMeta{Provider: "anthropic"}, "infergate.call.anthropic"},
		{SpanMeta{Operation: "replay"}, "infergate.replay"},
	}
	for _, tc := range tests {
		if got := tc.meta.SpanName(); got != tc.want {
			t.Errorf("SpanName(%+v) = %q, want %q", tc.meta, got, tc.want)
		}
	}
}

func newRecordingTracer() (Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewTracer(tp.Tracer("test")), rec
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestTracer_SuccessSpan(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.StartSpan(context.Background(), SpanMeta{
		Operation: "call", Provider: "openai", RequestID: "r1", Attempt: 2,
	})
	tracer.EndSpan(span, nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "infergate.call.openai" {
		t.Errorf("name = %q", s.Name())
	}
	if s.SpanKind() != trace.SpanKindClient {
		t.Errorf("kind = %v", s.SpanKind())
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v", s.Status().Code)
	}
	attrs := attrMap(s.Attributes())
	if attrs["infergate.provider"].AsString() != "openai" {
		t.Errorf("provider attr = %v", attrs["infergate.provider"])
	}
	if attrs["infergate.request_id"].AsString() != "r1" {
		t.Errorf("request_id attr = %v", attrs["infergate.request_id"])
	}
	if attrs["infergate.attempt"].AsInt64() != 2 {
		t.Errorf("attempt attr = %v", attrs["infergate.attempt"])
	}
	if attrs["infergate.error"].AsBool() {
		t.Error("error attr should be false")
	}
}

func TestTracer_ErrorSpan(t *testing.T) {
	tracer, rec := newRecordingTracer()

	_, span := tracer.StartSpan(context.Background(), SpanMeta{Operation: "submit"})
	tracer.EndSpan(span, fault.CircuitOpen("openai"))

	s := rec.Ended()[0]
	if s.SpanKind() != trace.SpanKindInternal {
		t.Errorf("kind = %v", s.SpanKind())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v", s.Status().Code)
	}
	attrs := attrMap(s.Attributes())
	if !attrs["infergate.error"].AsBool() {
		t.Error("error attr should be true")
	}
	if attrs["infergate.error_kind"].AsString() != "circuit_open" {
		t.Errorf("error_kind = %v", attrs["infergate.error_kind"])
	}
	if len(s.Events()) == 0 {
		t.Error("expected recorded error event")
	}
}

func TestTracer_ChildSpanSharesTrace(t *testing.T) {
	tracer, rec := newRecordingTracer()

	ctx, parent := tracer.StartSpan(context.Background(), SpanMeta{Operation: "submit"})
	_, child := tracer.StartSpan(ctx, SpanMeta{Operation: "call", Provider: "openai"})
	tracer.EndSpan(child, nil)
	tracer.EndSpan(parent, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("call span is not a child of the submit span")
	}
}
