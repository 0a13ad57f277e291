package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("failed to parse log output as JSON: %v\nOutput: %s", err, line)
		}
		out = append(out, entry)
	}
	return out
}

func TestLogger_JSONShape(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	logger.Info(context.Background(), "dispatch complete", F("provider", "openai"), F("attempt", 2))

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e["msg"] != "dispatch complete" {
		t.Errorf("msg = %v", e["msg"])
	}
	if e["level"] != "info" {
		t.Errorf("level = %v", e["level"])
	}
	if _, ok := e["timestamp"]; !ok {
		t.Error("missing timestamp field")
	}
	if e["provider"] != "openai" {
		t.Errorf("provider = %v", e["provider"])
	}
	if e["attempt"] != float64(2) {
		t.Errorf("attempt = %v", e["attempt"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("warn", &buf)
	ctx := context.Background()

	logger.Debug(ctx, "debug")
	logger.Info(ctx, "info")
	logger.Warn(ctx, "warn")
	logger.Error(ctx, "error")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries at warn level, got %d", len(entries))
	}
	if entries[0]["msg"] != "warn" || entries[1]["msg"] != "error" {
		t.Errorf("unexpected entries: %v", entries)
	}
}

func TestLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("debug", &buf)

	logger.Info(context.Background(), "call",
		F("payload", `{"prompt":"secret plans"}`),
		F("api_key", "sk-123"),
		F("authorization", "Bearer abc"),
		F("provider", "anthropic"),
	)

	out := buf.String()
	for _, leaked := range []string{"secret plans", "sk-123", "Bearer abc"} {
		if strings.Contains(out, leaked) {
			t.Errorf("log output leaked %q: %s", leaked, out)
		}
	}
	e := decodeLines(t, &buf)[0]
	if e["payload"] != "[REDACTED]" {
		t.Errorf("payload = %v", e["payload"])
	}
	if e["provider"] != "anthropic" {
		t.Errorf("provider = %v", e["provider"])
	}
}

func TestLogger_WithAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf).With(F("service", "infergate"), F("token", "t"))

	logger.Warn(context.Background(), "retry scheduled", F("error", errors.New("status 503")))

	e := decodeLines(t, &buf)[0]
	if e["service"] != "infergate" {
		t.Errorf("service = %v", e["service"])
	}
	if e["token"] != "[REDACTED]" {
		t.Errorf("token = %v", e["token"])
	}
	if e["error"] != "status 503" {
		t.Errorf("error = %v", e["error"])
	}
}

func TestLogger_IncludesTraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.Info(ctx, "inside span")

	e := decodeLines(t, &buf)[0]
	if e["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v", e["trace_id"])
	}
	if e["span_id"] != span.SpanContext().SpanID().String() {
		t.Errorf("span_id = %v", e["span_id"])
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug": LevelDebug,
		"info":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
		"loud":  LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewZapLogger_NilIsNop(t *testing.T) {
	if _, ok := NewZapLogger(nil).(noopLogger); !ok {
		t.Fatal("expected noop logger for nil zap logger")
	}
}
