package observe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		ServiceName: "infergate-test",
		Version:     "1.0.0",
		Tracing:     TracingConfig{Enabled: true, Exporter: "stdout", SamplePct: 1.0},
		Metrics:     MetricsConfig{Enabled: true, Exporter: "stdout"},
		Logging:     LoggingConfig{Enabled: true, Level: "info"},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: ErrMissingServiceName},
		{name: "unknown tracing exporter", mutate: func(c *Config) { c.Tracing.Exporter = "jaeger" }, wantErr: ErrInvalidTracingExporter},
		{name: "otlp-http accepted", mutate: func(c *Config) { c.Tracing.Exporter = "otlp-http" }},
		{name: "unknown metrics exporter", mutate: func(c *Config) { c.Metrics.Exporter = "statsd" }, wantErr: ErrInvalidMetricsExporter},
		{name: "sample pct above one", mutate: func(c *Config) { c.Tracing.SamplePct = 1.5 }, wantErr: ErrInvalidSamplePct},
		{name: "sample pct negative", mutate: func(c *Config) { c.Tracing.SamplePct = -0.1 }, wantErr: ErrInvalidSamplePct},
		{name: "unknown log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: ErrInvalidLogLevel},
		{name: "disabled sections skip checks", mutate: func(c *Config) {
			c.Tracing = TracingConfig{Exporter: "bogus"}
			c.Metrics = MetricsConfig{Exporter: "bogus"}
			c.Logging = LoggingConfig{Level: "bogus"}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestNewObserver_DisabledNoop(t *testing.T) {
	obs, err := NewObserver(context.Background(), Config{ServiceName: "infergate-test"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if obs.Tracer() == nil || obs.Meter() == nil || obs.Logger() == nil {
		t.Fatal("disabled observer must still return usable primitives")
	}
	if _, ok := obs.Logger().(noopLogger); !ok {
		t.Errorf("expected noop logger when logging disabled, got %T", obs.Logger())
	}
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown of noop observer: %v", err)
	}
}

func TestNewObserver_InvalidConfigReturnsError(t *testing.T) {
	if _, err := NewObserver(context.Background(), Config{}); !errors.Is(err, ErrMissingServiceName) {
		t.Fatalf("expected ErrMissingServiceName, got %v", err)
	}
}

func TestObserver_ShutdownGracefully(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Enabled = false

	obs, err := NewObserver(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("expected no shutdown error, got: %v", err)
	}
}

func TestNoopContracts(t *testing.T) {
	ctx := context.Background()

	if Nop().With(F("k", "v")) == nil {
		t.Fatal("With on noop logger returned nil")
	}
	NopMetrics().RecordCall(ctx, "openai", 10*time.Millisecond, nil)
	NopMetrics().Emit(ctx, Event{Type: EventCacheHit})
	NopSink().Emit(ctx, Event{Type: EventDispatch})

	tracer := NopTracer()
	_, span := tracer.StartSpan(ctx, SpanMeta{Operation: "submit"})
	tracer.EndSpan(span, errors.New("boom"))
}
