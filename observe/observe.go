package observe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/jonwraymond/infergate/observe/exporters"
)

// Config holds all configuration for the Observer. Sections that are not
// Enabled are not validated.
type Config struct {
	ServiceName string `validate:"required"`
	Version     string
	Tracing     TracingConfig
	Metrics     MetricsConfig
	Logging     LoggingConfig
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled   bool
	Exporter  string  `validate:"omitempty,oneof=otlp otlp-http stdout none"`
	SamplePct float64 `validate:"gte=0,lte=1"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Enabled  bool
	Exporter string `validate:"omitempty,oneof=otlp prometheus stdout none"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Enabled bool
	Level   string `validate:"omitempty,oneof=debug info warn error"`
}

var configValidator = validator.New()

// fieldErrors maps a failing field to the sentinel reported for it.
var fieldErrors = map[string]error{
	"Config.ServiceName":      ErrMissingServiceName,
	"TracingConfig.Exporter":  ErrInvalidTracingExporter,
	"TracingConfig.SamplePct": ErrInvalidSamplePct,
	"MetricsConfig.Exporter":  ErrInvalidMetricsExporter,
	"LoggingConfig.Level":     ErrInvalidLogLevel,
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := check(configValidator.StructPartial(c, "ServiceName")); err != nil {
		return err
	}
	sections := []struct {
		enabled bool
		v       any
	}{
		{c.Tracing.Enabled, c.Tracing},
		{c.Metrics.Enabled, c.Metrics},
		{c.Logging.Enabled, c.Logging},
	}
	for _, s := range sections {
		if !s.enabled {
			continue
		}
		if err := check(configValidator.Struct(s.v)); err != nil {
			return err
		}
	}
	return nil
}

func check(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fe := verrs[0]
	if sentinel, ok := fieldErrors[fe.Namespace()]; ok {
		return fmt.Errorf("%w: %v", sentinel, fe.Value())
	}
	return fmt.Errorf("observe: %s failed %q", fe.Namespace(), fe.Tag())
}

// Observer provides access to telemetry primitives.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Shutdown must honor cancellation/deadlines.
// - Errors: Shutdown should be idempotent and return the first error encountered.
type Observer interface {
	Tracer() trace.Tracer
	Meter() metric.Meter
	Logger() Logger
	Shutdown(ctx context.Context) error
}

// Logger is a minimal structured logging interface.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: logging must be best-effort and must not panic.
type Logger interface {
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)

	// With returns a logger that attaches fields to every entry.
	With(fields ...Field) Logger
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for Field{Key: key, Value: value}.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

type shutdownFunc func(context.Context) error

type observer struct {
	tracer trace.Tracer
	meter  metric.Meter
	logger Logger

	once     sync.Once
	closers  []shutdownFunc
	shutdown error
}

// NewObserver builds the tracer, meter and logger described by cfg. A
// disabled section yields a no-op primitive.
func NewObserver(ctx context.Context, cfg Config) (Observer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	obs := &observer{
		tracer: tracenoop.NewTracerProvider().Tracer("noop"),
		meter:  noop.NewMeterProvider().Meter("noop"),
		logger: Nop(),
	}

	if cfg.Tracing.Enabled {
		tp, err := newTracerProvider(ctx, cfg.Tracing, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		obs.tracer = tp.Tracer(cfg.ServiceName)
		obs.closers = append(obs.closers, tp.Shutdown)
	}

	if cfg.Metrics.Enabled {
		mp, err := newMeterProvider(ctx, cfg.Metrics, res)
		if err != nil {
			_ = obs.Shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(mp)
		obs.meter = mp.Meter(cfg.ServiceName)
		obs.closers = append(obs.closers, mp.Shutdown)
	}

	if cfg.Logging.Enabled {
		logger := NewLogger(cfg.Logging.Level)
		obs.logger = logger.With(F("service", cfg.ServiceName))
		if s, ok := logger.(interface{ Sync() error }); ok {
			obs.closers = append(obs.closers, func(context.Context) error {
				_ = s.Sync()
				return nil
			})
		}
	}
	return obs, nil
}

func newTracerProvider(ctx context.Context, cfg TracingConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := exporters.NewTracingExporter(ctx, cfg.Exporter)
	if err != nil {
		return nil, fmt.Errorf("observe: trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplePct)),
		sdktrace.WithBatcher(exp),
	), nil
}

func sampler(pct float64) sdktrace.Sampler {
	switch {
	case pct >= 1:
		return sdktrace.AlwaysSample()
	case pct <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(pct))
	}
}

func newMeterProvider(ctx context.Context, cfg MetricsConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	reader, err := exporters.NewMetricsReader(ctx, cfg.Exporter)
	if err != nil {
		return nil, fmt.Errorf("observe: metrics reader: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	), nil
}

func (o *observer) Tracer() trace.Tracer { return o.tracer }

func (o *observer) Meter() metric.Meter { return o.meter }

func (o *observer) Logger() Logger { return o.logger }

// Shutdown flushes and stops every provider in reverse creation order.
// Later calls return the first call's result.
func (o *observer) Shutdown(ctx context.Context) error {
	o.once.Do(func() {
		var errs []error
		for _, c := range slices.Backward(o.closers) {
			if err := c(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		o.shutdown = errors.Join(errs...)
	})
	return o.shutdown
}
