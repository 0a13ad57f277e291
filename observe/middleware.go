package observe

import (
	"context"
	"time"
)

// CallFunc is the signature of a single provider attempt.
type CallFunc func(ctx context.Context, provider string, payload []byte) ([]byte, error)

// Middleware wraps provider attempts with tracing, metrics and logging.
//
// Contract:
//   - Concurrency: Wrap returns a function safe for concurrent use.
//   - Errors: errors from the wrapped function are recorded and returned unchanged.
//   - Ownership: payload and response bytes pass through untouched and are never logged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a Middleware. Nil components are replaced with no-ops.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = NopTracer()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if logger == nil {
		logger = Nop()
	}
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// Metrics returns the metrics recorder in use.
func (m *Middleware) Metrics() Metrics { return m.metrics }

// Tracer returns the tracer in use.
func (m *Middleware) Tracer() Tracer { return m.tracer }

// Wrap instruments fn.
func (m *Middleware) Wrap(fn CallFunc) CallFunc {
	return func(ctx context.Context, provider string, payload []byte) ([]byte, error) {
		meta := SpanMeta{Operation: "call", Provider: provider}
		if id, ok := RequestIDFromContext(ctx); ok {
			meta.RequestID = id
		}
		ctx, span := m.tracer.StartSpan(ctx, meta)

		start := time.Now()
		out, err := fn(ctx, provider, payload)
		duration := time.Since(start)

		m.tracer.EndSpan(span, err)
		m.metrics.RecordCall(ctx, provider, duration, err)

		fields := []Field{
			F("provider", provider),
			F("duration_ms", float64(duration.Microseconds())/1000),
		}
		if meta.RequestID != "" {
			fields = append(fields, F("request_id", meta.RequestID))
		}
		if err != nil {
			fields = append(fields, F("error", err.Error()))
			m.logger.Warn(ctx, "provider call failed", fields...)
		} else {
			m.logger.Debug(ctx, "provider call completed", fields...)
		}

		return out, err
	}
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}
	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}

type requestIDKey struct{}

// WithRequestID attaches a request identifier for downstream telemetry.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the identifier set by WithRequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}
