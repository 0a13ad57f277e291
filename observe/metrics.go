package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jonwraymond/infergate/fault"
)

// Metrics records provider call and routing metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic.
type Metrics interface {
	Sink

	// RecordCall records one provider attempt with its duration and outcome.
	RecordCall(ctx context.Context, provider string, duration time.Duration, err error)
}

type metricsImpl struct {
	calls        metric.Int64Counter
	callErrors   metric.Int64Counter
	callDuration metric.Float64Histogram
	events       metric.Int64Counter
	transitions  metric.Int64Counter
	retryDelay   metric.Float64Histogram
	requestTime  metric.Float64Histogram
}

// NewMetrics creates OTel instruments on meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	calls, err := meter.Int64Counter(
		"infergate.call.total",
		metric.WithDescription("Total number of provider call attempts"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	callErrors, err := meter.Int64Counter(
		"infergate.call.errors",
		metric.WithDescription("Total number of failed provider call attempts"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	callDuration, err := meter.Float64Histogram(
		"infergate.call.duration_ms",
		metric.WithDescription("Provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	events, err := meter.Int64Counter(
		"infergate.events.total",
		metric.WithDescription("Routing events by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"infergate.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	retryDelay, err := meter.Float64Histogram(
		"infergate.retry.delay_ms",
		metric.WithDescription("Scheduled retry delay in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	requestTime, err := meter.Float64Histogram(
		"infergate.request.duration_ms",
		metric.WithDescription("End-to-end submission latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		calls:        calls,
		callErrors:   callErrors,
		callDuration: callDuration,
		events:       events,
		transitions:  transitions,
		retryDelay:   retryDelay,
		requestTime:  requestTime,
	}, nil
}

// RecordCall records metrics for a provider attempt.
func (m *metricsImpl) RecordCall(ctx context.Context, provider string, duration time.Duration, err error) {
	opt := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome(err)),
	)

	m.calls.Add(ctx, 1, opt)
	if err != nil {
		m.callErrors.Add(ctx, 1, opt)
	}
	m.callDuration.Record(ctx, float64(duration.Microseconds())/1000, opt)
}

// Emit counts e and records type-specific measurements.
func (m *metricsImpl) Emit(ctx context.Context, e Event) {
	attrs := []attribute.KeyValue{attribute.String("type", string(e.Type))}
	if e.Provider != "" {
		attrs = append(attrs, attribute.String("provider", e.Provider))
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attrs...))

	switch e.Type {
	case EventBreakerTransition:
		m.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", e.Provider),
			attribute.String("to", e.To),
		))
	case EventRetryScheduled:
		m.retryDelay.Record(ctx, float64(e.Delay.Milliseconds()),
			metric.WithAttributes(attribute.String("provider", e.Provider)))
	case EventCompleted:
		m.requestTime.Record(ctx, float64(e.Duration.Microseconds())/1000,
			metric.WithAttributes(attribute.String("outcome", outcome(e.Err))))
	}
}

// outcome maps an error to a low-cardinality label.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return fault.KindOf(err).String()
}

type noopMetrics struct{}

func (noopMetrics) RecordCall(context.Context, string, time.Duration, error) {}
func (noopMetrics) Emit(context.Context, Event)                              {}

// NopMetrics returns metrics that record nothing.
func NopMetrics() Metrics { return noopMetrics{} }
