package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jonwraymond/infergate/fault"
)

func newTestMetrics(t *testing.T) (Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumWhere(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64], got %T", m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_RecordCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCall(ctx, "openai", 40*time.Millisecond, nil)
	m.RecordCall(ctx, "openai", 60*time.Millisecond, fault.Provider("openai", 503, nil))
	m.RecordCall(ctx, "anthropic", 10*time.Millisecond, nil)

	rm := collect(t, reader)

	if got := sumWhere(t, findMetric(rm, "infergate.call.total"), "provider", "openai"); got != 2 {
		t.Errorf("openai calls = %d, want 2", got)
	}
	if got := sumWhere(t, findMetric(rm, "infergate.call.errors"), "outcome", "provider"); got != 1 {
		t.Errorf("provider-kind errors = %d, want 1", got)
	}

	dur := findMetric(rm, "infergate.call.duration_ms")
	if dur == nil {
		t.Fatal("infergate.call.duration_ms not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", dur.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("histogram count = %d, want 3", count)
	}
}

func TestMetrics_NoErrorCounterOnSuccess(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordCall(context.Background(), "openai", time.Millisecond, nil)

	rm := collect(t, reader)
	if got := sumWhere(t, findMetric(rm, "infergate.call.errors"), "provider", "openai"); got != 0 {
		t.Errorf("errors = %d, want 0", got)
	}
}

func TestMetrics_EmitEvents(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Emit(ctx, Event{Type: EventCacheHit})
	m.Emit(ctx, Event{Type: EventCacheHit})
	m.Emit(ctx, Event{Type: EventBreakerTransition, Provider: "openai", From: "closed", To: "open"})
	m.Emit(ctx, Event{Type: EventRetryScheduled, Provider: "openai", Delay: 200 * time.Millisecond})
	m.Emit(ctx, Event{Type: EventCompleted, Duration: time.Second})

	rm := collect(t, reader)

	if got := sumWhere(t, findMetric(rm, "infergate.events.total"), "type", string(EventCacheHit)); got != 2 {
		t.Errorf("cache hit events = %d, want 2", got)
	}
	if got := sumWhere(t, findMetric(rm, "infergate.breaker.transitions"), "to", "open"); got != 1 {
		t.Errorf("open transitions = %d, want 1", got)
	}
	if findMetric(rm, "infergate.retry.delay_ms") == nil {
		t.Error("infergate.retry.delay_ms not recorded")
	}
	if findMetric(rm, "infergate.request.duration_ms") == nil {
		t.Error("infergate.request.duration_ms not recorded")
	}
}

func TestOutcome(t *testing.T) {
	if outcome(nil) != "ok" {
		t.Errorf("outcome(nil) = %q", outcome(nil))
	}
	if got := outcome(fault.Timeout("openai", context.DeadlineExceeded)); got != "timeout" {
		t.Errorf("outcome(timeout) = %q", got)
	}
}
