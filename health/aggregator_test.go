package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func fixed(r Result) Checker {
	return Named("fixed", func(context.Context) Result { return r })
}

func TestNewAggregator_Defaults(t *testing.T) {
	agg := NewAggregator()
	if agg.config.Timeout != 10*time.Second || !agg.config.Parallel {
		t.Errorf("defaults = %+v, want 10s parallel", agg.config)
	}

	agg = NewAggregator(AggregatorConfig{Parallel: false})
	if agg.config.Timeout != 10*time.Second || agg.config.Parallel {
		t.Errorf("config = %+v, want 10s sequential", agg.config)
	}
}

func TestAggregator_RegisterOrderAndReplace(t *testing.T) {
	agg := NewAggregator()
	agg.Register("providers", fixed(Healthy("first")))
	agg.Register("queue", fixed(Healthy("ok")))
	agg.Register("providers", fixed(Healthy("second")))

	names := agg.CheckerNames()
	if len(names) != 2 || names[0] != "providers" || names[1] != "queue" {
		t.Fatalf("CheckerNames() = %v", names)
	}
	if r, _ := agg.Check(context.Background(), "providers"); r.Message != "second" {
		t.Errorf("Message = %v, want 'second' (replacement)", r.Message)
	}

	agg.Unregister("providers")
	if names := agg.CheckerNames(); len(names) != 1 || names[0] != "queue" {
		t.Errorf("after Unregister = %v", names)
	}
	if _, err := agg.Check(context.Background(), "providers"); err != ErrCheckerNotFound {
		t.Errorf("Check() error = %v, want ErrCheckerNotFound", err)
	}
}

func TestAggregator_CheckAll(t *testing.T) {
	for _, parallel := range []bool{true, false} {
		agg := NewAggregator(AggregatorConfig{Parallel: parallel})
		agg.Register("providers", fixed(Healthy("ok")))
		agg.Register("backlog", fixed(Degraded("offline")))

		results := agg.CheckAll(context.Background())
		if len(results) != 2 {
			t.Fatalf("parallel=%v: %d results, want 2", parallel, len(results))
		}
		if results["backlog"].Status != StatusDegraded {
			t.Errorf("parallel=%v: backlog = %v, want degraded", parallel, results["backlog"].Status)
		}
		if results["providers"].Duration < 0 || results["providers"].Timestamp.IsZero() {
			t.Errorf("parallel=%v: timing not filled in", parallel)
		}
	}

	if n := len(NewAggregator().CheckAll(context.Background())); n != 0 {
		t.Errorf("empty aggregator returned %d results", n)
	}
}

func TestAggregator_ChecksRunConcurrently(t *testing.T) {
	agg := NewAggregator()
	var inflight, peak atomic.Int32
	slow := Named("slow", func(context.Context) Result {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inflight.Add(-1)
		return Healthy("ok")
	})
	agg.Register("a", slow)
	agg.Register("b", slow)
	agg.Register("c", slow)

	agg.CheckAll(context.Background())
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want parallel checks", peak.Load())
	}
}

func TestAggregator_CheckAllTimeout(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Timeout: 50 * time.Millisecond, Parallel: true})
	agg.Register("slow", Named("slow", func(context.Context) Result {
		time.Sleep(200 * time.Millisecond)
		return Healthy("ok")
	}))

	r := agg.CheckAll(context.Background())["slow"]
	if r.Status != StatusUnhealthy || r.Error != ErrCheckTimeout {
		t.Errorf("slow = %v/%v, want unhealthy/ErrCheckTimeout", r.Status, r.Error)
	}
}

func TestAggregator_OverallStatus(t *testing.T) {
	agg := NewAggregator()

	tests := []struct {
		name    string
		results map[string]Result
		want    Status
	}{
		{"empty", map[string]Result{}, StatusHealthy},
		{"all healthy", map[string]Result{"a": Healthy("ok"), "b": Healthy("ok")}, StatusHealthy},
		{"one degraded", map[string]Result{"a": Healthy("ok"), "b": Degraded("slow")}, StatusDegraded},
		{"unhealthy overrides degraded", map[string]Result{"a": Degraded("slow"), "b": Unhealthy("down", nil)}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := agg.OverallStatus(tt.results); got != tt.want {
				t.Errorf("OverallStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAggregator_Checker(t *testing.T) {
	agg := NewAggregator()
	agg.Register("providers", fixed(Unhealthy("all open", ErrCheckFailed)))

	checker := agg.Checker()
	if checker.Name() != "aggregate" {
		t.Errorf("Name() = %v, want 'aggregate'", checker.Name())
	}

	r := checker.Check(context.Background())
	if r.Status != StatusUnhealthy || r.Message != "some checks failed" {
		t.Errorf("Check() = %v %q", r.Status, r.Message)
	}
	if _, ok := r.Details["providers"]; !ok {
		t.Error("Details should include each check")
	}
}
