package health

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AggregatorConfig configures the health aggregator.
type AggregatorConfig struct {
	// Timeout bounds one round of checks.
	// Default: 10s
	Timeout time.Duration

	// Parallel runs checks concurrently.
	// Default: true
	Parallel bool
}

type entry struct {
	name    string
	checker Checker
}

// Aggregator runs a set of named checkers and folds their results.
type Aggregator struct {
	config AggregatorConfig

	mu      sync.RWMutex
	entries []entry
}

// NewAggregator creates an Aggregator. Without a config it runs checks in
// parallel under a 10s budget.
func NewAggregator(config ...AggregatorConfig) *Aggregator {
	cfg := AggregatorConfig{Parallel: true}
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Aggregator{config: cfg}
}

// Register adds checker under name. Re-registering a name replaces the
// checker in place.
func (a *Aggregator) Register(name string, checker Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i := a.indexLocked(name); i >= 0 {
		a.entries[i].checker = checker
		return
	}
	a.entries = append(a.entries, entry{name: name, checker: checker})
}

// Unregister removes the checker registered under name.
func (a *Aggregator) Unregister(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = slices.DeleteFunc(a.entries, func(e entry) bool { return e.name == name })
}

// CheckerNames returns the registered names in registration order.
func (a *Aggregator) CheckerNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, len(a.entries))
	for i, e := range a.entries {
		names[i] = e.name
	}
	return names
}

func (a *Aggregator) indexLocked(name string) int {
	return slices.IndexFunc(a.entries, func(e entry) bool { return e.name == name })
}

func (a *Aggregator) snapshot() []entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.entries)
}

// Check runs the checker registered under name.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	i := a.indexLocked(name)
	var c Checker
	if i >= 0 {
		c = a.entries[i].checker
	}
	a.mu.RUnlock()

	if c == nil {
		return Result{}, ErrCheckerNotFound
	}
	return a.runCheck(ctx, c), nil
}

// CheckAll runs every checker once and returns the results by name.
func (a *Aggregator) CheckAll(ctx context.Context) map[string]Result {
	entries := a.snapshot()
	results := make(map[string]Result, len(entries))
	if len(entries) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	out := make([]Result, len(entries))
	if a.config.Parallel {
		// Failures live in each Result, so the group itself never errors.
		var g errgroup.Group
		for i, e := range entries {
			g.Go(func() error {
				out[i] = a.runCheck(ctx, e.checker)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, e := range entries {
			out[i] = a.runCheck(ctx, e.checker)
		}
	}

	for i, e := range entries {
		results[e.name] = out[i]
	}
	return results
}

// OverallStatus returns the worst status in results. An empty set is healthy.
func (a *Aggregator) OverallStatus(results map[string]Result) Status {
	overall := StatusHealthy
	for _, result := range results {
		overall = overall.Worst(result.Status)
	}
	return overall
}

// runCheck returns as soon as ctx ends even if the checker blocks.
func (a *Aggregator) runCheck(ctx context.Context, checker Checker) Result {
	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		r := checker.Check(ctx)
		if r.Timestamp.IsZero() {
			r.Timestamp = start
		}
		done <- r.WithDuration(time.Since(start))
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		r := Unhealthy("check timed out", ErrCheckTimeout).WithDuration(time.Since(start))
		r.Timestamp = start
		return r
	}
}

// Checker exposes the aggregator as one composite Checker named
// "aggregate".
func (a *Aggregator) Checker() Checker {
	return Named("aggregate", func(ctx context.Context) Result {
		results := a.CheckAll(ctx)
		status := a.OverallStatus(results)

		details := make(map[string]any, len(results))
		for name, r := range results {
			details[name] = map[string]any{
				"status":   r.Status.String(),
				"message":  r.Message,
				"duration": r.Duration.String(),
			}
		}

		msg := "all checks passed"
		switch status {
		case StatusDegraded:
			msg = "some checks degraded"
		case StatusUnhealthy:
			msg = "some checks failed"
		}
		return newResult(status, msg, nil).WithDetails(details)
	})
}
