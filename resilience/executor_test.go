package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonwraymond/infergate/fault"
)

func TestNewExecutor(t *testing.T) {
	e := NewExecutor("p")

	if e.Name() != "p" {
		t.Errorf("Name() = %q, want p", e.Name())
	}
	if e.circuitBreaker != nil || e.rateLimiter != nil || e.timeout != nil {
		t.Error("Default executor should have no patterns")
	}

	e = NewExecutor("p", WithTimeout(0))
	if e.timeout != nil {
		t.Error("WithTimeout(0) should leave attempts unbounded")
	}
}

func TestExecutor_ClassifiesErrors(t *testing.T) {
	e := NewExecutor("p")

	err := e.Execute(context.Background(), func(context.Context) error {
		return errors.New("connection reset")
	})

	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("Execute() error = %v, want *fault.Error", err)
	}
	if fe.Kind != fault.KindProvider || fe.Provider != "p" || fe.Status != 0 {
		t.Errorf("Execute() error = %+v, want connection-level provider error", fe)
	}
}

func TestExecutor_TimeoutCountsAgainstBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "p", MaxFailures: 1, ResetTimeout: time.Minute})
	e := NewExecutor("p", WithCircuitBreaker(cb), WithTimeout(10*time.Millisecond))

	release := make(chan struct{})
	defer close(release)

	err := e.Execute(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	if !errors.Is(err, fault.ErrTimeout) {
		t.Errorf("Execute() error = %v, want ErrTimeout", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("State = %v, want open", cb.State())
	}

	called := false
	err = e.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("operation called while circuit open")
	}
	if !errors.Is(err, fault.ErrCircuitOpen) {
		t.Errorf("Execute() error = %v, want ErrCircuitOpen", err)
	}
}

func TestExecutor_RateLimiterWaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 0.01, Burst: 1})
	rl.Allow()
	e := NewExecutor("p", WithRateLimiter(rl))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := e.Execute(ctx, func(context.Context) error {
		t.Error("operation should not run")
		return nil
	})

	if !errors.Is(err, fault.ErrTimeout) {
		t.Errorf("Execute() error = %v, want ErrTimeout", err)
	}
}
