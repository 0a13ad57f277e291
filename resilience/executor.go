package resilience

import (
	"context"
	"time"

	"github.com/jonwraymond/infergate/fault"
)

// Executor runs a single provider attempt through the configured patterns.
// Retries are scheduled by the caller; the executor never loops.
type Executor struct {
	name           string
	circuitBreaker *CircuitBreaker
	rateLimiter    *RateLimiter
	timeout        *Timeout
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates an executor for the named provider.
func NewExecutor(name string, opts ...ExecutorOption) *Executor {
	e := &Executor{name: name}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithCircuitBreaker gates attempts on cb and records their outcome.
func WithCircuitBreaker(cb *CircuitBreaker) ExecutorOption {
	return func(e *Executor) {
		e.circuitBreaker = cb
	}
}

// WithRateLimiter waits for a token before each attempt.
func WithRateLimiter(rl *RateLimiter) ExecutorOption {
	return func(e *Executor) {
		e.rateLimiter = rl
	}
}

// WithTimeout bounds each attempt. Zero or negative leaves attempts unbounded.
func WithTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		if timeout > 0 {
			e.timeout = NewTimeout(TimeoutConfig{Name: e.name, Timeout: timeout})
		}
	}
}

// Name returns the provider name.
func (e *Executor) Name() string { return e.name }

// Breaker returns the configured circuit breaker, or nil.
func (e *Executor) Breaker() *CircuitBreaker { return e.circuitBreaker }

// Execute runs one attempt of op.
//
// The order is:
// 1. Rate Limiter (if configured) - waits for a token
// 2. Circuit Breaker (if configured) - checked after the wait, so a breaker
// that opened meanwhile still fails fast
// 3. Timeout (if configured) - bounds the call
//
// The returned error is normalized with fault.Classify before it reaches
// the breaker.
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error) error {
	if e.rateLimiter != nil {
		if err := e.rateLimiter.Wait(ctx); err != nil {
			return fault.Classify(e.name, err)
		}
	}

	if e.circuitBreaker != nil {
		if err := e.circuitBreaker.Allow(); err != nil {
			return err
		}
	}

	var err error
	if e.timeout != nil {
		err = e.timeout.Execute(ctx, op)
	} else {
		err = op(ctx)
	}
	err = fault.Classify(e.name, err)

	if e.circuitBreaker != nil {
		e.circuitBreaker.Record(err)
	}
	return err
}
