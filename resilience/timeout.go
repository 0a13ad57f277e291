package resilience

import (
	"context"
	"time"

	"github.com/jonwraymond/infergate/fault"
)

// TimeoutConfig bounds one provider call.
type TimeoutConfig struct {
	// Name labels the timeout error with the provider being called.
	Name string

	// Default: 30s
	Timeout time.Duration
}

// Timeout bounds a single attempt. Execute returns when the deadline passes
// even if the operation ignores its context; a late result is dropped.
type Timeout struct {
	config TimeoutConfig
}

// NewTimeout creates a Timeout.
func NewTimeout(config TimeoutConfig) *Timeout {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Timeout{config: config}
}

// Execute runs op under the deadline. Expiry yields a fault.ErrTimeout
// naming the provider; a cancelled parent yields the parent's error.
func (t *Timeout) Execute(ctx context.Context, op func(context.Context) error) error {
	expired := fault.Timeout(t.config.Name, context.DeadlineExceeded)
	ctx, cancel := context.WithTimeoutCause(ctx, t.config.Timeout, expired)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Config returns the timeout configuration.
func (t *Timeout) Config() TimeoutConfig {
	return t.config
}
