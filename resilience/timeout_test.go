package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonwraymond/infergate/fault"
)

func TestNewTimeout_Defaults(t *testing.T) {
	timeout := NewTimeout(TimeoutConfig{})

	if timeout.Config().Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", timeout.Config().Timeout)
	}
}

func TestTimeout_ExecuteError(t *testing.T) {
	timeout := NewTimeout(TimeoutConfig{Timeout: time.Second})

	testErr := errors.New("test error")
	err := timeout.Execute(context.Background(), func(ctx context.Context) error {
		return testErr
	})

	if err != testErr {
		t.Errorf("Execute() error = %v, want %v", err, testErr)
	}
}

func TestTimeout_ReturnsEvenIfOperationIgnoresContext(t *testing.T) {
	timeout := NewTimeout(TimeoutConfig{Name: "slow", Timeout: 10 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := timeout.Execute(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})

	if !errors.Is(err, fault.ErrTimeout) {
		t.Errorf("Execute() error = %v, want ErrTimeout", err)
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Provider != "slow" {
		t.Errorf("Provider = %q, want slow", fe.Provider)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Execute() took %v, want about 10ms", elapsed)
	}
}

func TestTimeout_ParentCancelled(t *testing.T) {
	timeout := NewTimeout(TimeoutConfig{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := timeout.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() error = %v, want Canceled", err)
	}
}
