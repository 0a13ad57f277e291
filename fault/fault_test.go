package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIs_ComparesKind(t *testing.T) {
	err := CircuitOpen("openai")

	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("errors.Is(CircuitOpen, ErrCircuitOpen) = false, want true")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(CircuitOpen, ErrTimeout) = true, want false")
	}
}

func TestErrorIs_WalksChain(t *testing.T) {
	err := Deferred("item-1", CircuitOpen("openai"))
	wrapped := fmt.Errorf("submit: %w", err)

	if !errors.Is(wrapped, ErrDeferred) {
		t.Error("wrapped deferred should match ErrDeferred")
	}
	if !errors.Is(wrapped, ErrCircuitOpen) {
		t.Error("deferred cause should match ErrCircuitOpen")
	}
	if KindOf(wrapped) != KindDeferred {
		t.Errorf("KindOf() = %v, want deferred", KindOf(wrapped))
	}
}

func TestErrorMessage(t *testing.T) {
	err := WithAttempts(Provider("anthropic", 503, errors.New("unavailable")), 3)

	msg := err.Error()
	for _, want := range []string{"provider", "[anthropic]", "status=503", "unavailable", "after 3 attempt"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestWithAttempts_DoesNotMutate(t *testing.T) {
	orig := Timeout("p", nil)
	annotated := WithAttempts(orig, 4)

	if orig.Attempts != 0 {
		t.Errorf("original Attempts = %d, want 0", orig.Attempts)
	}
	var fe *Error
	if !errors.As(annotated, &fe) || fe.Attempts != 4 {
		t.Errorf("annotated Attempts = %v, want 4", fe)
	}

	plain := errors.New("plain")
	if WithAttempts(plain, 2) != plain {
		t.Error("WithAttempts should return non-fault errors unchanged")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindCancelled},
		{"connection", errors.New("connection refused"), KindProvider},
		{"typed", Validation("bad payload"), KindValidation},
		{"net timeout", timeoutErr{}, KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("openai", tt.err)
			if KindOf(got) != tt.want {
				t.Errorf("Classify() kind = %v, want %v", KindOf(got), tt.want)
			}
			var fe *Error
			if errors.As(got, &fe) && fe.Provider != "openai" {
				t.Errorf("Classify() provider = %q, want openai", fe.Provider)
			}
		})
	}

	if Classify("p", nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", Timeout("p", nil), true},
		{"connection", Provider("p", 0, errors.New("reset")), true},
		{"429", Provider("p", 429, nil), true},
		{"500", Provider("p", 500, nil), true},
		{"503", Provider("p", 503, nil), true},
		{"400", Provider("p", 400, nil), false},
		{"401", Provider("p", 401, nil), false},
		{"validation", Validation("x"), false},
		{"circuit open", CircuitOpen("p"), false},
		{"queue full", QueueFull("full"), false},
		{"plain", errors.New("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
			if got := BreakerFailure(tt.err); got != tt.want {
				t.Errorf("BreakerFailure() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"success", nil, true},
		{"validation", Validation("x"), true},
		{"400", Provider("p", 400, nil), true},
		{"503", Provider("p", 503, nil), false},
		{"timeout", Timeout("p", nil), false},
		{"circuit open", CircuitOpen("p"), false},
		{"queue full", QueueFull("full"), false},
		{"offline", Offline(nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Terminal(tt.err); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
