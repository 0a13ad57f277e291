package config

import (
	"strings"
	"testing"
)

func TestExpandEnvStrict(t *testing.T) {
	t.Setenv("INFERGATE_TEST_KEY", "sk-123")
	t.Setenv("INFERGATE_TEST_HOST", "api.example.com")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"braced", "Bearer ${INFERGATE_TEST_KEY}", "Bearer sk-123"},
		{"bare", "https://$INFERGATE_TEST_HOST/v1", "https://api.example.com/v1"},
		{"dollar escape", "$$${INFERGATE_TEST_KEY}", "$sk-123"},
		{"no references", "plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnvStrict(tt.in)
			if err != nil {
				t.Fatalf("ExpandEnvStrict() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ExpandEnvStrict() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExpandEnvStrict_MissingVars(t *testing.T) {
	t.Setenv("INFERGATE_TEST_PRESENT", "ok")

	_, err := ExpandEnvStrict("${INFERGATE_TEST_PRESENT} ${INFERGATE_TEST_B} ${INFERGATE_TEST_A} ${INFERGATE_TEST_B}")
	if err == nil {
		t.Fatal("expected error for missing variables")
	}
	if !strings.Contains(err.Error(), "INFERGATE_TEST_A, INFERGATE_TEST_B") {
		t.Errorf("error = %v, want sorted unique names", err)
	}
}
