package tool_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/toolgate/pkg/tool"
)

func TestKindRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind tool.Kind
		want bool
	}{
		{tool.KindValidation, false},
		{tool.KindNotFound, false},
		{tool.KindSessionInactive, false},
		{tool.KindRateLimit, true},
		{tool.KindTransient, true},
		{tool.KindLoopDetected, false},
		{tool.KindBudgetExceeded, false},
		{tool.KindInternal, false},
	}
	for _, tc := range tests {
		if got := tc.kind.Retryable(); got != tc.want {
			t.Errorf("%s.Retryable() = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestKindIsValid(t *testing.T) {
	t.Parallel()

	valid := []tool.Kind{
		tool.KindValidation, tool.KindNotFound, tool.KindSessionInactive,
		tool.KindRateLimit, tool.KindTransient, tool.KindLoopDetected,
		tool.KindBudgetExceeded, tool.KindInternal,
	}
	for _, k := range valid {
		if !k.IsValid() {
			t.Errorf("%s.IsValid() = false, want true", k)
		}
	}
	for _, k := range []tool.Kind{"", "validation", "TIMEOUT", "OOPS"} {
		if k.IsValid() {
			t.Errorf("%q.IsValid() = true, want false", k)
		}
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want tool.Kind
	}{
		{"nil error", nil, tool.KindInternal},
		{"call error passthrough", tool.Errorf(tool.KindBudgetExceeded, "spent"), tool.KindBudgetExceeded},
		{"wrapped call error", fmt.Errorf("dispatch: %w", tool.Errorf(tool.KindLoopDetected, "loop")), tool.KindLoopDetected},
		{"deadline exceeded", context.DeadlineExceeded, tool.KindTransient},
		{"canceled", context.Canceled, tool.KindTransient},
		{"http 429", errors.New("upstream returned 429 Too Many Requests"), tool.KindRateLimit},
		{"quota message", errors.New("monthly quota exhausted for model"), tool.KindRateLimit},
		{"rate limit message", errors.New("openai: rate limit reached"), tool.KindRateLimit},
		{"connection refused", errors.New("dial tcp 10.0.0.3:5432: connection refused"), tool.KindTransient},
		{"timed out", errors.New("request timed out after 5s"), tool.KindTransient},
		{"service unavailable", errors.New("503 service unavailable"), tool.KindTransient},
		{"plain failure", errors.New("index out of range"), tool.KindInternal},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tool.KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestCallErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("socket closed")
	err := tool.WrapError(tool.KindTransient, cause)

	if !errors.Is(err, cause) {
		t.Fatal("errors.Is: expected wrapped cause to match")
	}
	var ce *tool.CallError
	if !errors.As(err, &ce) {
		t.Fatal("errors.As: expected *CallError")
	}
	if ce.Kind != tool.KindTransient {
		t.Fatalf("Kind = %s, want %s", ce.Kind, tool.KindTransient)
	}
}

func TestCallErrorMessage(t *testing.T) {
	t.Parallel()

	t.Run("message only", func(t *testing.T) {
		t.Parallel()
		err := tool.Errorf(tool.KindValidation, "field %q must be a string", "query")
		want := `VALIDATION: field "query" must be a string`
		if err.Error() != want {
			t.Fatalf("Error() = %q, want %q", err.Error(), want)
		}
	})

	t.Run("cause only", func(t *testing.T) {
		t.Parallel()
		err := tool.WrapError(tool.KindInternal, errors.New("boom"))
		want := "INTERNAL: boom"
		if err.Error() != want {
			t.Fatalf("Error() = %q, want %q", err.Error(), want)
		}
	})

	t.Run("message and cause", func(t *testing.T) {
		t.Parallel()
		err := &tool.CallError{Kind: tool.KindTransient, Message: "store query", Err: errors.New("conn reset")}
		want := "TRANSIENT: store query: conn reset"
		if err.Error() != want {
			t.Fatalf("Error() = %q, want %q", err.Error(), want)
		}
	})
}
