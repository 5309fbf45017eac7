package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed classification of tool call failures. Every failed
// call maps to exactly one Kind; the dispatcher is the single assignment
// point, classifying handler errors with [KindOf].
type Kind string

const (
	// KindValidation means the arguments were rejected by the tool's
	// schema, or the request itself was malformed.
	KindValidation Kind = "VALIDATION"

	// KindNotFound means the tool ID is unknown or the tool is not enabled
	// for the requesting mode.
	KindNotFound Kind = "NOT_FOUND"

	// KindSessionInactive means a declared session-state precondition does
	// not hold (e.g. ending a voice session that never started).
	KindSessionInactive Kind = "SESSION_INACTIVE"

	// KindRateLimit means an upstream dependency throttled the call.
	KindRateLimit Kind = "RATE_LIMIT"

	// KindTransient means a temporary failure (timeout, connectivity) that
	// a later attempt may clear.
	KindTransient Kind = "TRANSIENT"

	// KindLoopDetected means the loop detector blocked the call or
	// converted its result after repeated identical or fruitless calls.
	KindLoopDetected Kind = "LOOP_DETECTED"

	// KindBudgetExceeded means the session's per-turn call budget is
	// exhausted.
	KindBudgetExceeded Kind = "BUDGET_EXCEEDED"

	// KindInternal means a handler panic, a serialisation failure or any
	// error the taxonomy cannot classify more precisely.
	KindInternal Kind = "INTERNAL"
)

// IsValid reports whether k is a recognised error kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindValidation, KindNotFound, KindSessionInactive, KindRateLimit,
		KindTransient, KindLoopDetected, KindBudgetExceeded, KindInternal:
		return true
	}
	return false
}

// Retryable reports whether an immediate retry of the same call can
// plausibly succeed. Only RATE_LIMIT and TRANSIENT qualify. The engine
// never retries on its own; this flag is advice to the caller.
func (k Kind) Retryable() bool {
	return k == KindRateLimit || k == KindTransient
}

// CallError is a classified tool call failure. Handlers may return one to
// pre-classify an error; the dispatcher passes the kind through unchanged.
type CallError struct {
	// Kind is the taxonomy classification.
	Kind Kind

	// Message is the agent-facing description. For VALIDATION and
	// LOOP_DETECTED failures it is coaching-grade: it names what the agent
	// should change.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying cause for [errors.Is] and [errors.As].
func (e *CallError) Unwrap() error { return e.Err }

// Errorf builds a [*CallError] with a formatted message.
func Errorf(kind Kind, format string, args ...any) *CallError {
	return &CallError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under the given kind, keeping it as the
// unwrappable cause.
func WrapError(kind Kind, err error) *CallError {
	return &CallError{Kind: kind, Err: err}
}

// Substrings that identify throttling responses from upstream providers.
var rateLimitHints = []string{
	"rate limit",
	"rate-limit",
	"too many requests",
	"429",
	"quota",
}

// Substrings that identify temporary infrastructure failures.
var transientHints = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"temporarily",
	"temporary failure",
	"unavailable",
	"503",
	"502",
}

// KindOf classifies an arbitrary error into the taxonomy. A [*CallError]
// keeps its own kind; context cancellation and deadline expiry are
// TRANSIENT; well-known throttling and connectivity messages map to
// RATE_LIMIT and TRANSIENT; everything else is INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range rateLimitHints {
		if strings.Contains(msg, hint) {
			return KindRateLimit
		}
	}
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return KindTransient
		}
	}
	return KindInternal
}
