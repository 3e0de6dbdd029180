// Package fault defines the closed error taxonomy that drives routing in
// the step graph. Failures are values, not control flow: collaborators
// return an *ErrorRecord and the engine routes on Kind without re-parsing
// messages.
package fault

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// Kind identifies a failure class with a fixed retry disposition.
type Kind string

const (
	// ToolFailure means a tool invocation returned failure.
	ToolFailure Kind = "tool_failure"

	// ActionFailure means an input action did not take effect.
	ActionFailure Kind = "action_failure"

	// PerceptionFailure means screen capture or analysis was unavailable
	// or unparsable.
	PerceptionFailure Kind = "perception_failure"

	// ModelFailure means an LLM call failed (network, 5xx, timeout).
	// Retryability follows the transient heuristic, see Transient.
	ModelFailure Kind = "model_failure"

	// PlanningFailure means the planner could not produce a usable
	// decomposition. Never retried locally; escalates.
	PlanningFailure Kind = "planning_failure"

	// VerificationFailure means post-action verification rejected the new
	// state.
	VerificationFailure Kind = "verification_failure"

	// CancelRequested means cooperative cancellation was observed.
	CancelRequested Kind = "cancel_requested"

	// BudgetExhausted means the step limit, attempt limit, or time budget
	// was exceeded.
	BudgetExhausted Kind = "budget_exhausted"

	// PolicyViolation means an action outside the allowed set was
	// attempted, e.g. launching an app not on the allowlist.
	PolicyViolation Kind = "policy_violation"
)

// Record is a typed failure value. It implements error so it can flow
// through normal return paths and be recovered with errors.As.
type Record struct {
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context,omitempty"`
}

// New creates a Record with the default retry disposition for its kind.
func New(kind Kind, message string) *Record {
	return &Record{
		Kind:      kind,
		Message:   message,
		Retryable: defaultRetryable(kind),
	}
}

// Newf creates a Record with a formatted message.
func Newf(kind Kind, format string, args ...any) *Record {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithContext attaches a context key to the record and returns it.
func (r *Record) WithContext(key string, value any) *Record {
	if r.Context == nil {
		r.Context = make(map[string]any)
	}
	r.Context[key] = value
	return r
}

// NotRetryable overrides the default disposition and returns the record.
func (r *Record) NotRetryable() *Record {
	r.Retryable = false
	return r
}

func (r *Record) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// Terminal reports whether the record must surface immediately rather than
// enter local recovery.
func (r *Record) Terminal() bool {
	switch r.Kind {
	case PlanningFailure, PolicyViolation, BudgetExhausted, CancelRequested:
		return true
	}
	return !r.Retryable
}

// defaultRetryable is the fixed disposition table from the taxonomy.
// ModelFailure defaults to retryable; callers with HTTP status information
// should use FromModelError instead.
func defaultRetryable(kind Kind) bool {
	switch kind {
	case ToolFailure, ActionFailure, PerceptionFailure, ModelFailure, VerificationFailure:
		return true
	default:
		return false
	}
}

// As extracts a *Record from an error chain. A plain error yields nil and
// ok=false; callers wrap unknown errors with Wrap before routing.
func As(err error) (*Record, bool) {
	var rec *Record
	if errors.As(err, &rec) {
		return rec, true
	}
	return nil, false
}

// Wrap coerces an arbitrary error into a Record of the given kind,
// preserving an existing Record unchanged. Context cancellation maps to
// CancelRequested and deadline expiry to the given kind (deadlines on
// collaborator calls are per-step budgets, so the failed call is what
// exceeded them).
func Wrap(kind Kind, err error) *Record {
	if err == nil {
		return nil
	}
	if rec, ok := As(err); ok {
		return rec
	}
	if errors.Is(err, context.Canceled) {
		return New(CancelRequested, err.Error())
	}
	return New(kind, err.Error())
}

// Transient implements the transient heuristic for model failures:
// network timeouts, connection resets, and HTTP status >= 500 or 429 are
// retryable; other 4xx statuses are not.
func Transient(statusCode int, err error) bool {
	if statusCode >= 500 || statusCode == 429 {
		return true
	}
	if statusCode >= 400 {
		return false
	}
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// FromModelError builds a ModelFailure record whose retryability follows
// the transient heuristic for the given HTTP status (0 when unknown).
func FromModelError(statusCode int, err error) *Record {
	rec := New(ModelFailure, err.Error())
	rec.Retryable = Transient(statusCode, err)
	if statusCode != 0 {
		rec.WithContext("status_code", statusCode)
	}
	return rec
}
