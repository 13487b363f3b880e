package rlm

import "fmt"

// ErrorKind identifies which branch of the error taxonomy a failure belongs
// to. Kinds are used instead of distinct Go types so that callers can switch
// on a stable string without importing a family of sentinel types.
type ErrorKind string

const (
	// ErrProtocol covers an assistant turn that cannot be parsed, a helper
	// call with a malformed request, or a reserved REPLState key shadowed in
	// a way that breaks the loop.
	ErrProtocol ErrorKind = "protocol_error"

	// ErrUserCode covers an exception raised while executing a code block.
	// Non-fatal: it is reported back to the model as part of the REPLResult.
	ErrUserCode ErrorKind = "user_code_error"

	// ErrHelperCall covers a sub-LM helper that could not complete: transport
	// failure, timeout, tool-loop exceeded, broker unreachable. Non-fatal to
	// the loop, fatal to that one helper call.
	ErrHelperCall ErrorKind = "helper_call_error"

	// ErrProvider covers an irrecoverable provider-side failure reported by
	// an LM Client.
	ErrProvider ErrorKind = "provider_error"

	// ErrBudgetExceeded covers a per-depth time or iteration cap reached. It
	// is surfaced as an explicit controller branch rather than an error
	// return in most call sites, but is still representable here for
	// propagation through helper calls.
	ErrBudgetExceeded ErrorKind = "budget_exceeded"

	// ErrFatalEnvironment covers an Environment that cannot be initialized
	// or whose cleanup fails unrecoverably. Terminates the completion.
	ErrFatalEnvironment ErrorKind = "fatal_environment_error"

	// ErrMissingToolHandler is the specific HelperCallError kind raised when
	// a helper call supplies tools but no tool_handler.
	ErrMissingToolHandler ErrorKind = "missing_tool_handler"

	// ErrToolLoopExceeded is the specific HelperCallError kind raised when a
	// tool-call loop inside a helper call exceeds its iteration cap.
	ErrToolLoopExceeded ErrorKind = "tool_loop_exceeded"

	// ErrCanceled marks a helper call that was canceled via context before
	// completing.
	ErrCanceled ErrorKind = "canceled"

	// ErrTimeout marks a helper call or provider call that exceeded its
	// per-depth time budget.
	ErrTimeout ErrorKind = "timeout"
)

// RLMError wraps an ErrorKind with a human-readable message and an optional
// underlying cause, so callers can both branch on Kind and use errors.Is/As
// against the wrapped cause.
type RLMError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *RLMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RLMError) Unwrap() error { return e.Cause }

// NewError builds an *RLMError of the given kind.
func NewError(kind ErrorKind, message string, cause error) *RLMError {
	return &RLMError{Kind: kind, Message: message, Cause: cause}
}

// IsFatal reports whether an error kind terminates the whole completion as
// opposed to being recovered locally and echoed back into the transcript.
func IsFatal(kind ErrorKind) bool {
	return kind == ErrFatalEnvironment
}
