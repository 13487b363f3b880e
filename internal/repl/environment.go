// Package repl defines the REPL execution contract shared by every concrete
// Environment implementation: a stable, reusable namespace that runs
// generated code, injects the sub-LM helpers and terminal marker, and
// captures output under a byte cap.
package repl

import "context"

// OutputCap is the byte cap applied uniformly to captured stdout, stderr,
// value, and FINAL_VAR's resolved text. Exceeding it truncates the field and
// sets Truncated.
const OutputCap = 64 * 1024

// ErrorKind mirrors rlm.ErrorKind without importing the rlm package, keeping
// this package free of a dependency cycle (rlm depends on repl, not vice
// versa). The string values are shared with rlm.ErrorKind by convention.
type ErrorKind string

// REPLResult is the outcome of one execute_code call.
type REPLResult struct {
	Stdout    string
	Stderr    string
	Value     string
	HasValue  bool
	Final     string
	HasFinal  bool
	Error     ErrorKind
	ErrorText string
	Truncated bool
}

// REPLState is the persistent namespace an Environment owns across the
// iterations of a single completion. Reserved keys are set only by the
// controller/environment, never by user code: CompletionContext,
// SessionContext, ContextHistory, SessionHistory.
type REPLState struct {
	// CompletionContext is overwritten on every load_context / set_completion_context call.
	CompletionContext string
	// SessionContext holds session_context_0..n-1, appended-only, never rewritten.
	SessionContext []string
	// ContextHistory mirrors SessionContext for persisted-session snapshots.
	ContextHistory []string
	// SessionHistory holds add_history payloads, appended-only.
	SessionHistory [][]Message
	// Bindings holds user-defined variables for Snapshot. jsvm.Runtime does
	// not fill it: user variables live only in the goja VM's globals.
	Bindings map[string]any
}

// Message is a minimal role/content pair mirroring rlm.Message, duplicated
// here (rather than imported) to keep this package independent of rlm.
type Message struct {
	Role    string
	Content string
}

// SubLMFunc is the callback an Environment invokes when injected code calls
// llm_query / llm_query_batched. The controller/handler supplies this
// function; the Environment never talks to the LM Handler transport
// directly — it only knows how to call this closure (in-process) or POST to
// a broker that eventually reaches it (sandbox-backed).
type SubLMFunc func(ctx context.Context, req LMRequest) LMResponse

// LMRequest/LMResponse are the one wire shape crossing the boundary between
// the Iteration Controller, the Environment, and an llmclient.Client — there
// is no separate rlm-package copy for the controller to convert to or from.
type LMRequest struct {
	Prompt         string         `json:"prompt,omitempty"`
	Messages       []Message      `json:"messages,omitempty"`
	Model          string         `json:"model,omitempty"`
	Depth          int            `json:"depth"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Tools          []ToolSchema   `json:"tools,omitempty"`
	// ExtraKwargs carries provider-specific kwargs opaquely from llm_query's
	// JS-facing opts object through to the concrete llmclient.Client, which
	// forwards them to the provider SDK without interpreting them.
	ExtraKwargs   map[string]any `json:"extra_kwargs,omitempty"`
	Recursive     bool           `json:"recursive,omitempty"`
	Budget        int            `json:"budget,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// ToolSchema describes one tool exposed to an LM call's tool-calling loop.
// tool_handler itself stays a live JS callable inside the Environment — it
// never crosses the wire, since the tool loop runs entirely inside the
// Environment per spec.md §4.2.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a single tool invocation intent a provider returned instead of
// (or alongside) a final text response.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	ID   string         `json:"id,omitempty"`
}

type LMResponse struct {
	Response  string     `json:"response"`
	Model     string     `json:"model"`
	InputTok  int        `json:"input_tokens"`
	OutputTok int        `json:"output_tokens"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Error     ErrorKind  `json:"error,omitempty"`
	ErrorText string     `json:"error_text,omitempty"`
}

// Environment is the polymorphic contract every concrete REPL execution
// backend implements.
type Environment interface {
	// Setup initializes REPLState with the safe built-in set, injects the
	// sub-LM helpers and terminal marker, creates a working directory, and
	// applies optional user setup code.
	Setup(ctx context.Context, setupCode string) error

	// ExecuteCode runs src against REPLState. Never raises to the caller;
	// exceptions are serialized into REPLResult.Error plus a formatted
	// traceback in Stderr.
	ExecuteCode(ctx context.Context, src string) (REPLResult, error)

	// LoadContext deserializes payload into REPLState's CompletionContext
	// (non-session calls) or appends the next SessionContext entry
	// (session calls), returning the new entry's index for session calls.
	LoadContext(ctx context.Context, payload string, session bool) (index int, err error)

	// SetCompletionContext overwrites REPLState.CompletionContext.
	SetCompletionContext(ctx context.Context, payload string) error

	// AddSessionContext appends a new session_context_i entry and mirrors it
	// into ContextHistory, returning its index.
	AddSessionContext(ctx context.Context, payload string) (index int, err error)

	// AddHistory appends a batch of prior messages to SessionHistory,
	// returning its index.
	AddHistory(ctx context.Context, messages []Message) (index int, err error)

	// UpdateHandlerAddress updates where injected helpers send sub-LM
	// requests. For in-process environments this is a literal (host, port);
	// for sandbox-backed environments it is the broker's (host, port).
	UpdateHandlerAddress(host string, port int) error

	// Cleanup releases sandbox resources, closes files, and tears down the
	// working directory. Safe to call on a zero-value or already-clean
	// Environment.
	Cleanup(ctx context.Context) error

	// Snapshot returns a JSON-safe view of REPLState for logging. It must
	// never include the injected helpers.
	Snapshot() map[string]any
}
