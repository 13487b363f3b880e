// Package sandbox implements repl.Environment for a subprocess-backed REPL:
// a long-lived child process (cmd/rlm-worker) owns its own jsvm.Runtime and
// exchanges newline-delimited JSON requests/responses with this package over
// its stdin/stdout, generalizing
// intelligencedev-manifold/internal/codeeval/codeeval.go's one-shot
// exec.Command-plus-captured-buffers pattern to a persistent worker the
// Controller drives across many ExecuteCode calls instead of spawning one
// process per call.
package sandbox

// op names the control operation a wireRequest carries. One op maps to
// exactly one repl.Environment method.
type op string

const (
	opSetup                op = "setup"
	opExecuteCode          op = "execute_code"
	opLoadContext          op = "load_context"
	opSetCompletionContext op = "set_completion_context"
	opAddSessionContext    op = "add_session_context"
	opAddHistory           op = "add_history"
	opUpdateHandlerAddress op = "update_handler_address"
	opCleanup              op = "cleanup"
	opSnapshot             op = "snapshot"
)

// wireRequest is one newline-delimited JSON line sent host -> worker.
type wireRequest struct {
	Op        op            `json:"op"`
	SetupCode string        `json:"setup_code,omitempty"`
	Depth     int           `json:"depth,omitempty"`
	Src       string        `json:"src,omitempty"`
	Payload   string        `json:"payload,omitempty"`
	Session   bool          `json:"session,omitempty"`
	Messages  []wireMessage `json:"messages,omitempty"`
	Host      string        `json:"host,omitempty"`
	Port      int           `json:"port,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wireResponse is one newline-delimited JSON line sent worker -> host, in
// reply to exactly one wireRequest.
type wireResponse struct {
	Error    string          `json:"error,omitempty"`
	Index    int             `json:"index,omitempty"`
	Result   *wireREPLResult `json:"result,omitempty"`
	Snapshot map[string]any  `json:"snapshot,omitempty"`
}

type wireREPLResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Value     string `json:"value,omitempty"`
	HasValue  bool   `json:"has_value,omitempty"`
	Final     string `json:"final,omitempty"`
	HasFinal  bool   `json:"has_final,omitempty"`
	Error     string `json:"result_error,omitempty"`
	ErrorText string `json:"result_error_text,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}
