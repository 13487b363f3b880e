// Package jsvm implements the REPL execution contract's code-running core
// as an embedded goja VM. It is shared by internal/repl/inproc (dispatches
// sub-LM calls over the stream-channel transport) and cmd/rlm-worker (a
// separate OS process that dispatches sub-LM calls over the HTTP broker),
// so the JS-execution mechanism itself is written once.
package jsvm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"golang.org/x/sync/errgroup"

	"rlm/internal/repl"
)

// identifierPattern restricts FINAL_VAR's declarative-record fallback to
// genuine bare identifiers, so a caller can never smuggle an arbitrary
// expression through a "variable name" string.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// lookupGlobalBinding resolves name against both the Global Object, which
// holds var-declared top-level bindings and is all vm.Get sees, and the
// Global Environment's declarative record, which holds let/const bindings
// and is invisible to vm.Get. A bare-identifier script run is the only way
// goja exposes the latter.
func lookupGlobalBinding(vm *goja.Runtime, name string) goja.Value {
	if v := vm.Get(name); v != nil {
		return v
	}
	if !identifierPattern.MatchString(name) {
		return nil
	}
	v, err := vm.RunString(name)
	if err != nil {
		return nil
	}
	return v
}

// reservedKeys mirrors spec.md §3's REPLState reserved-key set. Snapshot
// leaves these names out; nothing stops user code from rebinding them in
// the VM.
var reservedKeys = map[string]struct{}{
	"completion_context": {},
	"context_history":    {},
	"session_history":    {},
	"llm_query":          {},
	"llm_query_batched":  {},
	"FINAL":              {},
	"FINAL_VAR":          {},
}

// Runtime is a goja-backed REPL execution core. It implements everything
// repl.Environment needs except UpdateHandlerAddress, which is meaningful
// only to the wrapping Environment (TCP dial target for inproc, broker URL
// for the sandbox worker).
type Runtime struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	state   repl.REPLState
	workdir string
	depth   int

	dispatch repl.SubLMFunc

	finalValue string
	finalSet   bool
}

// New constructs a Runtime at the given recursion depth. Dispatch may be set
// later via SetDispatch; until then, llm_query/llm_query_batched calls fail
// with a HelperCallError.
func New(depth int) *Runtime {
	return &Runtime{
		depth: depth,
		state: repl.REPLState{Bindings: make(map[string]any)},
	}
}

// SetDispatch installs (or replaces) the closure used to send LMRequests for
// llm_query / llm_query_batched.
func (r *Runtime) SetDispatch(fn repl.SubLMFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch = fn
}

func (r *Runtime) Setup(ctx context.Context, setupCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir, err := os.MkdirTemp("", "rlm-repl-*")
	if err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	r.workdir = dir

	r.vm = goja.New()
	r.injectHelpers(ctx)

	if strings.TrimSpace(setupCode) != "" {
		if _, err := r.vm.RunString(setupCode); err != nil {
			return fmt.Errorf("setup code failed: %w", err)
		}
	}
	return nil
}

func (r *Runtime) injectHelpers(ctx context.Context) {
	vm := r.vm

	_ = vm.Set("llm_query", func(call goja.FunctionCall) goja.Value {
		prompt := call.Argument(0).String()
		req := repl.LMRequest{Prompt: prompt, Depth: r.depth}

		var toolHandler goja.Callable
		var hasToolHandler bool
		var tools []repl.ToolSchema

		if len(call.Arguments) > 1 {
			optsVal := call.Argument(1)
			applyOpts(&req, optsVal.Export())
			if obj, ok := optsVal.(*goja.Object); ok {
				if th := obj.Get("tool_handler"); th != nil && !goja.IsUndefined(th) {
					if fn, ok := goja.AssertFunction(th); ok {
						toolHandler, hasToolHandler = fn, true
					}
				}
				if tv := obj.Get("tools"); tv != nil && !goja.IsUndefined(tv) {
					tools = parseToolSchemas(tv.Export())
				}
			}
		}

		if len(tools) > 0 && !hasToolHandler {
			return vm.ToValue(fmt.Sprintf("ERROR[%s]: tools given without a tool_handler", "missing_tool_handler"))
		}
		if hasToolHandler && len(tools) > 0 {
			text, errKind, errText := r.runToolLoop(ctx, vm, req, tools, toolHandler)
			if errKind != "" {
				return vm.ToValue(fmt.Sprintf("ERROR[%s]: %s", errKind, errText))
			}
			return vm.ToValue(text)
		}

		resp := r.dispatchOne(ctx, req)
		if resp.Error != "" {
			return vm.ToValue(fmt.Sprintf("ERROR[%s]: %s", resp.Error, resp.ErrorText))
		}
		return vm.ToValue(resp.Response)
	})

	_ = vm.Set("llm_query_batched", func(call goja.FunctionCall) goja.Value {
		prompts, _ := call.Argument(0).Export().([]interface{})
		results := make([]string, len(prompts))
		// Batched entries are independent sub-LM requests dispatched
		// concurrently; per spec, a single failure surfaces as an error
		// string at its position without affecting the others, so the group
		// never returns an error itself.
		var g errgroup.Group
		for i, p := range prompts {
			i, p := i, p
			g.Go(func() error {
				req := repl.LMRequest{Prompt: fmt.Sprint(p), Depth: r.depth}
				resp := r.dispatchOne(ctx, req)
				if resp.Error != "" {
					results[i] = fmt.Sprintf("ERROR[%s]: %s", resp.Error, resp.ErrorText)
					return nil
				}
				results[i] = resp.Response
				return nil
			})
		}
		_ = g.Wait()
		return vm.ToValue(results)
	})

	_ = vm.Set("FINAL", func(call goja.FunctionCall) goja.Value {
		r.mu.Lock()
		r.finalValue = call.Argument(0).String()
		r.finalSet = true
		r.mu.Unlock()
		return goja.Undefined()
	})

	_ = vm.Set("FINAL_VAR", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		v := lookupGlobalBinding(vm, name)
		if v == nil || goja.IsUndefined(v) {
			panic(vm.NewGoError(fmt.Errorf("FINAL_VAR: undefined name %q", name)))
		}
		r.mu.Lock()
		r.finalValue = v.String()
		r.finalSet = true
		r.mu.Unlock()
		return goja.Undefined()
	})
}

func (r *Runtime) dispatchOne(ctx context.Context, req repl.LMRequest) repl.LMResponse {
	r.mu.Lock()
	dispatch := r.dispatch
	r.mu.Unlock()
	if dispatch == nil {
		return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: "no sub-LM dispatch configured"}
	}
	return dispatch(ctx, req)
}

// maxToolIterations bounds llm_query's tool-call loop (spec.md §4.2) to
// prevent livelock between a provider that keeps requesting tools and a
// tool_handler that never converges.
const maxToolIterations = 8

// runToolLoop implements spec.md §4.2's bounded tool-call loop entirely
// inside the Environment: request, invoke tool_handler(name, args) for each
// returned tool-call intent, append the results to the conversation, and
// re-request — capped at maxToolIterations.
func (r *Runtime) runToolLoop(ctx context.Context, vm *goja.Runtime, req repl.LMRequest, tools []repl.ToolSchema, handler goja.Callable) (text string, errKind repl.ErrorKind, errText string) {
	req.Tools = tools
	messages := append([]repl.Message(nil), req.Messages...)
	if len(messages) == 0 && req.Prompt != "" {
		messages = []repl.Message{{Role: "user", Content: req.Prompt}}
	}

	for i := 0; i < maxToolIterations; i++ {
		req.Messages = messages
		resp := r.dispatchOne(ctx, req)
		if resp.Error != "" {
			return "", resp.Error, resp.ErrorText
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Response, "", ""
		}

		if resp.Response != "" {
			messages = append(messages, repl.Message{Role: "assistant", Content: resp.Response})
		}
		for _, tc := range resp.ToolCalls {
			out, callErr := handler(goja.Undefined(), vm.ToValue(tc.Name), vm.ToValue(tc.Args))
			var resultText string
			if callErr != nil {
				resultText = fmt.Sprintf("ERROR: %s", callErr.Error())
			} else {
				resultText = out.String()
			}
			messages = append(messages, repl.Message{
				Role:    "tool",
				Content: fmt.Sprintf("%s(%v) -> %s", tc.Name, tc.Args, resultText),
			})
		}
	}
	return "", repl.ErrorKind("tool_loop_exceeded"), fmt.Sprintf("exceeded %d tool-call iterations", maxToolIterations)
}

// parseToolSchemas converts the exported JS array of {name, description,
// parameters} objects passed as llm_query's tools option into []ToolSchema.
func parseToolSchemas(v any) []repl.ToolSchema {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]repl.ToolSchema, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		schema := repl.ToolSchema{}
		if name, ok := m["name"].(string); ok {
			schema.Name = name
		}
		if desc, ok := m["description"].(string); ok {
			schema.Description = desc
		}
		if params, ok := m["parameters"].(map[string]interface{}); ok {
			schema.Parameters = params
		}
		if schema.Name != "" {
			out = append(out, schema)
		}
	}
	return out
}

func applyOpts(req *repl.LMRequest, opts any) {
	m, ok := opts.(map[string]interface{})
	if !ok {
		return
	}
	if model, ok := m["model"].(string); ok {
		req.Model = model
	}
	if rf, ok := m["response_format"].(map[string]interface{}); ok {
		req.ResponseFormat = rf
	}
	if rec, ok := m["recursive"].(bool); ok {
		req.Recursive = rec
	}
	if extra, ok := m["extra_kwargs"].(map[string]interface{}); ok {
		req.ExtraKwargs = extra
	}
}

func (r *Runtime) ExecuteCode(ctx context.Context, src string) (repl.REPLResult, error) {
	r.mu.Lock()
	vm := r.vm
	r.finalSet = false
	r.finalValue = ""
	r.mu.Unlock()

	if vm == nil {
		return repl.REPLResult{Error: repl.ErrorKind("fatal_environment_error"), ErrorText: "runtime not set up"}, nil
	}

	var stdout, stderr bytes.Buffer
	result := repl.REPLResult{}
	var valTrunc, finalTrunc bool

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				result.Error = repl.ErrorKind("user_code_error")
				result.ErrorText = fmt.Sprint(rec)
				fmt.Fprintf(&stderr, "panic: %v\n", rec)
			}
		}()

		r.bindConsole(vm, &stdout, &stderr)
		v, err := vm.RunString(src)
		if err != nil {
			result.Error = repl.ErrorKind("user_code_error")
			result.ErrorText = err.Error()
			fmt.Fprintf(&stderr, "%v\n", err)
			return
		}
		if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			result.Value, valTrunc = truncateFlag(v.String())
			result.HasValue = true
		}
	}()

	r.mu.Lock()
	if r.finalSet {
		result.Final, finalTrunc = truncateFlag(r.finalValue)
		result.HasFinal = true
	}
	r.mu.Unlock()

	var outTrunc, errTrunc bool
	result.Stdout, outTrunc = truncateFlag(stdout.String())
	result.Stderr, errTrunc = truncateFlag(stderr.String())
	result.Truncated = outTrunc || errTrunc || valTrunc || finalTrunc

	return result, nil
}

func (r *Runtime) bindConsole(vm *goja.Runtime, stdout, stderr *bytes.Buffer) {
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		fmt.Fprintln(stdout, joinArgs(call.Arguments))
		return goja.Undefined()
	})
	_ = console.Set("error", func(call goja.FunctionCall) goja.Value {
		fmt.Fprintln(stderr, joinArgs(call.Arguments))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)
	_ = vm.Set("print", func(call goja.FunctionCall) goja.Value {
		fmt.Fprintln(stdout, joinArgs(call.Arguments))
		return goja.Undefined()
	})
}

func joinArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}

func truncate(s string) string {
	out, _ := truncateFlag(s)
	return out
}

func truncateFlag(s string) (string, bool) {
	if len(s) <= repl.OutputCap {
		return s, false
	}
	return s[:repl.OutputCap] + "\n...[truncated]", true
}

func (r *Runtime) LoadContext(ctx context.Context, payload string, session bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.CompletionContext = payload
	r.setVar("completion_context", payload)
	if !session {
		return 0, nil
	}
	r.state.SessionContext = append(r.state.SessionContext, payload)
	r.state.ContextHistory = append(r.state.ContextHistory, payload)
	idx := len(r.state.SessionContext) - 1
	r.setVar(fmt.Sprintf("session_context_%d", idx), payload)
	if r.vm != nil {
		_ = r.vm.Set("context_history", append([]string(nil), r.state.ContextHistory...))
	}
	return idx, nil
}

func (r *Runtime) SetCompletionContext(ctx context.Context, payload string) error {
	_, err := r.LoadContext(ctx, payload, false)
	return err
}

func (r *Runtime) AddSessionContext(ctx context.Context, payload string) (int, error) {
	return r.LoadContext(ctx, payload, true)
}

func (r *Runtime) AddHistory(ctx context.Context, messages []repl.Message) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.SessionHistory = append(r.state.SessionHistory, messages)
	return len(r.state.SessionHistory) - 1, nil
}

func (r *Runtime) setVar(name, value string) {
	if r.vm == nil {
		return
	}
	_ = r.vm.Set(name, value)
}

func (r *Runtime) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workdir != "" {
		if err := os.RemoveAll(r.workdir); err != nil {
			return fmt.Errorf("remove working directory: %w", err)
		}
		r.workdir = ""
	}
	r.vm = nil
	return nil
}

func (r *Runtime) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]any{
		"completion_context": r.state.CompletionContext,
		"session_context":    append([]string(nil), r.state.SessionContext...),
		"context_history":    append([]string(nil), r.state.ContextHistory...),
	}
	for k, v := range r.state.Bindings {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	return out
}
