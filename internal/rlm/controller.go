package rlm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rlm/internal/llmclient"
	"rlm/internal/llmhandler"
	"rlm/internal/repl"
	"rlm/internal/repl/inproc"
	"rlm/internal/repl/sandbox"
)

const (
	defaultRootTimeout            = 5 * time.Minute
	defaultMinTimeout             = 15 * time.Second
	defaultTimeStep               = 30 * time.Second
	defaultMaxConsecutiveFailures = 3
)

// EnvironmentFactory constructs a fresh Environment for a controller running
// at the given recursion depth. Defaults to an in-process goja Environment.
type EnvironmentFactory func(depth int) repl.Environment

// OnIteration is invoked once per completed loop iteration, letting callers
// observe progress (acompletion's "on_iteration" hook from spec.md §4.1).
// It runs synchronously on the controller's goroutine, so the next iteration
// waits for it to return.
type OnIteration func(ctx context.Context, ev IterationEvent)

// Options configures a Controller, matching spec.md §4.1's enumerated
// constructor options.
type Options struct {
	Backend            llmclient.Client
	Environment        repl.Environment // used as-is if non-nil; otherwise EnvironmentFactory(Depth) constructs one
	EnvironmentFactory EnvironmentFactory
	RecursiveMaxDepth  int
	MaxIterations      int
	Depth              int
	CustomSystemPrompt string
	OtherBackends      []llmclient.Client
	Logger             zerolog.Logger
	Verbose            bool
	Persistent         bool
	// SessionMode, when true, pushes the completion's prompt as the next
	// session_context_i entry (appended, mirrored into context_history)
	// instead of overwriting completion_context. Set by Session.Chat.
	SessionMode bool
	OnIteration OnIteration

	RootTimeout                   time.Duration
	MinTimeout                    time.Duration
	TimeStep                      time.Duration
	MaxConsecutiveHandlerFailures int
}

func (o *Options) setDefaults() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 1
	}
	if o.EnvironmentFactory == nil {
		o.EnvironmentFactory = func(depth int) repl.Environment { return inproc.New(depth) }
	}
	if o.RootTimeout <= 0 {
		o.RootTimeout = defaultRootTimeout
	}
	if o.MinTimeout <= 0 {
		o.MinTimeout = defaultMinTimeout
	}
	if o.TimeStep <= 0 {
		o.TimeStep = defaultTimeStep
	}
	if o.MaxConsecutiveHandlerFailures <= 0 {
		o.MaxConsecutiveHandlerFailures = defaultMaxConsecutiveFailures
	}
}

// timeAtDepth implements spec.md §4.1's per-depth time budget:
// time_at_depth(d) = max(min_timeout, root_timeout - d*step).
func (o *Options) timeAtDepth(d int) time.Duration {
	budget := o.RootTimeout - time.Duration(d)*o.TimeStep
	if budget < o.MinTimeout {
		return o.MinTimeout
	}
	return budget
}

// Controller is the Iteration Controller: it drives one user prompt to a
// final answer by alternating root-model inference with REPL execution.
type Controller struct {
	opts Options

	env     repl.Environment
	handler *llmhandler.Handler

	mu                  sync.Mutex
	usage               *UsageSummary
	transcript          []Message
	trace               []IterationEvent
	consecutiveFailures int
	setupDone           bool
}

// New constructs a Controller. Backend must be set; a nil Environment causes
// one to be built from EnvironmentFactory at Depth.
func New(opts Options) *Controller {
	opts.setDefaults()
	return &Controller{opts: opts, usage: NewUsageSummary()}
}

// pickBackend implements "depth 0 uses root backend; depth i uses
// other_backends[i-1] ... otherwise falls back to root backend".
func (c *Controller) pickBackend(depth int) llmclient.Client {
	if depth <= 0 {
		return c.opts.Backend
	}
	idx := depth - 1
	if idx < len(c.opts.OtherBackends) && c.opts.OtherBackends[idx] != nil {
		return c.opts.OtherBackends[idx]
	}
	return c.opts.Backend
}

// Complete runs one user prompt to a final answer, implementing spec.md
// §4.1's full algorithm. root_prompt, if non-empty, is what the root model
// reads; prompt is always what the Environment sees as completion_context.
func (c *Controller) Complete(ctx context.Context, prompt, rootPrompt string) *RLMChatCompletion {
	start := time.Now()
	result := &RLMChatCompletion{RootModel: c.modelName(), Prompt: prompt}

	if err := c.setup(ctx, prompt); err != nil {
		result.ExecutionTime = time.Since(start)
		return result.withError(NewError(ErrFatalEnvironment, "environment setup failed", err))
	}
	if !c.opts.Persistent {
		defer func() { _ = c.env.Cleanup(ctx) }()
	}
	defer func() { _ = c.handler.Shutdown(ctx) }()

	visiblePrompt := rootPrompt
	if visiblePrompt == "" {
		visiblePrompt = "Process the input available to you as `completion_context` and answer: " + prompt
	}
	c.transcript = []Message{
		{Role: RoleSystem, Content: c.systemPrompt()},
		{Role: RoleUser, Content: visiblePrompt},
	}

	var final string
	var hasFinal bool
	var fatal *RLMError

	for iter := 0; iter < c.opts.MaxIterations; iter++ {
		iterStart := time.Now()

		assistant, err := c.callRootModel(ctx)
		if err != nil {
			fatal = NewError(ErrProvider, "root model call failed", err)
			break
		}
		c.transcript = append(c.transcript, Message{Role: RoleAssistant, Content: assistant})

		markerCode, hasMarker := findMarker(assistant)
		if hasMarker {
			res, _ := c.env.ExecuteCode(ctx, markerCode)
			if res.HasFinal {
				final, hasFinal = res.Final, true
				c.emitIteration(ctx, iter, iterStart, "final")
				break
			}
			c.transcript = append(c.transcript, Message{Role: RoleUser, Content: formatEcho(res)})
			c.emitIteration(ctx, iter, iterStart, "marker_error")
			continue
		}

		block, hasCode := extractCodeBlock(assistant)
		if !hasCode {
			c.transcript = append(c.transcript, Message{Role: RoleUser, Content: replProtocolReminder})
			c.emitIteration(ctx, iter, iterStart, "reminder")
			continue
		}

		res, _ := c.env.ExecuteCode(ctx, block.Source)
		c.transcript = append(c.transcript, Message{Role: RoleUser, Content: formatEcho(res)})
		if res.HasFinal {
			final, hasFinal = res.Final, true
			c.emitIteration(ctx, iter, iterStart, "final")
			break
		}
		c.emitIteration(ctx, iter, iterStart, "executed")

		if c.consecutiveHelperFailures() > c.opts.MaxConsecutiveHandlerFailures {
			fatal = NewError(ErrHelperCall, "exceeded consecutive handler failure bound", nil)
			break
		}
	}

	if fatal != nil {
		result.ExecutionTime = time.Since(start)
		result.IterationTrace = c.trace
		return result.withError(fatal)
	}

	if !hasFinal {
		best, err := c.callForcedFinal(ctx)
		if err != nil {
			result.ExecutionTime = time.Since(start)
			result.IterationTrace = c.trace
			return result.withError(NewError(ErrBudgetExceeded, "max_iterations exhausted and forced-final call failed", err))
		}
		final = best
	}

	result.Response = final
	result.UsageSummary = c.usage
	result.ExecutionTime = time.Since(start)
	result.IterationTrace = c.trace
	return result
}

// CompleteAsync runs Complete in its own goroutine and returns a channel
// delivering the single result, implementing spec.md §4.1's acompletion
// variant. onIteration, if non-nil, overrides Options.OnIteration for this
// call only.
func (c *Controller) CompleteAsync(ctx context.Context, prompt, rootPrompt string, onIteration OnIteration) <-chan *RLMChatCompletion {
	prev := c.opts.OnIteration
	if onIteration != nil {
		c.opts.OnIteration = onIteration
	}
	out := make(chan *RLMChatCompletion, 1)
	go func() {
		comp := c.Complete(ctx, prompt, rootPrompt)
		c.opts.OnIteration = prev
		out <- comp
		close(out)
	}()
	return out
}

func (c *Controller) modelName() string {
	return fmt.Sprintf("depth-%d", c.opts.Depth)
}

// systemPrompt documents the REPL API, the terminal marker forms, and the
// reserved context variable names for the root model, per spec.md §4.1 step
// 1. A caller-supplied CustomSystemPrompt replaces it entirely.
func (c *Controller) systemPrompt() string {
	if c.opts.CustomSystemPrompt != "" {
		return c.opts.CustomSystemPrompt
	}
	return strings.TrimSpace(`
You are the root model of a recursive language model loop. You do not answer
directly: you reason, then either run a single fenced JavaScript code block
against a persistent REPL, or finish with a terminal marker.

REPL globals available to your code:
  completion_context   - the full input payload for this turn
  session_context_i    - prior session payloads, i in [0, n), session mode only
  context_history       - mirrors session_context_i entries
  llm_query(prompt, opts?)        - blocking call to a sub-model; opts may set
                                     model, response_format, recursive
  llm_query_batched(prompts)      - concurrent sub-model calls, returns an
                                     ordered list of results
  FINAL(expr)            - finish with expr's evaluated textual form
  FINAL_VAR("name")      - finish with the textual form of a REPL binding

Respond with at most one fenced code block per turn. To finish, call FINAL or
FINAL_VAR directly in your response text (fenced or not) instead of writing
more code; a terminal marker always takes precedence over a code block in the
same turn.
`)
}

// setup prepares the Environment and LM Handler for one completion. In
// persistent mode, the Environment (and its REPLState) survive across
// repeated calls on the same Controller — only the Handler address and
// transcript are refreshed per spec.md §3's lifecycle note ("persistence
// mode keeps the Environment and its REPLState alive across completions
// while still refreshing Handler address and transcript").
func (c *Controller) setup(ctx context.Context, prompt string) error {
	if c.env == nil {
		env := c.opts.Environment
		if env == nil {
			env = c.opts.EnvironmentFactory(c.opts.Depth)
		}
		c.env = env
	}

	// A sandboxed worker reaches the host over the HTTP broker; the
	// in-process Environment dials the stream listener.
	handler := llmhandler.New(c.dispatch)
	start := handler.StartStream
	if _, ok := c.env.(*sandbox.Environment); ok {
		start = handler.StartBroker
	}
	host, port, err := start(ctx)
	if err != nil {
		return fmt.Errorf("start lm handler: %w", err)
	}
	c.handler = handler

	if !c.setupDone {
		if err := c.env.Setup(ctx, ""); err != nil {
			return fmt.Errorf("environment setup: %w", err)
		}
		c.setupDone = true
	}
	if err := c.env.UpdateHandlerAddress(host, port); err != nil {
		return fmt.Errorf("update handler address: %w", err)
	}
	if _, err := c.env.LoadContext(ctx, prompt, c.opts.SessionMode); err != nil {
		return fmt.Errorf("load completion context: %w", err)
	}
	return nil
}

// dispatch is handed to the LM Handler as its routing closure: it selects a
// backend by depth, spawns a recursive child controller when asked, and
// enforces the per-depth time budget.
func (c *Controller) dispatch(ctx context.Context, req repl.LMRequest) repl.LMResponse {
	depth := req.Depth
	budget := c.opts.timeAtDepth(depth)
	dctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var resp repl.LMResponse
	if req.Recursive && depth < c.opts.RecursiveMaxDepth {
		resp = c.dispatchRecursive(dctx, req)
	} else {
		resp = c.pickBackend(depth).Complete(dctx, req)
		if resp.Error == "" {
			c.mu.Lock()
			c.usage.Add(resp.Model, Usage{InputTokens: resp.InputTok, OutputTokens: resp.OutputTok, Calls: 1})
			c.mu.Unlock()
		}
	}

	if resp.Error != "" {
		c.noteFailure()
	} else {
		c.noteSuccess()
	}
	if dctx.Err() != nil && resp.Error == "" {
		return repl.LMResponse{Error: repl.ErrorKind("timeout"), ErrorText: dctx.Err().Error()}
	}
	return resp
}

// dispatchRecursive spawns a child Controller at depth+1 per spec.md §4.1's
// recursion rule and folds its usage into this controller's UsageSummary.
func (c *Controller) dispatchRecursive(ctx context.Context, req repl.LMRequest) repl.LMResponse {
	childDepth := c.opts.Depth + 1
	childOpts := Options{
		Backend:                       c.pickBackend(childDepth),
		EnvironmentFactory:            c.opts.EnvironmentFactory,
		RecursiveMaxDepth:             c.opts.RecursiveMaxDepth - 1,
		MaxIterations:                 maxInt(1, c.opts.MaxIterations/2),
		Depth:                         childDepth,
		CustomSystemPrompt:            c.opts.CustomSystemPrompt,
		OtherBackends:                 c.opts.OtherBackends,
		Logger:                        c.opts.Logger,
		Verbose:                       c.opts.Verbose,
		RootTimeout:                   c.opts.timeAtDepth(childDepth),
		MinTimeout:                    c.opts.MinTimeout,
		TimeStep:                      c.opts.TimeStep,
		MaxConsecutiveHandlerFailures: c.opts.MaxConsecutiveHandlerFailures,
	}
	child := New(childOpts)
	comp := child.Complete(ctx, req.Prompt, "")

	c.mu.Lock()
	c.usage.Merge(comp.UsageSummary)
	c.mu.Unlock()

	if comp.Error != nil {
		return repl.LMResponse{Error: repl.ErrorKind(comp.Error.Kind), ErrorText: comp.Error.Message}
	}
	return repl.LMResponse{Response: comp.Response, Model: comp.RootModel}
}

func (c *Controller) callRootModel(ctx context.Context) (string, error) {
	req := repl.LMRequest{Messages: toReplMessages(c.transcript), Depth: c.opts.Depth}
	resp := c.opts.Backend.Complete(ctx, req)
	if resp.Error != "" {
		return "", fmt.Errorf("%s: %s", resp.Error, resp.ErrorText)
	}
	c.mu.Lock()
	c.usage.Add(resp.Model, Usage{InputTokens: resp.InputTok, OutputTokens: resp.OutputTok, Calls: 1})
	c.mu.Unlock()
	return resp.Response, nil
}

// callForcedFinal implements spec.md §4.1 step 3: one last prompt asking for
// a best-effort answer from the existing transcript, no further code
// execution allowed.
func (c *Controller) callForcedFinal(ctx context.Context) (string, error) {
	forced := append(append([]Message(nil), c.transcript...), Message{
		Role:    RoleUser,
		Content: "No terminal marker was reached within the iteration budget. Provide your best-effort final answer as plain text now; no further code execution is possible.",
	})
	req := repl.LMRequest{Messages: toReplMessages(forced), Depth: c.opts.Depth}
	resp := c.opts.Backend.Complete(ctx, req)
	if resp.Error != "" {
		return "", fmt.Errorf("%s: %s", resp.Error, resp.ErrorText)
	}
	c.mu.Lock()
	c.usage.Add(resp.Model, Usage{InputTokens: resp.InputTok, OutputTokens: resp.OutputTok, Calls: 1})
	c.mu.Unlock()
	// Only the forced-final prompt is recorded on the transcript, not the
	// reply itself (which is already returned as the completion's Response):
	// keeps len(transcript) within spec.md §8's stated bound of
	// 2 + 2*max_iterations + 1.
	c.transcript = append(c.transcript, forced[len(forced)-1])
	return resp.Response, nil
}

func (c *Controller) noteFailure() {
	c.mu.Lock()
	c.consecutiveFailures++
	c.mu.Unlock()
}

func (c *Controller) noteSuccess() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.mu.Unlock()
}

func (c *Controller) consecutiveHelperFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures
}

func (c *Controller) emitIteration(ctx context.Context, iter int, start time.Time, action string) {
	ev := IterationEvent{Iteration: iter, Depth: c.opts.Depth, Duration: time.Since(start), Action: action}
	c.trace = append(c.trace, ev)
	if c.opts.OnIteration != nil {
		c.opts.OnIteration(ctx, ev)
	}
}

func toReplMessages(msgs []Message) []repl.Message {
	out := make([]repl.Message, len(msgs))
	for i, m := range msgs {
		out[i] = repl.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

const replProtocolReminder = "Remember the protocol: respond with reasoning plus either a single fenced code block to execute, or a terminal marker FINAL(expr) / FINAL_VAR(\"name\") to finish."

// findMarker scans assistant text for the first FINAL_VAR(...) or FINAL(...)
// call, matching parens to the end of the expression, and returns the
// literal call text so it can be executed directly against REPLState
// (FINAL/FINAL_VAR are real helpers injected by the Environment).
func findMarker(text string) (string, bool) {
	for _, kw := range []string{"FINAL_VAR(", "FINAL("} {
		idx := strings.Index(text, kw)
		if idx < 0 {
			continue
		}
		openParen := idx + len(kw) - 1
		end := matchParen(text, openParen)
		if end < 0 {
			continue
		}
		return text[idx : end+1], true
	}
	return "", false
}

func matchParen(s string, openIdx int) int {
	depth := 0
	for i := openIdx; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// extractCodeBlock returns the first triple-fenced code block, per spec.md
// §3's "the controller parses at most one executable block per assistant
// turn". The block's tag is not checked: a js/javascript or empty first line
// is stripped, and any other first line (such as another language tag) stays
// in the returned Source.
func extractCodeBlock(text string) (CodeBlock, bool) {
	const fence = "```"
	start := strings.Index(text, fence)
	if start < 0 {
		return CodeBlock{}, false
	}
	rest := text[start+len(fence):]
	end := strings.Index(rest, fence)
	if end < 0 {
		return CodeBlock{}, false
	}
	body := rest[:end]
	lang := "js"
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(body[:nl])
		if firstLine == "js" || firstLine == "javascript" || firstLine == "" {
			if firstLine != "" {
				lang = firstLine
			}
			body = body[nl+1:]
		}
	}
	return CodeBlock{Language: lang, Source: strings.TrimRight(body, "\n")}, true
}

// formatEcho renders a REPLResult into the fixed, machine-parseable layout
// spec.md §6 requires the root model to rely on.
func formatEcho(res repl.REPLResult) string {
	reason := "ok"
	switch {
	case res.HasFinal:
		reason = "final"
	case res.Error == repl.ErrorKind(string(ErrUserCode)):
		reason = "error_user"
	case res.Error == repl.ErrorKind(string(ErrFatalEnvironment)):
		reason = "error_fatal"
	case res.Truncated:
		reason = "truncated"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "STDOUT:\n%s\n", res.Stdout)
	fmt.Fprintf(&b, "STDERR:\n%s\n", res.Stderr)
	if res.HasValue {
		fmt.Fprintf(&b, "VALUE:\n%s\n", res.Value)
	}
	fmt.Fprintf(&b, "FINISH_REASON: %s\n", reason)
	return b.String()
}
