// Package inproc implements repl.Environment for same-process execution: a
// goja-backed jsvm.Runtime whose injected helpers dial the LM Handler's
// length-prefixed stream-channel transport directly, per spec.md §4.2's
// "update_handler_address records a (host, port) pair that helpers use
// directly".
package inproc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"rlm/internal/llmhandler"
	"rlm/internal/repl"
	"rlm/internal/repl/jsvm"
)

// Environment is the in-process REPL Environment.
type Environment struct {
	rt *jsvm.Runtime

	mu   sync.RWMutex
	addr string
}

// New constructs an in-process Environment at the given recursion depth.
func New(depth int) *Environment {
	e := &Environment{rt: jsvm.New(depth)}
	e.rt.SetDispatch(e.dialDispatch)
	return e
}

func (e *Environment) Setup(ctx context.Context, setupCode string) error {
	return e.rt.Setup(ctx, setupCode)
}

func (e *Environment) ExecuteCode(ctx context.Context, src string) (repl.REPLResult, error) {
	return e.rt.ExecuteCode(ctx, src)
}

func (e *Environment) LoadContext(ctx context.Context, payload string, session bool) (int, error) {
	return e.rt.LoadContext(ctx, payload, session)
}

func (e *Environment) SetCompletionContext(ctx context.Context, payload string) error {
	return e.rt.SetCompletionContext(ctx, payload)
}

func (e *Environment) AddSessionContext(ctx context.Context, payload string) (int, error) {
	return e.rt.AddSessionContext(ctx, payload)
}

func (e *Environment) AddHistory(ctx context.Context, messages []repl.Message) (int, error) {
	return e.rt.AddHistory(ctx, messages)
}

func (e *Environment) UpdateHandlerAddress(host string, port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addr = fmt.Sprintf("%s:%d", host, port)
	return nil
}

func (e *Environment) Cleanup(ctx context.Context) error {
	return e.rt.Cleanup(ctx)
}

func (e *Environment) Snapshot() map[string]any {
	return e.rt.Snapshot()
}

// dialDispatch opens a fresh connection to the handler's stream-channel
// listener, writes one length-prefixed LMRequest frame, and blocks for the
// single matching LMResponse frame, matching spec.md §4.4's "each connection
// handles one outstanding request at a time".
func (e *Environment) dialDispatch(ctx context.Context, req repl.LMRequest) repl.LMResponse {
	e.mu.RLock()
	addr := e.addr
	e.mu.RUnlock()
	if addr == "" {
		return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: "handler address not set"}
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: fmt.Sprintf("dial handler: %v", err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(2 * time.Minute))
	}

	if err := llmhandler.WriteFrame(conn, req); err != nil {
		return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: fmt.Sprintf("send request: %v", err)}
	}

	var resp repl.LMResponse
	if err := llmhandler.ReadFrame(conn, &resp); err != nil {
		if ctx.Err() != nil {
			return repl.LMResponse{Error: repl.ErrorKind("canceled"), ErrorText: ctx.Err().Error()}
		}
		return repl.LMResponse{Error: repl.ErrorKind("helper_call_error"), ErrorText: fmt.Sprintf("read response: %v", err)}
	}
	return resp
}
