package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"rlm/internal/repl"
	"rlm/internal/sandbox"
)

// Environment is the subprocess-backed repl.Environment: it launches
// cmd/rlm-worker once, on the first Setup call, and drives it for the lifetime of
// one completion (or, in Persistent mode, one Session) by writing one
// wireRequest JSON line to its stdin and reading exactly one wireResponse
// JSON line back from its stdout per call — the same one-request-per-call
// discipline internal/repl/inproc's stream dialer uses, just over a pipe
// instead of a socket.
type Environment struct {
	workerBinary string
	baseDir      string
	depth        int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Scanner
}

// New constructs a sandbox Environment at the given recursion depth,
// mirroring internal/repl/inproc.New's per-depth constructor shape: one
// worker subprocess is spawned per Environment instance, so depth is fixed
// for its lifetime and handed to the worker once via the first "setup" op.
func New(workerBinary, baseDir string, depth int) *Environment {
	return &Environment{workerBinary: workerBinary, baseDir: baseDir, depth: depth}
}

func (e *Environment) Setup(ctx context.Context, setupCode string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.startLocked(ctx); err != nil {
		return err
	}
	_, err := e.callLocked(wireRequest{Op: opSetup, SetupCode: setupCode, Depth: e.depth})
	return err
}

func (e *Environment) startLocked(ctx context.Context) error {
	if e.cmd != nil {
		return nil
	}

	dir := sandbox.ResolveBaseDir(ctx, e.baseDir)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create base dir: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, e.workerBinary)
	cmd.Dir = dir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %q: %w", e.workerBinary, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	e.cmd = cmd
	e.stdin = stdin
	e.reader = scanner
	return nil
}

// callLocked writes one wireRequest line and blocks for the matching
// wireResponse line. Caller holds e.mu.
func (e *Environment) callLocked(req wireRequest) (wireResponse, error) {
	if e.cmd == nil {
		return wireResponse{}, fmt.Errorf("sandbox worker not started")
	}

	line, err := json.Marshal(req)
	if err != nil {
		return wireResponse{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := e.stdin.Write(append(line, '\n')); err != nil {
		return wireResponse{}, fmt.Errorf("write to worker: %w", err)
	}

	if !e.reader.Scan() {
		if err := e.reader.Err(); err != nil {
			return wireResponse{}, fmt.Errorf("read from worker: %w", err)
		}
		return wireResponse{}, fmt.Errorf("worker closed stdout unexpectedly")
	}

	var resp wireResponse
	if err := json.Unmarshal(e.reader.Bytes(), &resp); err != nil {
		return wireResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func (e *Environment) ExecuteCode(ctx context.Context, src string) (repl.REPLResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp, err := e.callLocked(wireRequest{Op: opExecuteCode, Src: src})
	if err != nil {
		return repl.REPLResult{
			Error:     repl.ErrorKind("fatal_environment_error"),
			ErrorText: err.Error(),
		}, nil
	}
	if resp.Result == nil {
		return repl.REPLResult{}, nil
	}
	return repl.REPLResult{
		Stdout:    resp.Result.Stdout,
		Stderr:    resp.Result.Stderr,
		Value:     resp.Result.Value,
		HasValue:  resp.Result.HasValue,
		Final:     resp.Result.Final,
		HasFinal:  resp.Result.HasFinal,
		Error:     repl.ErrorKind(resp.Result.Error),
		ErrorText: resp.Result.ErrorText,
		Truncated: resp.Result.Truncated,
	}, nil
}

func (e *Environment) LoadContext(ctx context.Context, payload string, session bool) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp, err := e.callLocked(wireRequest{Op: opLoadContext, Payload: payload, Session: session})
	return resp.Index, err
}

func (e *Environment) SetCompletionContext(ctx context.Context, payload string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.callLocked(wireRequest{Op: opSetCompletionContext, Payload: payload})
	return err
}

func (e *Environment) AddSessionContext(ctx context.Context, payload string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp, err := e.callLocked(wireRequest{Op: opAddSessionContext, Payload: payload})
	return resp.Index, err
}

func (e *Environment) AddHistory(ctx context.Context, messages []repl.Message) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wm := make([]wireMessage, len(messages))
	for i, m := range messages {
		wm[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	resp, err := e.callLocked(wireRequest{Op: opAddHistory, Messages: wm})
	return resp.Index, err
}

// UpdateHandlerAddress forwards the broker's (host, port) to the worker, so
// its jsvm.Runtime can POST /enqueue and poll /pending against it for
// llm_query / llm_query_batched, per spec.md §4.2.
func (e *Environment) UpdateHandlerAddress(host string, port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.callLocked(wireRequest{Op: opUpdateHandlerAddress, Host: host, Port: port})
	return err
}

func (e *Environment) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		return nil
	}
	_, _ = e.callLocked(wireRequest{Op: opCleanup})
	_ = e.stdin.Close()
	err := e.cmd.Wait()
	e.cmd, e.stdin, e.reader = nil, nil, nil
	return err
}

func (e *Environment) Snapshot() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	resp, err := e.callLocked(wireRequest{Op: opSnapshot})
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return resp.Snapshot
}

var _ repl.Environment = (*Environment)(nil)
