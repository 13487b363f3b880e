package rlm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/internal/llmclient"
	"rlm/internal/repl"
)

// scriptedClient is a fake llmclient.Client returning one scripted
// repl.LMResponse per call, repeating the last response once the script is
// exhausted, so tests can drive the root model's turns deterministically
// without a real provider.
type scriptedClient struct {
	mu        sync.Mutex
	responses []repl.LMResponse
	calls     []repl.LMRequest
}

func (s *scriptedClient) Complete(ctx context.Context, req repl.LMRequest) repl.LMResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.calls)
	s.calls = append(s.calls, req)
	if idx >= len(s.responses) {
		return s.responses[len(s.responses)-1]
	}
	return s.responses[idx]
}

func (s *scriptedClient) LastUsage() repl.LMResponse { return repl.LMResponse{} }
func (s *scriptedClient) Stats() llmclient.Stats     { return llmclient.Stats{} }

func (s *scriptedClient) CompleteAsync(ctx context.Context, req repl.LMRequest) <-chan repl.LMResponse {
	out := make(chan repl.LMResponse, 1)
	go func() {
		out <- s.Complete(ctx, req)
		close(out)
	}()
	return out
}

func (s *scriptedClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

var _ llmclient.Client = (*scriptedClient)(nil)

func newTestController(t *testing.T, backend *scriptedClient, maxIterations int) *Controller {
	t.Helper()
	return New(Options{
		Backend:           backend,
		MaxIterations:     maxIterations,
		RecursiveMaxDepth: 1,
		RootTimeout:       5 * time.Second,
		MinTimeout:        1 * time.Second,
		TimeStep:          1 * time.Second,
	})
}

func TestComplete_FinalMarkerEndsLoopImmediately(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: `FINAL("hello world")`, Model: "test-model", InputTok: 10, OutputTok: 2},
	}}
	ctrl := newTestController(t, backend, 5)

	comp := ctrl.Complete(context.Background(), "say hello", "")
	require.Nil(t, comp.Error)
	assert.Equal(t, "hello world", comp.Response)
	assert.Equal(t, 1, backend.callCount(), "a marker on the first turn must not trigger a forced-final call")
}

func TestComplete_CodeBlockThenFinalVar(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: "```js\nvar answer = 1 + 2;\n```", Model: "test-model", InputTok: 5, OutputTok: 5},
		{Response: `FINAL_VAR("answer")`, Model: "test-model", InputTok: 5, OutputTok: 5},
	}}
	ctrl := newTestController(t, backend, 5)

	comp := ctrl.Complete(context.Background(), "compute 1+2", "")
	require.Nil(t, comp.Error)
	assert.Equal(t, "3", comp.Response)
	assert.Equal(t, 2, backend.callCount())
}

func TestComplete_MarkerWinsOverCodeBlockInSameTurn(t *testing.T) {
	assistant := "```js\nvar x = 99;\n```\nFINAL(\"marker wins\")"
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: assistant, Model: "test-model"},
	}}
	ctrl := newTestController(t, backend, 5)

	comp := ctrl.Complete(context.Background(), "prompt", "")
	require.Nil(t, comp.Error)
	assert.Equal(t, "marker wins", comp.Response)
}

func TestComplete_ForcedFinalWhenIterationsExhausted(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: "just thinking out loud, no marker or code here", Model: "test-model"},
	}}
	ctrl := newTestController(t, backend, 1)

	comp := ctrl.Complete(context.Background(), "prompt", "")
	require.Nil(t, comp.Error)
	// The root model's only scripted response is repeated for the
	// forced-final call too, so the final answer is that same text.
	assert.Equal(t, "just thinking out loud, no marker or code here", comp.Response)
	assert.Equal(t, 2, backend.callCount(), "one reminder turn plus one forced-final call")
}

func TestComplete_UsageSummaryCallCountMatchesBackendCalls(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: `FINAL("done")`, Model: "test-model", InputTok: 7, OutputTok: 3},
	}}
	ctrl := newTestController(t, backend, 5)

	comp := ctrl.Complete(context.Background(), "prompt", "")
	require.Nil(t, comp.Error)
	require.Contains(t, comp.UsageSummary.ModelUsageSummaries, "test-model")
	mu := comp.UsageSummary.ModelUsageSummaries["test-model"]
	assert.Equal(t, backend.callCount(), mu.TotalCalls)
	assert.Equal(t, 7, mu.TotalInputTokens)
	assert.Equal(t, 3, mu.TotalOutputTokens)
}

func TestComplete_RootModelProviderErrorIsFatal(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Error: repl.ErrorKind("provider_error"), ErrorText: "rate limited"},
	}}
	ctrl := newTestController(t, backend, 3)

	comp := ctrl.Complete(context.Background(), "prompt", "")
	require.NotNil(t, comp.Error)
	assert.Equal(t, ErrProvider, comp.Error.Kind)
}

func TestComplete_TranscriptLengthRespectsIterationBound(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: "no marker, no code block here", Model: "test-model"},
		{Response: "still nothing useful", Model: "test-model"},
		{Response: "and again nothing", Model: "test-model"},
	}}
	maxIterations := 3
	ctrl := newTestController(t, backend, maxIterations)

	comp := ctrl.Complete(context.Background(), "prompt", "")
	require.Nil(t, comp.Error)
	// system + initial user + per-iteration assistant/user pairs + forced-final user
	maxLen := 2 + 2*maxIterations + 1
	assert.LessOrEqual(t, len(ctrl.transcript), maxLen)
}

func TestTimeAtDepth_MonotonicNonIncreasingAndFloorsAtMinTimeout(t *testing.T) {
	opts := Options{
		RootTimeout: 5 * time.Minute,
		MinTimeout:  15 * time.Second,
		TimeStep:    30 * time.Second,
	}
	opts.setDefaults()

	prev := opts.timeAtDepth(0)
	for d := 1; d <= 20; d++ {
		cur := opts.timeAtDepth(d)
		assert.LessOrEqual(t, cur, prev, "time_at_depth must be monotonically non-increasing")
		assert.GreaterOrEqual(t, cur, opts.MinTimeout, "time_at_depth must never fall below min_timeout")
		prev = cur
	}
}

func TestDispatchRecursive_ReturnsChildAnswerAndMergesUsage(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: `FINAL("child done")`, Model: "child-model"},
	}}
	ctrl := New(Options{
		Backend:           backend,
		MaxIterations:     8,
		RecursiveMaxDepth: 1,
		RootTimeout:       5 * time.Second,
		MinTimeout:        1 * time.Second,
		TimeStep:          1 * time.Second,
	})

	resp := ctrl.dispatchRecursive(context.Background(), repl.LMRequest{Prompt: "sub task", Depth: 1})
	require.Empty(t, resp.Error)
	assert.Equal(t, "child done", resp.Response)
	assert.Contains(t, ctrl.usage.ModelUsageSummaries, "child-model", "the child's usage must be merged into the parent's")
}

func TestDispatch_RecursiveMaxDepthZeroDegradesToFlatCompletion(t *testing.T) {
	backend := &scriptedClient{responses: []repl.LMResponse{
		{Response: "flat answer", Model: "test-model"},
	}}
	ctrl := New(Options{
		Backend:           backend,
		MaxIterations:     1,
		RecursiveMaxDepth: 0,
		RootTimeout:       5 * time.Second,
		MinTimeout:        1 * time.Second,
		TimeStep:          1 * time.Second,
	})

	resp := ctrl.dispatch(context.Background(), repl.LMRequest{Prompt: "sub", Depth: 0, Recursive: true})
	assert.Equal(t, "flat answer", resp.Response)
	assert.Equal(t, 1, backend.callCount(), "recursive_max_depth=0 must degrade to the flat backend, not spawn a child controller")
}

func TestUsageSummary_AddAndMerge(t *testing.T) {
	u := NewUsageSummary()
	u.Add("m1", Usage{Calls: 1, InputTokens: 10, OutputTokens: 5})
	u.Add("m1", Usage{Calls: 1, InputTokens: 3, OutputTokens: 1})

	other := NewUsageSummary()
	other.Add("m2", Usage{Calls: 2, InputTokens: 20, OutputTokens: 8})
	u.Merge(other)

	assert.Equal(t, 2, u.ModelUsageSummaries["m1"].TotalCalls)
	assert.Equal(t, 13, u.ModelUsageSummaries["m1"].TotalInputTokens)
	assert.Equal(t, 2, u.ModelUsageSummaries["m2"].TotalCalls)
	assert.Equal(t, 20, u.ModelUsageSummaries["m2"].TotalInputTokens)
}
