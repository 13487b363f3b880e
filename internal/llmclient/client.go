// Package llmclient adapts real provider SDKs to spec.md §4.3's Dispatch
// contract. Concrete provider clients are deliberately thin: spec.md §1
// places provider SDKs out of scope for this system ("a model backend ...
// appears only through its interface contract"), so these files are
// adapters, not reimplementations of the teacher's much larger per-provider
// clients.
package llmclient

import (
	"context"
	"sync"

	"rlm/internal/repl"
)

// Client is the capability every backend exposes to the Iteration
// Controller: a single request/response call plus both of spec.md §4.3's
// usage queries — get_last_usage() (the most recent call only) and
// get_usage_summary() (the cumulative aggregate since construction) — at
// the Go-client granularity. The controller owns cross-call aggregation
// across multiple Clients in internal/rlm; a Client only reports its own
// scope.
type Client interface {
	// Complete sends one LMRequest and returns the provider's LMResponse.
	// Never returns a Go error for provider-side failures: those are
	// reported through LMResponse.Error/ErrorText so the REPL helper layer
	// can surface them as ordinary string results, per spec.md §5.
	Complete(ctx context.Context, req repl.LMRequest) repl.LMResponse

	// CompleteAsync implements spec.md §4.3's acompletion(): the same call,
	// asynchronous, delivered over a channel. Shares Complete's sync state
	// machine rather than reimplementing it, per spec.md §9's guidance for
	// re-architecting the source's coroutine-based acompletion.
	CompleteAsync(ctx context.Context, req repl.LMRequest) <-chan repl.LMResponse

	// LastUsage implements spec.md §4.3's get_last_usage(): the token/model
	// counts of this Client's single most recent call, not the cumulative
	// total.
	LastUsage() repl.LMResponse

	// Stats implements spec.md §4.3's get_usage_summary(): calls/tokens/
	// errors accumulated since construction, grounded on the reference
	// corpus's SubCallStats/ToJSON snapshot pattern (see SPEC_FULL.md's
	// Supplemented Features), narrowed to this one Client's own scope. The
	// totals are not split by model: calls to different models are summed
	// into one tally, and Stats.Model names the most recent model seen.
	Stats() Stats
}

// completeAsync is the one-line goroutine+channel wrapper shared by every
// concrete Client's CompleteAsync, mirroring rlm.Controller.CompleteAsync's
// shape at the Client granularity.
func completeAsync(ctx context.Context, complete func(context.Context, repl.LMRequest) repl.LMResponse, req repl.LMRequest) <-chan repl.LMResponse {
	out := make(chan repl.LMResponse, 1)
	go func() {
		out <- complete(ctx, req)
		close(out)
	}()
	return out
}

// Stats is one Client's call/token/error tally since construction.
type Stats struct {
	Model        string `json:"model"`
	Calls        int    `json:"calls"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Errors       int    `json:"errors"`
}

// usageCounter is embedded by each concrete Client to track both the
// lifetime-cumulative aggregate and the most recent call's own usage,
// grounded on the teacher's internal/llm/observability.go per-model counter
// map, reduced here to a single per-Client counter, kept for the Client's
// whole lifetime and guarded by one mutex (the controller, not the client, is responsible for
// per-model aggregation across multiple Clients/backends). The two are
// tracked separately because spec.md §4.3 distinguishes get_last_usage()
// (one call) from get_usage_summary() (the running total) — collapsing them
// into one running total silently breaks get_last_usage() for every call
// after the first.
type usageCounter struct {
	mu           sync.Mutex
	calls        int
	inputTokens  int
	outputTokens int
	errors       int
	model        string

	lastModel     string
	lastInputTok  int
	lastOutputTok int
	lastErr       bool
}

func (u *usageCounter) record(model string, inputTokens, outputTokens int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.inputTokens += inputTokens
	u.outputTokens += outputTokens
	if model != "" {
		u.model = model
	}
	u.lastModel, u.lastInputTok, u.lastOutputTok, u.lastErr = model, inputTokens, outputTokens, false
}

func (u *usageCounter) recordError(model string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.errors++
	if model != "" {
		u.model = model
	}
	u.lastModel, u.lastInputTok, u.lastOutputTok, u.lastErr = model, 0, 0, true
}

// lastUsage implements get_last_usage(): only the most recent call's own
// token counts, never the running total.
func (u *usageCounter) lastUsage() repl.LMResponse {
	u.mu.Lock()
	defer u.mu.Unlock()
	resp := repl.LMResponse{
		Model:     u.lastModel,
		InputTok:  u.lastInputTok,
		OutputTok: u.lastOutputTok,
	}
	if u.lastErr {
		resp.Error = repl.ErrorKind("provider_error")
	}
	return resp
}

// snapshot implements get_usage_summary(): the cumulative aggregate since
// construction.
func (u *usageCounter) snapshot() repl.LMResponse {
	u.mu.Lock()
	defer u.mu.Unlock()
	return repl.LMResponse{
		Model:     u.model,
		InputTok:  u.inputTokens,
		OutputTok: u.outputTokens,
	}
}

// Stats is promoted to every concrete Client via struct embedding.
func (u *usageCounter) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Stats{
		Model:        u.model,
		Calls:        u.calls,
		InputTokens:  u.inputTokens,
		OutputTokens: u.outputTokens,
		Errors:       u.errors,
	}
}
