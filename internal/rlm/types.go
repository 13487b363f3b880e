package rlm

import "time"

// Usage is the token/call accounting for a single LM call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Calls        int `json:"calls"`
}

// ModelUsage is the per-model aggregate counted in a UsageSummary.
type ModelUsage struct {
	TotalCalls        int `json:"total_calls"`
	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`
}

// UsageSummary maps a model identifier to its aggregate usage across a
// completion's lifetime: root-model calls, flat sub-LM calls, and merged
// recursive children. It is monotonic: a completion's summary only ever
// grows until the completion ends.
type UsageSummary struct {
	ModelUsageSummaries map[string]*ModelUsage `json:"model_usage_summaries"`
}

// NewUsageSummary returns an empty, ready-to-use UsageSummary.
func NewUsageSummary() *UsageSummary {
	return &UsageSummary{ModelUsageSummaries: make(map[string]*ModelUsage)}
}

// Add records one LM call's usage against model.
func (u *UsageSummary) Add(model string, usage Usage) {
	if u.ModelUsageSummaries == nil {
		u.ModelUsageSummaries = make(map[string]*ModelUsage)
	}
	mu, ok := u.ModelUsageSummaries[model]
	if !ok {
		mu = &ModelUsage{}
		u.ModelUsageSummaries[model] = mu
	}
	mu.TotalCalls += usage.Calls
	mu.TotalInputTokens += usage.InputTokens
	mu.TotalOutputTokens += usage.OutputTokens
}

// Merge folds another completion's usage summary into this one — used when
// a recursive child controller's usage is merged into its parent's.
func (u *UsageSummary) Merge(other *UsageSummary) {
	if other == nil {
		return
	}
	for model, mu := range other.ModelUsageSummaries {
		if mu == nil {
			continue
		}
		u.Add(model, Usage{
			Calls:        mu.TotalCalls,
			InputTokens:  mu.TotalInputTokens,
			OutputTokens: mu.TotalOutputTokens,
		})
	}
}

// IterationEvent is a supplemental per-iteration trace record, recorded for
// every loop iteration. It is purely observational: no control-flow decision
// in the controller reads it back. The controller does not fill Tokens, so
// it is always zero.
type IterationEvent struct {
	Iteration int           `json:"iteration"`
	Depth     int           `json:"depth"`
	Duration  time.Duration `json:"duration"`
	Tokens    int           `json:"tokens"`
	Action    string        `json:"action"` // "executed" | "final" | "marker_error" | "reminder"
}

// RLMChatCompletion is the final externally visible result of a call to
// Controller.Complete / Controller.CompleteAsync.
type RLMChatCompletion struct {
	RootModel      string            `json:"root_model"`
	Prompt         string            `json:"prompt"`
	Response       string            `json:"response"`
	UsageSummary   *UsageSummary     `json:"usage_summary"`
	ExecutionTime  time.Duration     `json:"execution_time"`
	IterationTrace []IterationEvent  `json:"iteration_trace,omitempty"`
	Error          *RLMError         `json:"-"`
	ErrorKind      ErrorKind         `json:"error,omitempty"`
	ErrorText      string            `json:"error_text,omitempty"`
}

// withError populates both the structured Error and its flattened wire
// fields from an RLMError.
func (c *RLMChatCompletion) withError(err *RLMError) *RLMChatCompletion {
	if err == nil {
		return c
	}
	c.Error = err
	c.ErrorKind = err.Kind
	c.ErrorText = err.Message
	return c
}
