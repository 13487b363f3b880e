package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"

	"rlm/internal/repl"
)

// OpenAIClient wraps github.com/openai/openai-go/v2's Chat Completions API,
// grounded on the params/Choices[0].Message/Usage call shape used throughout
// the pack's openai adapters.
type OpenAIClient struct {
	sdk          sdk.Client
	defaultModel string
	usageCounter
}

func NewOpenAIClient(apiKey, baseURL, defaultModel string, httpClient *http.Client) *OpenAIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(apiKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(baseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIClient{
		sdk:          sdk.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req repl.LMRequest) repl.LMResponse {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: adaptOpenAIMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = adaptOpenAITools(req.Tools)
	}
	if len(req.ExtraKwargs) > 0 {
		params.SetExtraFields(req.ExtraKwargs)
	}

	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		c.usageCounter.recordError(model)
		return repl.LMResponse{Model: model, Error: repl.ErrorKind("provider_error"), ErrorText: err.Error()}
	}
	if len(comp.Choices) == 0 {
		c.usageCounter.recordError(model)
		return repl.LMResponse{Model: model, Error: repl.ErrorKind("provider_error"), ErrorText: "no choices returned"}
	}

	message := comp.Choices[0].Message
	inputTokens := int(comp.Usage.PromptTokens)
	outputTokens := int(comp.Usage.CompletionTokens)
	c.usageCounter.record(model, inputTokens, outputTokens)

	return repl.LMResponse{
		Response:  message.Content,
		Model:     model,
		InputTok:  inputTokens,
		OutputTok: outputTokens,
		ToolCalls: adaptOpenAIToolCalls(message.ToolCalls),
	}
}

// adaptOpenAITools mirrors the pack's run_cli tool definition, turning a
// spec.md §4.2 tool schema into a ChatCompletionFunctionTool.
func adaptOpenAITools(schemas []repl.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		def := sdk.FunctionDefinitionParam{Name: s.Name}
		if s.Description != "" {
			def.Description = param.NewOpt(s.Description)
		}
		if s.Parameters != nil {
			def.Parameters = sdk.FunctionParameters(s.Parameters)
		}
		out = append(out, sdk.ChatCompletionFunctionTool(def))
	}
	return out
}

// adaptOpenAIToolCalls decodes each tool call's JSON-encoded argument string
// into the map shape llm_query's tool_handler expects.
func adaptOpenAIToolCalls(calls []sdk.ChatCompletionMessageToolCall) []repl.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]repl.ToolCall, 0, len(calls))
	for _, tc := range calls {
		fn := tc.Function
		var args map[string]any
		if fn.Arguments != "" {
			_ = json.Unmarshal([]byte(fn.Arguments), &args)
		}
		out = append(out, repl.ToolCall{Name: fn.Name, Args: args, ID: tc.ID})
	}
	return out
}

func (c *OpenAIClient) CompleteAsync(ctx context.Context, req repl.LMRequest) <-chan repl.LMResponse {
	return completeAsync(ctx, c.Complete, req)
}

func (c *OpenAIClient) LastUsage() repl.LMResponse {
	return c.usageCounter.lastUsage()
}

func adaptOpenAIMessages(req repl.LMRequest) []sdk.ChatCompletionMessageParamUnion {
	if len(req.Messages) == 0 {
		return []sdk.ChatCompletionMessageParamUnion{sdk.UserMessage(req.Prompt)}
	}
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "tool":
			// repl.Message carries no tool_call_id (the tool loop lives
			// entirely inside the Environment, see jsvm.runToolLoop), so
			// the result is folded back in as a user turn rather than a
			// true ToolMessage.
			out = append(out, sdk.UserMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}
