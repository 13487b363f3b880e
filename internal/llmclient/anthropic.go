package llmclient

import (
	"context"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"rlm/internal/repl"
)

const anthropicDefaultMaxTokens int64 = 4096

// AnthropicClient wraps github.com/anthropics/anthropic-sdk-go, grounded on
// the Messages.New call shape (model/messages/system/max_tokens params,
// Content block union response) used throughout the pack's anthropic
// adapters.
type AnthropicClient struct {
	sdk          anthropic.Client
	defaultModel string
	usageCounter
}

// NewAnthropicClient constructs a Client around the Anthropic SDK. apiKey
// and baseURL follow the SDK's option.WithAPIKey/option.WithBaseURL
// convention; httpClient may be nil to use http.DefaultClient.
func NewAnthropicClient(apiKey, baseURL, defaultModel string, httpClient *http.Client) *AnthropicClient {
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
		defaultModel = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &AnthropicClient{
		sdk:          anthropic.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, req repl.LMRequest) repl.LMResponse {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := adaptAnthropicMessages(req)
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if len(req.ExtraKwargs) > 0 {
		params.SetExtraFields(req.ExtraKwargs)
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		c.usageCounter.recordError(model)
		return repl.LMResponse{Model: model, Error: repl.ErrorKind("provider_error"), ErrorText: err.Error()}
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	inputTokens := int(resp.Usage.InputTokens)
	outputTokens := int(resp.Usage.OutputTokens)
	c.usageCounter.record(model, inputTokens, outputTokens)

	return repl.LMResponse{
		Response:  sb.String(),
		Model:     model,
		InputTok:  inputTokens,
		OutputTok: outputTokens,
	}
}

func (c *AnthropicClient) CompleteAsync(ctx context.Context, req repl.LMRequest) <-chan repl.LMResponse {
	return completeAsync(ctx, c.Complete, req)
}

func (c *AnthropicClient) LastUsage() repl.LMResponse {
	return c.usageCounter.lastUsage()
}

// adaptAnthropicMessages maps repl.LMRequest's flat prompt/messages fields
// onto Anthropic's MessageParam list. A bare Prompt becomes a single user
// turn; an explicit Messages history takes precedence when present.
func adaptAnthropicMessages(req repl.LMRequest) []anthropic.MessageParam {
	if len(req.Messages) == 0 {
		return []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))}
	}
	out := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		switch strings.ToLower(m.Role) {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(block))
		default:
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
