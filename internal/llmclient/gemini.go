package llmclient

import (
	"context"
	"net/http"
	"strings"

	genai "google.golang.org/genai"

	"rlm/internal/repl"
)

// GeminiClient wraps google.golang.org/genai's Models.GenerateContent,
// grounded on the genai.Content/genai.Part call shape used by the pack's
// google provider adapter. It gives spec.md §4.1's per-depth other_backends
// routing a third, distinct real provider to route to.
type GeminiClient struct {
	client       *genai.Client
	defaultModel string
	usageCounter
}

func NewGeminiClient(ctx context.Context, apiKey, baseURL, defaultModel string, httpClient *http.Client) (*GeminiClient, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	httpOpts := genai.HTTPOptions{}
	if base := strings.TrimSpace(baseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      strings.TrimSpace(apiKey),
		HTTPClient:  httpClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, err
	}
	if defaultModel == "" {
		defaultModel = "gemini-1.5-flash"
	}
	return &GeminiClient{client: client, defaultModel: defaultModel}, nil
}

func (c *GeminiClient) Complete(ctx context.Context, req repl.LMRequest) repl.LMResponse {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	contents := adaptGeminiContents(req)
	config := adaptGeminiExtraKwargs(req.ExtraKwargs)

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		c.usageCounter.recordError(model)
		return repl.LMResponse{Model: model, Error: repl.ErrorKind("provider_error"), ErrorText: err.Error()}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		c.usageCounter.recordError(model)
		return repl.LMResponse{Model: model, Error: repl.ErrorKind("provider_error"), ErrorText: "no candidates in response"}
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}

	inputTokens, outputTokens := 0, 0
	if resp.UsageMetadata != nil {
		inputTokens = int(resp.UsageMetadata.PromptTokenCount)
		outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	c.usageCounter.record(model, inputTokens, outputTokens)

	return repl.LMResponse{
		Response:  sb.String(),
		Model:     model,
		InputTok:  inputTokens,
		OutputTok: outputTokens,
	}
}

func (c *GeminiClient) CompleteAsync(ctx context.Context, req repl.LMRequest) <-chan repl.LMResponse {
	return completeAsync(ctx, c.Complete, req)
}

func (c *GeminiClient) LastUsage() repl.LMResponse {
	return c.usageCounter.lastUsage()
}

// adaptGeminiExtraKwargs maps spec.md line 169's opaque extra_kwargs onto the
// handful of GenerateContentConfig fields genai exposes. Unlike the
// Anthropic and OpenAI SDKs' SetExtraFields, genai.GenerateContentConfig is a
// plain struct with no raw-JSON escape hatch, so only the recognized keys
// below pass through; anything else in extra_kwargs is silently dropped for
// this provider.
func adaptGeminiExtraKwargs(extra map[string]any) *genai.GenerateContentConfig {
	if len(extra) == 0 {
		return nil
	}
	cfg := &genai.GenerateContentConfig{}
	set := false
	if v, ok := extra["temperature"].(float64); ok {
		t := float32(v)
		cfg.Temperature = &t
		set = true
	}
	if v, ok := extra["top_p"].(float64); ok {
		p := float32(v)
		cfg.TopP = &p
		set = true
	}
	if v, ok := extra["top_k"].(float64); ok {
		k := float32(v)
		cfg.TopK = &k
		set = true
	}
	if v, ok := extra["max_output_tokens"].(float64); ok {
		cfg.MaxOutputTokens = int32(v)
		set = true
	}
	if !set {
		return nil
	}
	return cfg
}

func adaptGeminiContents(req repl.LMRequest) []*genai.Content {
	if len(req.Messages) == 0 {
		return []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	}
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.RoleUser
		if strings.ToLower(m.Role) == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}
