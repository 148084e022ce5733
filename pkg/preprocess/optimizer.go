package preprocess

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultOptimizeModel is the text model used to rewrite prompts.
const DefaultOptimizeModel = "claude-3-7-sonnet-20250219"

// DefaultSystemPrompt instructs the model when the caller gives none.
const DefaultSystemPrompt = `You rewrite prompts for image generation models.
Expand the user's idea into a single vivid, concrete description of subject, composition, lighting and style.
Keep the user's language. Output only the rewritten prompt without any explanation.`

// OptimizeUsage is the token usage of one optimization call.
type OptimizeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Optimizer rewrites a prompt with a text-generation backend.
type Optimizer interface {
	Optimize(ctx context.Context, prompt, systemPrompt string) (string, OptimizeUsage, error)
}

// AnthropicOptimizer implements Optimizer with the Messages API.
type AnthropicOptimizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// AnthropicOption configures an AnthropicOptimizer.
type AnthropicOption func(*AnthropicOptimizer)

// WithModel overrides the optimization model.
func WithModel(model string) AnthropicOption {
	return func(o *AnthropicOptimizer) {
		if model != "" {
			o.model = model
		}
	}
}

// WithMaxTokens caps the rewritten prompt length.
func WithMaxTokens(n int64) AnthropicOption {
	return func(o *AnthropicOptimizer) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// NewAnthropicOptimizer creates a new optimizer. An empty baseURL keeps the
// SDK default endpoint.
func NewAnthropicOptimizer(apiKey, baseURL string, httpClient *http.Client, opts ...AnthropicOption) (*AnthropicOptimizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(httpClient))
	}

	o := &AnthropicOptimizer{
		client:    anthropic.NewClient(reqOpts...),
		model:     DefaultOptimizeModel,
		maxTokens: 1024,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Optimize sends the prompt with a system instruction and returns the
// rewritten text.
func (o *AnthropicOptimizer) Optimize(ctx context.Context, prompt, systemPrompt string) (string, OptimizeUsage, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}

	resp, err := o.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(o.model),
		MaxTokens: o.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", OptimizeUsage{}, fmt.Errorf("anthropic API error: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	usage := OptimizeUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	text := strings.TrimSpace(content.String())
	if text == "" {
		return "", usage, fmt.Errorf("anthropic returned no text")
	}
	return text, usage, nil
}
