package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClassifier calls the Anthropic Messages API.
type AnthropicClassifier struct {
	client anthropic.Client
	model  string
}

func NewAnthropicClassifier(cfg ProviderConfig) *AnthropicClassifier {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(newHTTPClient()),
		// retries belong to whoever wraps the adapter, not the SDK
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicClassifier{client: anthropic.NewClient(opts...), model: model}
}

func (c *AnthropicClassifier) Name() string { return ProviderAnthropic + ":" + c.model }

func (c *AnthropicClassifier) Invoke(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(maxTokens(req.MaxTokens)),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	for _, block := range message.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("anthropic: %w", ErrEmptyResponse)
}
