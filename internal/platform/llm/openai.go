package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClassifier calls an OpenAI-compatible chat completions endpoint.
type OpenAIClassifier struct {
	client openai.Client
	model  string
}

func NewOpenAIClassifier(cfg ProviderConfig) *OpenAIClassifier {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(newHTTPClient()),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIClassifier{client: openai.NewClient(opts...), model: model}
}

func (c *OpenAIClassifier) Name() string { return ProviderOpenAI + ":" + c.model }

func (c *OpenAIClassifier) Invoke(ctx context.Context, req Request) (string, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    msgs,
		Temperature: openai.Float(req.Temperature),
		MaxTokens:   openai.Int(int64(maxTokens(req.MaxTokens))),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			if apiErr.Message != "" {
				return "", fmt.Errorf("openai: status %d: %s", apiErr.StatusCode, apiErr.Message)
			}
			return "", fmt.Errorf("openai: status %d: %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	return completion.Choices[0].Message.Content, nil
}
