// Package llm provides the remote text-classification transports used by the
// triage pipeline: Anthropic Messages, OpenAI-compatible chat completions and
// the Hugging Face inference API. Each transport makes exactly one request
// per Invoke and leaves timeouts to the caller's context.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Request is a single prompt sent to a model.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Classifier is implemented by every transport in this package.
type Classifier interface {
	Name() string
	Invoke(ctx context.Context, req Request) (string, error)
}

var ErrEmptyResponse = errors.New("llm: empty response")

const (
	ProviderAnthropic   = "anthropic"
	ProviderOpenAI      = "openai"
	ProviderHuggingFace = "huggingface"
	ProviderNone        = "none"
)

const (
	defaultAnthropicModel   = "claude-sonnet-4-5-20250929"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultHuggingFaceModel = "medalpaca/medalpaca-13b"
	defaultMaxTokens        = 512
)

// backstopTimeout bounds a request even if the caller forgot a deadline.
const backstopTimeout = 60 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: backstopTimeout}
}

// ProviderConfig selects and configures one transport.
type ProviderConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
}

// New builds the transport named by cfg.Provider. It returns nil, nil for
// "none" or an empty provider so callers can run rules-only.
func New(cfg ProviderConfig) (Classifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderNone:
		return nil, nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: anthropic provider requires an API key")
		}
		return NewAnthropicClassifier(cfg), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: openai provider requires an API key")
		}
		return NewOpenAIClassifier(cfg), nil
	case ProviderHuggingFace:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: huggingface provider requires an API key")
		}
		return NewHuggingFaceClassifier(cfg), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

func maxTokens(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
