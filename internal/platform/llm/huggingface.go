package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultHuggingFaceBaseURL = "https://api-inference.huggingface.co/models"

// HuggingFaceClassifier calls the text-generation inference API. Generation
// models usually answer in labelled lines rather than JSON, which the triage
// response parser accepts.
type HuggingFaceClassifier struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewHuggingFaceClassifier(cfg ProviderConfig) *HuggingFaceClassifier {
	model := cfg.Model
	if model == "" {
		model = defaultHuggingFaceModel
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultHuggingFaceBaseURL
	}
	return &HuggingFaceClassifier{apiKey: cfg.APIKey, model: model, baseURL: base, httpClient: newHTTPClient()}
}

func (c *HuggingFaceClassifier) Name() string { return ProviderHuggingFace + ":" + c.model }

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens"`
	Temperature    float64 `json:"temperature"`
	ReturnFullText bool    `json:"return_full_text"`
}

type hfGeneration struct {
	GeneratedText string `json:"generated_text"`
}

type hfError struct {
	Error string `json:"error"`
}

func (c *HuggingFaceClassifier) Invoke(ctx context.Context, req Request) (string, error) {
	prompt := req.Prompt
	if req.System != "" {
		prompt = "[INST] " + req.System + "\n\n" + req.Prompt + " [/INST]"
	}
	// the inference API rejects a temperature of exactly zero
	temp := req.Temperature
	if temp <= 0 {
		temp = 0.01
	}

	body, err := json.Marshal(hfRequest{
		Inputs: prompt,
		Parameters: hfParameters{
			MaxNewTokens: maxTokens(req.MaxTokens),
			Temperature:  temp,
		},
	})
	if err != nil {
		return "", fmt.Errorf("huggingface: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.model, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("huggingface: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("huggingface: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("huggingface: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr hfError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return "", fmt.Errorf("huggingface: status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return "", fmt.Errorf("huggingface: unexpected status %d", resp.StatusCode)
	}

	var generations []hfGeneration
	if err := json.Unmarshal(respBody, &generations); err != nil {
		return "", fmt.Errorf("huggingface: parse response: %w (body: %s)", err, truncate(string(respBody), 200))
	}
	if len(generations) == 0 || strings.TrimSpace(generations[0].GeneratedText) == "" {
		return "", fmt.Errorf("huggingface: %w", ErrEmptyResponse)
	}
	return generations[0].GeneratedText, nil
}
