// Package ollama talks to a local Ollama server. No API key is involved.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/httputil"
	"github.com/felipepmaragno/llm-duel/internal/provider"
)

const DefaultBaseURL = "http://localhost:11434"

type Provider struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *Provider) ID() string {
	return "ollama"
}

func (p *Provider) GenerateText(ctx context.Context, req provider.TextRequest) (*provider.Completion, error) {
	var resp ollamaChatResponse
	if err := httputil.PostJSON(ctx, p.client, p.baseURL+"/api/chat", nil, toOllamaRequest(req), &resp); err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("ollama chat: %w", &provider.APIError{Message: resp.Error})
	}

	return &provider.Completion{
		Text: resp.Message.Content,
		Usage: domain.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
		},
	}, nil
}

// Models lists the models pulled on the local server.
func (p *Provider) Models(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama tags: status=%d", resp.StatusCode)
	}

	var tagsResp ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tagsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]string, len(tagsResp.Models))
	for i, m := range tagsResp.Models {
		models[i] = m.Name
	}

	return models, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy: status=%d", resp.StatusCode)
	}

	return nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	TotalDuration   int64         `json:"total_duration,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

type ollamaTagsResponse struct {
	Models []ollamaModel `json:"models"`
}

type ollamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
}

// toOllamaRequest maps sampling parameters into the options object, Ollama's
// home for them. num_predict is only sent when a limit was requested.
func toOllamaRequest(req provider.TextRequest) ollamaChatRequest {
	options := make(map[string]any, len(req.Extra)+2)
	for k, v := range req.Extra {
		options[k] = v
	}
	options["temperature"] = req.Temperature
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	return ollamaChatRequest{
		Model: req.Model,
		Messages: []ollamaMessage{
			{Role: "user", Content: req.Prompt},
		},
		Stream:  false,
		Options: options,
	}
}
