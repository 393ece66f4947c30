package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/httputil"
	"github.com/felipepmaragno/llm-duel/internal/provider"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

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
	return "anthropic"
}

func (p *Provider) GenerateText(ctx context.Context, req provider.TextRequest) (*provider.Completion, error) {
	body, err := provider.MergeBody(toAnthropicRequest(req), req.Extra)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"x-api-key":         req.APIKey,
		"anthropic-version": anthropicVersion,
	}

	var resp anthropicResponse
	if err := httputil.PostJSON(ctx, p.client, p.baseURL+"/messages", headers, body, &resp); err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	if resp.Type == "error" && resp.Error != nil {
		return nil, fmt.Errorf("anthropic messages: %w", &provider.APIError{
			Type:    resp.Error.Type,
			Message: resp.Error.Message,
		})
	}

	return toCompletion(resp), nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Content    []contentBlock  `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      anthropicUsage  `json:"usage"`
	Error      *anthropicError `json:"error,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func toAnthropicRequest(req provider.TextRequest) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	// The messages API caps temperature at 1.0.
	temperature := req.Temperature
	if temperature > 1 {
		temperature = 1
	}

	return anthropicRequest{
		Model: req.Model,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}

func toCompletion(resp anthropicResponse) *provider.Completion {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &provider.Completion{
		Text: content.String(),
		Usage: domain.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
}
