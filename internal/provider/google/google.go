// Package google calls Gemini models through the Generative Language REST API.
package google

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/httputil"
	"github.com/felipepmaragno/llm-duel/internal/provider"
)

const (
	DefaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultMaxTokens = 8192
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
	return "google"
}

func (p *Provider) GenerateText(ctx context.Context, req provider.TextRequest) (*provider.Completion, error) {
	model := strings.TrimPrefix(req.Model, "models/")
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, url.PathEscape(model))

	headers := map[string]string{"x-goog-api-key": req.APIKey}

	var resp generateContentResponse
	if err := httputil.PostJSON(ctx, p.client, endpoint, headers, toGeminiRequest(req), &resp); err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	if resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("gemini generate content: %w", &provider.APIError{
			Type:    "blocked",
			Message: "prompt blocked: " + resp.PromptFeedback.BlockReason,
		})
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini generate content: no candidates: %w", provider.ErrMalformedResponse)
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return &provider.Completion{
		Text: text.String(),
		Usage: domain.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

type generateContentRequest struct {
	Contents         []content      `json:"contents"`
	GenerationConfig map[string]any `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateContentResponse struct {
	Candidates     []candidate    `json:"candidates"`
	PromptFeedback promptFeedback `json:"promptFeedback"`
	UsageMetadata  usageMetadata  `json:"usageMetadata"`
	ModelVersion   string         `json:"modelVersion"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// toGeminiRequest puts passthrough options into generationConfig, which is
// where Gemini expects sampling parameters such as topP and topK.
func toGeminiRequest(req provider.TextRequest) generateContentRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	config := make(map[string]any, len(req.Extra)+2)
	for k, v := range req.Extra {
		config[k] = v
	}
	config["temperature"] = req.Temperature
	config["maxOutputTokens"] = maxTokens

	return generateContentRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: req.Prompt}}},
		},
		GenerationConfig: config,
	}
}
