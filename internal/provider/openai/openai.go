// Package openai speaks the OpenAI chat completions and image generation
// protocol. Mistral, DeepSeek, xAI and Maritaca expose the same chat protocol
// and are served by NewCompatible.
package openai

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
	DefaultBaseURL   = "https://api.openai.com/v1"
	defaultMaxTokens = 2048
	defaultImageSize = "1024x1024"
)

// CompatibleBaseURLs are the default endpoints of the OpenAI-compatible
// vendors.
var CompatibleBaseURLs = map[string]string{
	"mistral":  "https://api.mistral.ai/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"xai":      "https://api.x.ai/v1",
	"maritaca": "https://api.maritaca.ai/api/v1",
}

// Client is a text-only chat completions client.
type Client struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewCompatible returns a chat client for an OpenAI-compatible vendor.
func NewCompatible(name, baseURL string, client *http.Client) *Client {
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (c *Client) ID() string {
	return c.name
}

func (c *Client) GenerateText(ctx context.Context, req provider.TextRequest) (*provider.Completion, error) {
	body, err := provider.MergeBody(toChatRequest(req), req.Extra)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := httputil.PostJSON(ctx, c.client, c.baseURL+"/chat/completions", authHeader(req.APIKey), body, &resp); err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", c.name, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s chat completion: no choices: %w", c.name, provider.ErrMalformedResponse)
	}

	return &provider.Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: domain.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// Provider is the OpenAI client itself: chat plus image generation.
type Provider struct {
	*Client
}

func New(baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{Client: NewCompatible("openai", baseURL, client)}
}

// IsImageModel matches the image-only model families.
func (p *Provider) IsImageModel(model string) bool {
	return strings.HasPrefix(model, "gpt-image") || strings.HasPrefix(model, "dall-e")
}

func (p *Provider) GenerateImage(ctx context.Context, req provider.ImageRequest) (*provider.Image, error) {
	imgReq := imageRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		N:      1,
		Size:   defaultImageSize,
	}

	body, err := provider.MergeBody(imgReq, req.Extra)
	if err != nil {
		return nil, err
	}

	var resp imageResponse
	if err := httputil.PostJSON(ctx, p.client, p.baseURL+"/images/generations", authHeader(req.APIKey), body, &resp); err != nil {
		return nil, fmt.Errorf("openai image generation: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai image generation: no data: %w", provider.ErrMalformedResponse)
	}

	img := resp.Data[0]
	url := img.URL
	if url == "" && img.B64JSON != "" {
		url = "data:image/png;base64," + img.B64JSON
	}
	if url == "" {
		return nil, fmt.Errorf("openai image generation: empty image: %w", provider.ErrMalformedResponse)
	}

	out := &provider.Image{URL: url}
	if resp.Usage != nil {
		out.Usage = domain.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Temperature         *float64      `json:"temperature,omitempty"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
	Usage   *imageUsage `json:"usage,omitempty"`
}

type imageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type imageUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func toChatRequest(req provider.TextRequest) chatRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	chatReq := chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "user", Content: req.Prompt},
		},
	}

	// Reasoning models reject temperature and the legacy max_tokens field.
	if isReasoningModel(req.Model) {
		chatReq.MaxCompletionTokens = maxTokens
		return chatReq
	}

	temperature := req.Temperature
	chatReq.Temperature = &temperature
	chatReq.MaxTokens = maxTokens
	return chatReq
}

func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func authHeader(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}
