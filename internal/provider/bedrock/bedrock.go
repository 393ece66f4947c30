// Package bedrock invokes Anthropic models hosted on AWS Bedrock. It
// authenticates with the AWS credential chain, not with an API key.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/provider"
)

const (
	bedrockAnthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens        = 4096
)

type runtimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Provider struct {
	client runtimeClient
	region string
}

func New(ctx context.Context, region string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Provider {
	return &Provider{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func (p *Provider) ID() string {
	return "bedrock"
}

func (p *Provider) GenerateText(ctx context.Context, req provider.TextRequest) (*provider.Completion, error) {
	modelID := mapModelID(req.Model)
	if !strings.HasPrefix(modelID, "anthropic.") && !strings.Contains(modelID, ".anthropic.") {
		return nil, fmt.Errorf("bedrock invoke model: %w", &provider.APIError{
			Type:    "unsupported_model",
			Message: fmt.Sprintf("model %q is not an Anthropic model", req.Model),
		})
	}

	body, err := provider.MergeBody(toBedrockRequest(req), req.Extra)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke model: %w", translateError(ctx, err))
	}

	return parseBedrockResponse(output.Body)
}

// translateError keeps context errors intact and turns AWS API errors into
// provider.APIError so the adapter can report status and message.
func translateError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	return &provider.APIError{
		StatusCode: status,
		Type:       apiErr.ErrorCode(),
		Message:    apiErr.ErrorMessage(),
	}
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      bedrockUsage   `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// mapModelID expands short aliases. It never chooses a model on its own:
// unknown names pass through unchanged.
func mapModelID(model string) string {
	modelMap := map[string]string{
		"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
		"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
		"claude-3-7-sonnet": "anthropic.claude-3-7-sonnet-20250219-v1:0",
		"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
		"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
	}

	if mapped, ok := modelMap[model]; ok {
		return mapped
	}
	return model
}

func toBedrockRequest(req provider.TextRequest) bedrockRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	temperature := req.Temperature
	if temperature > 1 {
		temperature = 1
	}

	return bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		Temperature:      temperature,
		Messages: []bedrockMessage{
			{Role: "user", Content: req.Prompt},
		},
	}
}

func parseBedrockResponse(body []byte) (*provider.Completion, error) {
	var resp bedrockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w: %w", provider.ErrMalformedResponse, err)
	}

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
	}, nil
}
