// Package provider defines the contract between the dispatcher and LLM vendors.
//
// Vendor packages (openai, anthropic, google, bedrock, ollama) implement the
// wire protocol as a TextGenerator and, where the vendor can draw, an
// ImageGenerator. Adapter wraps one of them with the policy every vendor
// shares: credential and model checks, mode handling, usage translation,
// error normalization and content classification.
package provider

import (
	"context"

	"github.com/felipepmaragno/llm-duel/internal/domain"
)

type TextRequest struct {
	APIKey      string
	Model       string
	Prompt      string
	Temperature float64
	// MaxTokens is zero when the caller did not ask for a limit; vendors
	// apply their own default.
	MaxTokens int
	Extra     map[string]any
}

type Completion struct {
	Text  string
	Usage domain.Usage
}

type ImageRequest struct {
	APIKey string
	Model  string
	Prompt string
	Extra  map[string]any
}

type Image struct {
	// URL is either a remote URL or a data URI.
	URL   string
	Usage domain.Usage
}

type TextGenerator interface {
	GenerateText(ctx context.Context, req TextRequest) (*Completion, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*Image, error)
	// IsImageModel reports whether model only produces images.
	IsImageModel(model string) bool
}

// CredentialStore resolves a vendor API key. A missing key is reported as
// domain.ErrCredentialMissing.
type CredentialStore interface {
	Credential(ctx context.Context, provider string) (string, error)
}

type CostEstimator interface {
	Estimate(model string, usage domain.Usage) (float64, bool)
}
