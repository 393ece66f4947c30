package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/felipepmaragno/llm-duel/internal/classifier"
	"github.com/felipepmaragno/llm-duel/internal/domain"
)

// GeneratedImageAlt is the alt text of image tags produced by image models.
const GeneratedImageAlt = "Generated image"

const (
	codePrompt  = "Please answer with well-formatted, commented code for the following problem. Put every code sample in a fenced block tagged with its language.\n\n%s"
	imagePrompt = "Please describe in detail an image that represents the following:\n\n%s"
)

// AugmentPrompt applies the mode instructions used on the text path.
func AugmentPrompt(mode domain.Mode, prompt string) string {
	switch mode {
	case domain.ModeCode:
		return fmt.Sprintf(codePrompt, prompt)
	case domain.ModeImage:
		return fmt.Sprintf(imagePrompt, prompt)
	default:
		return prompt
	}
}

type AdapterConfig struct {
	Name   string
	Client TextGenerator
	// Credentials is nil for vendors that authenticate out of band
	// (AWS credential chain, local Ollama).
	Credentials CredentialStore
	Cost        CostEstimator
	Logger      *slog.Logger
}

// Adapter turns a vendor client into a generator that never fails loudly:
// every outcome is a GenerationResult.
type Adapter struct {
	name        string
	client      TextGenerator
	credentials CredentialStore
	cost        CostEstimator
	logger      *slog.Logger
}

func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		name:        cfg.Name,
		client:      cfg.Client,
		credentials: cfg.Credentials,
		cost:        cfg.Cost,
		logger:      logger.With("provider", cfg.Name),
	}
}

func (a *Adapter) ID() string {
	return a.name
}

// SupportsImages reports whether the vendor client can generate images.
func (a *Adapter) SupportsImages() bool {
	_, ok := a.client.(ImageGenerator)
	return ok
}

func (a *Adapter) Generate(ctx context.Context, req domain.GenerationRequest) (result domain.GenerationResult) {
	model, hasModel := req.Options.Model()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("adapter panic", "model", model, "panic", r)
			result = domain.FailedResult(a.name, model, domain.ErrorKindVendor, a.name+": internal adapter error")
		}
	}()

	var apiKey string
	if a.credentials != nil {
		key, err := a.credentials.Credential(ctx, a.name)
		if err != nil && !errors.Is(err, domain.ErrCredentialMissing) {
			a.logger.Error("credential lookup failed", "error", err)
			return domain.FailedResult(a.name, model, domain.ErrorKindUnavailable, a.name+": credential lookup failed")
		}
		if key == "" {
			return domain.FailedResult(a.name, model, domain.ErrorKindConfiguration,
				fmt.Sprintf("%s: API key not configured (%s)", a.name, domain.CredentialEnvName(a.name)))
		}
		apiKey = key
	}

	if !hasModel {
		return domain.FailedResult(a.name, model, domain.ErrorKindConfiguration,
			fmt.Sprintf("%s: %s", a.name, domain.ErrModelRequired))
	}

	text, usage, err := a.call(ctx, apiKey, model, req)
	if err != nil {
		kind := domain.ErrorKindVendor
		if errors.Is(err, context.Canceled) {
			kind = domain.ErrorKindCanceled
		}
		a.logger.Warn("generation failed", "model", model, "error", err)
		return domain.FailedResult(a.name, model, kind, a.name+": "+describeError(err))
	}

	result = domain.GenerationResult{
		ProviderModelKey: a.name + "/" + model,
		Provider:         a.name,
		Model:            model,
		Text:             text,
		ContainsCode:     classifier.ContainsCode(text),
		ContainsImages:   classifier.ContainsImages(text),
	}

	if total, ok := usage.Total(); ok {
		result.TokensUsed = &total
	}
	if a.cost != nil {
		if cost, ok := a.cost.Estimate(model, usage); ok {
			result.CostUSD = cost
		}
	}

	return result
}

// call routes image mode and image-only models to the image endpoint with the
// caller's model unchanged; a vendor that rejects it fails the call.
func (a *Adapter) call(ctx context.Context, apiKey, model string, req domain.GenerationRequest) (string, domain.Usage, error) {
	if images, ok := a.client.(ImageGenerator); ok && (req.Mode == domain.ModeImage || images.IsImageModel(model)) {
		img, err := images.GenerateImage(ctx, ImageRequest{
			APIKey: apiKey,
			Model:  model,
			Prompt: req.Prompt,
			Extra:  req.Options.Passthrough(),
		})
		if err != nil {
			return "", domain.Usage{}, err
		}
		return fmt.Sprintf("![%s](%s)", GeneratedImageAlt, img.URL), img.Usage, nil
	}

	completion, err := a.client.GenerateText(ctx, TextRequest{
		APIKey:      apiKey,
		Model:       model,
		Prompt:      AugmentPrompt(req.Mode, req.Prompt),
		Temperature: req.Options.Temperature(),
		MaxTokens:   req.Options.MaxOutputTokens(0),
		Extra:       req.Options.Passthrough(),
	})
	if err != nil {
		return "", domain.Usage{}, err
	}

	return completion.Text, completion.Usage, nil
}
