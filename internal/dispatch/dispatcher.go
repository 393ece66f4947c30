// Package dispatch fans a prompt out to several provider/model pairs at once
// and collects one result per pair, in input order.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-duel/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/metrics"
	"github.com/felipepmaragno/llm-duel/internal/registry"
	"github.com/felipepmaragno/llm-duel/internal/telemetry"
)

const DefaultCallTimeout = 120 * time.Second

type Config struct {
	Registry *registry.Registry
	// Breakers is optional. Without it every call reaches its vendor.
	Breakers *circuitbreaker.Manager
	// CallTimeout bounds each vendor call. Zero means DefaultCallTimeout,
	// a negative value disables the per-call deadline.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

type Dispatcher struct {
	registry    *registry.Registry
	breakers    *circuitbreaker.Manager
	callTimeout time.Duration
	logger      *slog.Logger
}

func New(cfg Config) *Dispatcher {
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		registry:    cfg.Registry,
		breakers:    cfg.Breakers,
		callTimeout: timeout,
		logger:      logger,
	}
}

// CompareModels runs every pair concurrently and waits for all of them.
// A failing pair never affects its siblings: its slot holds a failed result.
// Duplicate pairs are dispatched independently.
func (d *Dispatcher) CompareModels(ctx context.Context, prompt string, pairs []string, mode domain.Mode, options domain.Options) []domain.GenerationResult {
	results := make([]domain.GenerationResult, len(pairs))
	if len(pairs) == 0 {
		return results
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch.compare")
	defer span.End()
	telemetry.AddComparisonAttributes(span, mode, len(pairs))

	metrics.RecordComparison(string(mode), len(pairs))
	metrics.ActiveComparisons.Inc()
	defer metrics.ActiveComparisons.Dec()

	var wg sync.WaitGroup
	for i, key := range pairs {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			results[i] = d.generate(ctx, key, prompt, mode, options)
		}(i, key)
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) generate(ctx context.Context, key, prompt string, mode domain.Mode, options domain.Options) (result domain.GenerationResult) {
	providerID, model, err := registry.ParsePair(key)
	if err != nil {
		return keyedFailure(key, "", "", domain.ErrorKindUnknownProvider, err.Error())
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch.generate")
	defer span.End()
	telemetry.AddGenerationAttributes(span, providerID, model, mode)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("generation panic", "provider", providerID, "model", model, "panic", r)
			result = keyedFailure(key, providerID, model, domain.ErrorKindVendor, providerID+": internal error")
		}
		result.ProviderModelKey = key
		result.LatencyMs = time.Since(start).Milliseconds()
		d.observe(ctx, result, mode)
		telemetry.AddResultAttributes(span, result)
	}()

	p, err := d.registry.Get(providerID)
	if err != nil {
		return keyedFailure(key, providerID, model, domain.ErrorKindUnknownProvider, fmt.Sprintf("%s: %v", key, err))
	}

	if d.breakers != nil {
		if err := d.breakers.Allow(ctx, providerID); err != nil {
			return keyedFailure(key, providerID, model, domain.ErrorKindUnavailable,
				providerID+": temporarily unavailable after repeated failures")
		}
	}

	callCtx := ctx
	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	callOptions := options.Clone()
	callOptions[domain.OptionModel] = model

	result = p.Generate(callCtx, domain.GenerationRequest{
		Prompt:  prompt,
		Mode:    mode,
		Options: callOptions,
	})

	if d.breakers != nil {
		switch {
		case !result.Failed:
			d.breakers.Record(ctx, providerID, true)
		case result.ErrorKind == domain.ErrorKindVendor:
			d.breakers.Record(ctx, providerID, false)
		}
	}

	return result
}

func (d *Dispatcher) observe(ctx context.Context, result domain.GenerationResult, mode domain.Mode) {
	status := "success"
	if result.Failed {
		status = string(result.ErrorKind)
	}

	metrics.RecordGeneration(result.Provider, result.Model, string(mode), status, float64(result.LatencyMs)/1000)
	if result.TokensUsed != nil {
		metrics.RecordTokens(result.Provider, result.Model, *result.TokensUsed)
	}
	if result.CostUSD > 0 {
		metrics.RecordCost(result.Provider, result.Model, result.CostUSD)
	}

	if result.Failed {
		d.logger.WarnContext(ctx, "generation failed",
			"key", result.ProviderModelKey,
			"latency_ms", result.LatencyMs,
			"error_kind", result.ErrorKind,
			"error", result.ErrorMessage,
		)
		return
	}

	d.logger.InfoContext(ctx, "generation completed",
		"key", result.ProviderModelKey,
		"latency_ms", result.LatencyMs,
		"contains_code", result.ContainsCode,
		"contains_images", result.ContainsImages,
	)
}

func keyedFailure(key, providerID, model string, kind domain.ErrorKind, message string) domain.GenerationResult {
	result := domain.FailedResult(providerID, model, kind, message)
	result.ProviderModelKey = key
	return result
}
