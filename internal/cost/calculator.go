// Package cost estimates what a generation cost from the usage a vendor
// reported. Unknown models have no estimate rather than a zero one.
package cost

import (
	"sort"
	"strings"
	"sync"

	"github.com/felipepmaragno/llm-duel/internal/domain"
)

// ModelPricing is in USD per million tokens.
type ModelPricing struct {
	InputPer1M  float64 `yaml:"input_per_1m" json:"inputPer1M"`
	OutputPer1M float64 `yaml:"output_per_1m" json:"outputPer1M"`
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4o":            {InputPer1M: 2.5, OutputPer1M: 10},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.6},
	"gpt-4.1":           {InputPer1M: 2, OutputPer1M: 8},
	"gpt-4.1-mini":      {InputPer1M: 0.4, OutputPer1M: 1.6},
	"o3-mini":           {InputPer1M: 1.1, OutputPer1M: 4.4},
	"claude-3-7-sonnet": {InputPer1M: 3, OutputPer1M: 15},
	"claude-3-5-sonnet": {InputPer1M: 3, OutputPer1M: 15},
	"claude-3-5-haiku":  {InputPer1M: 0.8, OutputPer1M: 4},
	"claude-3-opus":     {InputPer1M: 15, OutputPer1M: 75},
	"claude-3-haiku":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-2.5-pro":    {InputPer1M: 1.25, OutputPer1M: 10},
	"gemini-2.5-flash":  {InputPer1M: 0.3, OutputPer1M: 2.5},
	"gemini-2.0-flash":  {InputPer1M: 0.1, OutputPer1M: 0.4},
	"mistral-large":     {InputPer1M: 2, OutputPer1M: 6},
	"mistral-small":     {InputPer1M: 0.1, OutputPer1M: 0.3},
	"codestral":         {InputPer1M: 0.3, OutputPer1M: 0.9},
	"deepseek-chat":     {InputPer1M: 0.27, OutputPer1M: 1.1},
	"deepseek-reasoner": {InputPer1M: 0.55, OutputPer1M: 2.19},
	"grok-3":            {InputPer1M: 3, OutputPer1M: 15},
	"grok-3-mini":       {InputPer1M: 0.3, OutputPer1M: 0.5},
	"sabia-3":           {InputPer1M: 1, OutputPer1M: 2},
}

type Calculator struct {
	mu       sync.RWMutex
	pricing  map[string]ModelPricing
	prefixes []string
}

func NewCalculator() *Calculator {
	c := &Calculator{pricing: make(map[string]ModelPricing, len(defaultPricing))}
	for model, p := range defaultPricing {
		c.pricing[model] = p
	}
	c.rebuildPrefixes()
	return c
}

// Estimate implements provider.CostEstimator. Dated or suffixed model names
// ("claude-3-5-haiku-20241022", "gpt-4o-2024-08-06") fall back to the longest
// priced prefix. Bedrock IDs are matched after their vendor prefix.
func (c *Calculator) Estimate(model string, usage domain.Usage) (float64, bool) {
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		return 0, false
	}

	pricing, ok := c.lookup(normalizeModel(model))
	if !ok {
		return 0, false
	}

	inputCost := float64(usage.InputTokens) / 1_000_000 * pricing.InputPer1M
	outputCost := float64(usage.OutputTokens) / 1_000_000 * pricing.OutputPer1M

	return inputCost + outputCost, true
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
	c.rebuildPrefixes()
}

func (c *Calculator) lookup(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(model, prefix+"-") || strings.HasPrefix(model, prefix+":") {
			return c.pricing[prefix], true
		}
	}
	return ModelPricing{}, false
}

// rebuildPrefixes orders priced models longest first so "gpt-4o-mini-..."
// is never billed as "gpt-4o".
func (c *Calculator) rebuildPrefixes() {
	c.prefixes = c.prefixes[:0]
	for model := range c.pricing {
		c.prefixes = append(c.prefixes, model)
	}
	sort.Slice(c.prefixes, func(i, j int) bool {
		if len(c.prefixes[i]) != len(c.prefixes[j]) {
			return len(c.prefixes[i]) > len(c.prefixes[j])
		}
		return c.prefixes[i] < c.prefixes[j]
	})
}

func normalizeModel(model string) string {
	model = strings.ToLower(strings.TrimPrefix(model, "models/"))
	if i := strings.Index(model, "anthropic."); i >= 0 {
		model = model[i+len("anthropic."):]
	}
	return strings.TrimSuffix(model, "-latest")
}
