package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordGeneration(t *testing.T) {
	GenerationsTotal.Reset()
	GenerationDuration.Reset()

	RecordGeneration("openai", "gpt-4o", "text", "success", 1.5)
	RecordGeneration("openai", "gpt-4o", "text", "vendor", 0.2)
	RecordGeneration("openai", "gpt-4o", "text", "success", 0.9)

	success := testutil.ToFloat64(GenerationsTotal.WithLabelValues("openai", "gpt-4o", "text", "success"))
	if success != 2 {
		t.Errorf("success generations = %v, want 2", success)
	}

	failed := testutil.ToFloat64(GenerationsTotal.WithLabelValues("openai", "gpt-4o", "text", "vendor"))
	if failed != 1 {
		t.Errorf("vendor failures = %v, want 1", failed)
	}
}

func TestRecordTokensAndCost(t *testing.T) {
	TokensTotal.Reset()
	CostTotal.Reset()

	RecordTokens("anthropic", "claude-3-7-sonnet-latest", 100)
	RecordTokens("anthropic", "claude-3-7-sonnet-latest", 50)
	RecordCost("anthropic", "claude-3-7-sonnet-latest", 0.5)
	RecordCost("anthropic", "claude-3-7-sonnet-latest", 0.25)

	if got := testutil.ToFloat64(TokensTotal.WithLabelValues("anthropic", "claude-3-7-sonnet-latest")); got != 150 {
		t.Errorf("tokens = %v, want 150", got)
	}
	if got := testutil.ToFloat64(CostTotal.WithLabelValues("anthropic", "claude-3-7-sonnet-latest")); got != 0.75 {
		t.Errorf("cost = %v, want 0.75", got)
	}
}

func TestRecordComparison(t *testing.T) {
	ComparisonsTotal.Reset()

	RecordComparison("code", 3)
	RecordComparison("code", 2)
	RecordComparison("text", 1)

	if got := testutil.ToFloat64(ComparisonsTotal.WithLabelValues("code")); got != 2 {
		t.Errorf("code comparisons = %v, want 2", got)
	}
}

func TestRecordStoreOperation(t *testing.T) {
	StoreOperations.Reset()

	RecordStoreOperation("save", nil)
	RecordStoreOperation("save", errors.New("disk full"))

	if got := testutil.ToFloat64(StoreOperations.WithLabelValues("save", "error")); got != 1 {
		t.Errorf("save errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(StoreOperations.WithLabelValues("save", "success")); got != 1 {
		t.Errorf("save successes = %v, want 1", got)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()

	SetCircuitBreakerState("openai", 0)
	if state := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai")); state != 0 {
		t.Errorf("CircuitBreakerState = %v, want 0", state)
	}

	SetCircuitBreakerState("openai", 1)
	if state := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("openai")); state != 1 {
		t.Errorf("CircuitBreakerState = %v, want 1", state)
	}
}

func TestActiveComparisons(t *testing.T) {
	ActiveComparisons.Set(0)

	ActiveComparisons.Inc()
	ActiveComparisons.Inc()
	ActiveComparisons.Dec()

	if got := testutil.ToFloat64(ActiveComparisons); got != 1 {
		t.Errorf("ActiveComparisons = %v, want 1", got)
	}
}
