package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmduel_generations_total",
			Help: "Total number of provider/model generations, by outcome",
		},
		[]string{"provider", "model", "mode", "status"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmduel_generation_duration_seconds",
			Help:    "Latency of a single generation in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmduel_tokens_total",
			Help: "Total number of tokens reported by vendors",
		},
		[]string{"provider", "model"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmduel_cost_usd_total",
			Help: "Estimated cost in USD",
		},
		[]string{"provider", "model"},
	)

	ComparisonsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmduel_comparisons_total",
			Help: "Total number of comparisons dispatched",
		},
		[]string{"mode"},
	)

	ComparisonSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmduel_comparison_size",
			Help:    "Number of provider/model pairs per comparison",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		},
	)

	ActiveComparisons = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmduel_active_comparisons",
			Help: "Number of comparisons currently in flight",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmduel_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmduel_store_operations_total",
			Help: "Comparison store operations, by outcome",
		},
		[]string{"operation", "status"},
	)

	QueueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmduel_queue_messages_total",
			Help: "Async comparison requests handled by the worker",
		},
		[]string{"status"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmduel_rate_limit_hits_total",
			Help: "Total number of rejected requests due to rate limiting",
		},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmduel_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)
)

// RecordGeneration records one provider/model call. status is "success" or
// the failure kind.
func RecordGeneration(provider, model, mode, status string, durationSec float64) {
	GenerationsTotal.WithLabelValues(provider, model, mode, status).Inc()
	GenerationDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, tokens int) {
	TokensTotal.WithLabelValues(provider, model).Add(float64(tokens))
}

func RecordCost(provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(provider, model).Add(costUSD)
}

func RecordComparison(mode string, pairs int) {
	ComparisonsTotal.WithLabelValues(mode).Inc()
	ComparisonSize.Observe(float64(pairs))
}

func RecordStoreOperation(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StoreOperations.WithLabelValues(operation, status).Inc()
}

func RecordQueueMessage(status string) {
	QueueMessages.WithLabelValues(status).Inc()
}

func RecordRateLimitHit() {
	RateLimitHits.Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func InitInstanceMetrics(podName, version string) {
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}
