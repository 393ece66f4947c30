package circuitbreaker

import (
	"context"
	"log/slog"

	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// The scripts keep every transition atomic across instances.

// KEYS: state, last_failure, successes. ARGV: timeout seconds.
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local timeout = tonumber(ARGV[1])

if state == 'open' then
    local lastFailure = tonumber(redis.call('GET', KEYS[2]) or '0')
    local now = tonumber(redis.call('TIME')[1])

    if (now - lastFailure) >= timeout then
        redis.call('SET', KEYS[1], 'half-open')
        redis.call('SET', KEYS[3], '0')
        return 'half-open'
    end
    return 'open'
end

return state
`)

// KEYS: state, failures, successes. ARGV: success threshold.
var recordSuccessScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'

if state == 'closed' then
    redis.call('SET', KEYS[2], '0')
    return 'closed'
end

if state == 'half-open' then
    local successes = redis.call('INCR', KEYS[3])
    if successes >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'closed')
        redis.call('SET', KEYS[2], '0')
        redis.call('SET', KEYS[3], '0')
        return 'closed'
    end
    return 'half-open'
end

return state
`)

// KEYS: state, failures, last_failure, successes. ARGV: failure threshold.
var recordFailureScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1]) or 'closed'
local now = redis.call('TIME')[1]

redis.call('SET', KEYS[3], now)

if state == 'closed' then
    local failures = redis.call('INCR', KEYS[2])
    if failures >= tonumber(ARGV[1]) then
        redis.call('SET', KEYS[1], 'open')
        return 'open'
    end
    return 'closed'
end

if state == 'half-open' then
    redis.call('SET', KEYS[1], 'open')
    redis.call('SET', KEYS[4], '0')
    return 'open'
end

return state
`)

// RedisCircuitBreaker shares a provider's breaker between API instances and
// queue workers. Redis errors fail open: a broken breaker store must not
// block comparisons.
type RedisCircuitBreaker struct {
	client     *redis.Client
	providerID string
	config     Config
	keyPrefix  string
	logger     *slog.Logger
}

func NewRedisWithClient(client *redis.Client, providerID string, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client:     client,
		providerID: providerID,
		config:     cfg,
		keyPrefix:  "llmduel:cb:" + providerID + ":",
		logger:     slog.Default().With("provider", providerID),
	}
}

// RedisFactory adapts NewRedisWithClient for WithFactory.
func RedisFactory(client *redis.Client) func(providerID string, cfg Config) CircuitBreaker {
	return func(providerID string, cfg Config) CircuitBreaker {
		return NewRedisWithClient(client, providerID, cfg)
	}
}

func (cb *RedisCircuitBreaker) stateKey() string       { return cb.keyPrefix + "state" }
func (cb *RedisCircuitBreaker) failuresKey() string    { return cb.keyPrefix + "failures" }
func (cb *RedisCircuitBreaker) successesKey() string   { return cb.keyPrefix + "successes" }
func (cb *RedisCircuitBreaker) lastFailureKey() string { return cb.keyPrefix + "last_failure" }

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) (State, error) {
	keys := []string{cb.stateKey(), cb.lastFailureKey(), cb.successesKey()}

	result, err := allowScript.Run(ctx, cb.client, keys, int(cb.config.Timeout.Seconds())).Text()
	if err != nil {
		cb.logger.Warn("circuit breaker allow failed", "error", err)
		return StateClosed, nil
	}

	state := parseState(result)
	if state == StateOpen {
		return state, domain.ErrCircuitBreakerOpen
	}
	return state, nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) State {
	keys := []string{cb.stateKey(), cb.failuresKey(), cb.successesKey()}

	result, err := recordSuccessScript.Run(ctx, cb.client, keys, cb.config.SuccessThreshold).Text()
	if err != nil {
		cb.logger.Warn("circuit breaker record success failed", "error", err)
		return cb.State(ctx)
	}
	return parseState(result)
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) State {
	keys := []string{cb.stateKey(), cb.failuresKey(), cb.lastFailureKey(), cb.successesKey()}

	result, err := recordFailureScript.Run(ctx, cb.client, keys, cb.config.FailureThreshold).Text()
	if err != nil {
		cb.logger.Warn("circuit breaker record failure failed", "error", err)
		return cb.State(ctx)
	}
	return parseState(result)
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	result, err := cb.client.Get(ctx, cb.stateKey()).Result()
	if err != nil {
		return StateClosed
	}
	return parseState(result)
}

// Reset closes the breaker by hand.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	pipe := cb.client.Pipeline()
	pipe.Set(ctx, cb.stateKey(), "closed", 0)
	pipe.Set(ctx, cb.failuresKey(), "0", 0)
	pipe.Set(ctx, cb.successesKey(), "0", 0)
	pipe.Del(ctx, cb.lastFailureKey())
	_, err := pipe.Exec(ctx)
	return err
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
