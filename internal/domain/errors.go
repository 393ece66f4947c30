package domain

import "errors"

var (
	ErrProviderNotFound   = errors.New("provider not found")
	ErrInvalidPair        = errors.New("invalid provider/model pair")
	ErrModelRequired      = errors.New("model option is required")
	ErrCredentialMissing  = errors.New("credential not configured")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrComparisonNotFound = errors.New("comparison not found")
)
