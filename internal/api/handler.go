package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/llm-duel/internal/catalog"
	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/metrics"
	"github.com/felipepmaragno/llm-duel/internal/queue"
	"github.com/felipepmaragno/llm-duel/internal/ratelimit"
	"github.com/felipepmaragno/llm-duel/internal/repository"
	"github.com/felipepmaragno/llm-duel/internal/secrets"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

type Comparer interface {
	CompareModels(ctx context.Context, prompt string, pairs []string, mode domain.Mode, options domain.Options) []domain.GenerationResult
}

type ProviderLister interface {
	List() []string
}

type BreakerStates interface {
	States(ctx context.Context) map[string]string
}

// KeyManager sets and removes credentials at runtime.
type KeyManager interface {
	Set(provider, apiKey string) error
	Delete(provider string) bool
}

type HandlerConfig struct {
	Comparer  Comparer
	Store     repository.ComparisonRepository
	Providers ProviderLister
	Catalog   *catalog.Catalog

	// Credentials answers key status queries; Keys, when KeysAPIEnabled, lets
	// clients set runtime keys.
	Credentials    secrets.Store
	Keys           KeyManager
	KeysAPIEnabled bool

	// Queue is optional; without it async comparisons answer 503. Results
	// can be fetched over HTTP only when it is a queue.ResultFetcher.
	Queue queue.Queue

	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int

	// TrustForwardedFor keys the limit on the first X-Forwarded-For entry.
	// Otherwise the header is ignored and the peer address is used.
	TrustForwardedFor bool

	Breakers      BreakerStates
	Checkers      []HealthChecker
	HealthTimeout time.Duration
	Version       string
}

type Handler struct {
	cfg      HandlerConfig
	mux      *http.ServeMux
	validate *validator.Validate
	handler  http.Handler
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	h := &Handler{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		validate: newValidator(),
	}

	h.mux.HandleFunc("POST /v1/compare", h.handleCompare)
	h.mux.HandleFunc("POST /v1/compare/async", h.handleCompareAsync)
	h.mux.HandleFunc("GET /v1/compare/async/{id}", h.handleAsyncResult)
	h.mux.HandleFunc("POST /v1/parse", h.handleParse)
	h.mux.HandleFunc("GET /v1/comparisons", h.handleListComparisons)
	h.mux.HandleFunc("POST /v1/comparisons", h.handleSaveComparison)
	h.mux.HandleFunc("GET /v1/comparisons/{timestamp}", h.handleGetComparison)
	h.mux.HandleFunc("DELETE /v1/comparisons/{timestamp}", h.handleDeleteComparison)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/keys", h.handleKeyStatus)
	h.mux.HandleFunc("PUT /v1/keys/{provider}", h.handleSetKey)
	h.mux.HandleFunc("DELETE /v1/keys/{provider}", h.handleDeleteKey)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.Handle("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, cfg.HealthTimeout, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	h.handler = h.withRequestID(h.withRateLimit(h.mux))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

type ctxKey int

const requestIDKey ctxKey = iota

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (h *Handler) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRateLimit applies the per-client limit to /v1/ routes. Limiter errors
// let the request through.
func (h *Handler) withRateLimit(next http.Handler) http.Handler {
	if h.cfg.RateLimiter == nil || h.cfg.RateLimitRPM <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		client := clientAddress(r, h.cfg.TrustForwardedFor)

		allowed, remaining, resetAt, err := h.cfg.RateLimiter.Allow(ctx, client, h.cfg.RateLimitRPM)
		if err != nil {
			slog.Error("rate limiter error", "error", err, "request_id", requestIDFrom(ctx))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitRPM))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", resetAt.UTC().Format(time.RFC3339))

		if !allowed {
			metrics.RecordRateLimitHit()
			slog.Warn("rate limit exceeded", "client", client, "request_id", requestIDFrom(ctx))
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(time.Until(resetAt).Seconds()))))
			writeError(w, http.StatusTooManyRequests, domain.ErrRateLimitExceeded.Error()+", please try again later")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientAddress(r *http.Request, trustForwarded bool) string {
	if fwd := r.Header.Get("X-Forwarded-For"); trustForwarded && fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", domain.ErrInvalidRequest)
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, describeValidation(verrs))
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func describeValidation(errs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "min", "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "max", "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(status),
			"code":    status,
		},
	})
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "unavailable_error"
	case http.StatusNotImplemented:
		return "not_implemented_error"
	default:
		return "api_error"
	}
}

// writeDomainError maps sentinel errors to status codes. Anything unknown is
// logged and reported as an internal error without its detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), domain.ErrInvalidRequest.Error()+": "))
	case errors.Is(err, domain.ErrComparisonNotFound):
		writeError(w, http.StatusNotFound, "comparison not found")
	case errors.Is(err, domain.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		slog.ErrorContext(r.Context(), "request failed", "error", err, "request_id", requestIDFrom(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
