package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-duel/internal/catalog"
	"github.com/felipepmaragno/llm-duel/internal/crypto"
	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/queue"
	"github.com/felipepmaragno/llm-duel/internal/ratelimit"
	"github.com/felipepmaragno/llm-duel/internal/repository"
	"github.com/felipepmaragno/llm-duel/internal/secrets"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type MockComparer struct {
	CompareModelsFunc func(ctx context.Context, prompt string, pairs []string, mode domain.Mode, options domain.Options) []domain.GenerationResult
}

func (m *MockComparer) CompareModels(ctx context.Context, prompt string, pairs []string, mode domain.Mode, options domain.Options) []domain.GenerationResult {
	if m.CompareModelsFunc != nil {
		return m.CompareModelsFunc(ctx, prompt, pairs, mode, options)
	}
	out := make([]domain.GenerationResult, len(pairs))
	for i, p := range pairs {
		out[i] = domain.GenerationResult{ProviderModelKey: p, Text: "answer to " + prompt}
	}
	return out
}

type MockRateLimiter struct {
	AllowFunc func(ctx context.Context, key string, limit int) (bool, int, time.Time, error)
}

func (m *MockRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	if m.AllowFunc != nil {
		return m.AllowFunc(ctx, key, limit)
	}
	return true, limit - 1, time.Now().Add(time.Minute), nil
}

type MockComparisonRepository struct {
	repository.ComparisonRepository
	SaveFunc func(ctx context.Context, c domain.SavedComparison) error
	ListFunc func(ctx context.Context) ([]domain.SavedComparison, error)
	GetFunc  func(ctx context.Context, key string) (*domain.SavedComparison, error)
}

func (m *MockComparisonRepository) Get(ctx context.Context, key string) (*domain.SavedComparison, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return nil, domain.ErrComparisonNotFound
}

func (m *MockComparisonRepository) Save(ctx context.Context, c domain.SavedComparison) error {
	return m.SaveFunc(ctx, c)
}

func (m *MockComparisonRepository) List(ctx context.Context) ([]domain.SavedComparison, error) {
	return m.ListFunc(ctx)
}

type MockQueue struct {
	queue.Queue
	SendRequestFunc func(ctx context.Context, req queue.AsyncRequest) error
}

func (m *MockQueue) SendRequest(ctx context.Context, req queue.AsyncRequest) error {
	return m.SendRequestFunc(ctx, req)
}

type MockHealthChecker struct {
	name string
	err  error
}

func (m *MockHealthChecker) Name() string                    { return m.name }
func (m *MockHealthChecker) Check(ctx context.Context) error { return m.err }

type staticProviders []string

func (s staticProviders) List() []string { return s }

type staticBreakers map[string]string

func (s staticBreakers) States(ctx context.Context) map[string]string { return s }

// =============================================================================
// Helpers
// =============================================================================

type testEnv struct {
	handler *Handler
	store   *repository.InMemoryComparisonRepository
	keys    *secrets.MemoryStore
	queue   *queue.InMemoryQueue
}

func newTestEnv(t *testing.T, modify func(*HandlerConfig)) *testEnv {
	t.Helper()

	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	enc, err := crypto.NewRandomEncryptor()
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}

	env := &testEnv{
		store: repository.NewInMemoryComparisonRepository(),
		keys:  secrets.NewMemoryStore(enc),
		queue: queue.NewInMemoryQueue(),
	}

	cfg := HandlerConfig{
		Comparer:       &MockComparer{},
		Store:          env.store,
		Providers:      staticProviders{"openai", "anthropic", "ollama"},
		Catalog:        cat,
		Credentials:    secrets.Chain{env.keys, secrets.NewStaticStore(map[string]string{"openai": "sk-env"})},
		Keys:           env.keys,
		KeysAPIEnabled: true,
		Queue:          env.queue,
		Version:        "test",
	}
	if modify != nil {
		modify(&cfg)
	}

	env.handler = NewHandler(cfg)
	return env
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// =============================================================================
// Compare
// =============================================================================

func TestCompare_Success(t *testing.T) {
	var gotMode domain.Mode
	var gotOptions domain.Options

	env := newTestEnv(t, func(cfg *HandlerConfig) {
		cfg.Comparer = &MockComparer{
			CompareModelsFunc: func(ctx context.Context, prompt string, pairs []string, mode domain.Mode, options domain.Options) []domain.GenerationResult {
				gotMode, gotOptions = mode, options
				return []domain.GenerationResult{
					{ProviderModelKey: pairs[0], Text: "ok"},
					domain.FailedResult("mistral", "m", domain.ErrorKindConfiguration, "mistral: API key not configured (MISTRAL_API_KEY)"),
				}
			},
		}
	})

	rec := env.do("POST", "/v1/compare", map[string]any{
		"prompt":      "Write a sort",
		"pairs":       []string{"openai/gpt-4o", "mistral/m"},
		"mode":        "code",
		"temperature": 0.3,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}

	resp := decodeBody[CompareResponse](t, rec)
	if len(resp.Results) != 2 || !resp.Results[1].Failed {
		t.Errorf("results = %+v", resp.Results)
	}
	if resp.SavedAs != "" {
		t.Error("comparison should not be saved unless requested")
	}
	if gotMode != domain.ModeCode || gotOptions.Temperature() != 0.3 {
		t.Errorf("mode = %q, options = %v", gotMode, gotOptions)
	}
}

func TestCompare_Save(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do("POST", "/v1/compare", map[string]any{
		"prompt": "hi",
		"pairs":  []string{"openai/gpt-4o"},
		"save":   true,
	})

	resp := decodeBody[CompareResponse](t, rec)
	if resp.SavedAs == "" {
		t.Fatalf("expected savedAs, got %+v", resp)
	}

	saved, err := env.store.Get(context.Background(), resp.SavedAs)
	if err != nil || saved.Prompt != "hi" || len(saved.Responses) != 1 {
		t.Errorf("saved = %+v, %v", saved, err)
	}
}

func TestCompare_SaveFailureStillReturnsResults(t *testing.T) {
	env := newTestEnv(t, func(cfg *HandlerConfig) {
		cfg.Store = &MockComparisonRepository{
			SaveFunc: func(ctx context.Context, c domain.SavedComparison) error { return errors.New("disk full") },
		}
	})

	rec := env.do("POST", "/v1/compare", map[string]any{"prompt": "hi", "pairs": []string{"openai/gpt-4o"}, "save": true})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[CompareResponse](t, rec)
	if len(resp.Results) != 1 || resp.SaveError == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestCompare_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		wantMsg string
	}{
		{"malformed json", "{", "invalid request body"},
		{"missing prompt", map[string]any{"pairs": []string{"openai/gpt-4o"}}, "prompt is required"},
		{"bad mode", map[string]any{"prompt": "x", "mode": "video"}, "mode must be one of"},
		{"temperature too high", map[string]any{"prompt": "x", "temperature": 3}, "temperature must be at most 2"},
		{"too many pairs", map[string]any{"prompt": "x", "pairs": make([]string, 17)}, "pairs must be at most 16"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.do("POST", "/v1/compare", tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			body := decodeBody[errorBody](t, rec)
			if !strings.Contains(body.Error.Message, tt.wantMsg) {
				t.Errorf("message = %q, want it to contain %q", body.Error.Message, tt.wantMsg)
			}
			if body.Error.Type != "invalid_request_error" || body.Error.Code != 400 {
				t.Errorf("error = %+v", body.Error)
			}
		})
	}
}

func TestCompare_EmptyPairs(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do("POST", "/v1/compare", map[string]any{"prompt": "hi", "pairs": []string{}})

	resp := decodeBody[CompareResponse](t, rec)
	if rec.Code != http.StatusOK || resp.Results == nil || len(resp.Results) != 0 {
		t.Errorf("status = %d, results = %#v", rec.Code, resp.Results)
	}
}

func TestCompareAsync(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do("POST", "/v1/compare/async", map[string]any{
		"prompt": "hi",
		"pairs":  []string{"openai/gpt-4o", "xai/grok-3"},
		"save":   true,
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["id"] == "" || body["status"] != "queued" {
		t.Errorf("body = %v", body)
	}

	jobs, _ := env.queue.ReceiveRequests(context.Background(), 10)
	if len(jobs) != 1 || jobs[0].ID != body["id"] || !jobs[0].Save || len(jobs[0].Pairs) != 2 {
		t.Errorf("queued jobs = %+v", jobs)
	}
}

func TestCompareAsync_Unavailable(t *testing.T) {
	tests := []struct {
		name  string
		queue queue.Queue
	}{
		{"not configured", nil},
		{"send fails", &MockQueue{SendRequestFunc: func(ctx context.Context, req queue.AsyncRequest) error {
			return errors.New("throttled")
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(cfg *HandlerConfig) { cfg.Queue = tt.queue })

			rec := env.do("POST", "/v1/compare/async", map[string]any{"prompt": "hi"})
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", rec.Code)
			}
		})
	}
}

func TestCompareAsync_FetchResult(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec := env.do("POST", "/v1/compare/async", map[string]any{
		"prompt": "hi",
		"pairs":  []string{"openai/gpt-4o", "anthropic/claude-3-5-sonnet"},
		"save":   true,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d, body %s", rec.Code, rec.Body)
	}
	id := decodeBody[map[string]string](t, rec)["id"]

	rec = env.do("GET", "/v1/compare/async/"+id, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("pending status = %d, body %s", rec.Code, rec.Body)
	}
	if body := decodeBody[map[string]string](t, rec); body["status"] != "pending" {
		t.Errorf("pending body = %v", body)
	}

	worker := queue.NewWorker(queue.WorkerConfig{Queue: env.queue, Comparer: &MockComparer{}, Store: env.store})
	if n, err := worker.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("Poll() = %d, %v", n, err)
	}

	rec = env.do("GET", "/v1/compare/async/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decodeBody[AsyncResultResponse](t, rec)
	if got.ID != id || got.Status != "completed" || len(got.Results) != 2 {
		t.Errorf("result = %+v", got)
	}
	if got.Results[0].Text != "answer to hi" || got.Results[1].ProviderModelKey != "anthropic/claude-3-5-sonnet" {
		t.Errorf("results = %+v", got.Results)
	}
	if got.SavedAs == "" {
		t.Error("expected the saved comparison key")
	} else if _, err := env.store.Get(ctx, got.SavedAs); err != nil {
		t.Errorf("saved comparison: %v", err)
	}

	rec = env.do("GET", "/v1/compare/async/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second fetch status = %d, want 404", rec.Code)
	}
	if env.queue.Len() != 0 {
		t.Errorf("queue still holds %d responses", env.queue.Len())
	}
}

func TestCompareAsync_FetchResultErrors(t *testing.T) {
	tests := []struct {
		name     string
		queue    queue.Queue
		id       string
		wantCode int
	}{
		{"unknown id", queue.NewInMemoryQueue(), "missing", http.StatusNotFound},
		{"not configured", nil, "x", http.StatusServiceUnavailable},
		{"queue without results", &MockQueue{}, "x", http.StatusNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(cfg *HandlerConfig) { cfg.Queue = tt.queue })

			rec := env.do("GET", "/v1/compare/async/"+tt.id, nil)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if body := decodeBody[errorBody](t, rec); body.Error.Code != tt.wantCode {
				t.Errorf("error body = %+v", body)
			}
		})
	}
}

func TestParse(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do("POST", "/v1/parse", map[string]any{
		"text": "Intro\n```go\nx := 1\n```\n![chart](https://example.com/c.png)",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[ParseResponse](t, rec)
	if !resp.ContainsCode || !resp.ContainsImages {
		t.Errorf("flags = %+v", resp)
	}

	kinds := make([]domain.ContentKind, len(resp.Blocks))
	for i, b := range resp.Blocks {
		kinds[i] = b.Kind
	}
	want := []domain.ContentKind{domain.ContentText, domain.ContentCode, domain.ContentImage}
	if len(kinds) != len(want) {
		t.Fatalf("blocks = %+v", resp.Blocks)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("blocks[%d].Kind = %q, want %q", i, kinds[i], want[i])
		}
	}
}

// =============================================================================
// Comparisons
// =============================================================================

func TestComparisons_CRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do("POST", "/v1/comparisons", map[string]any{
		"prompt":      "saved by client",
		"temperature": 0.5,
		"timestamp":   "2025-06-01T10:00:00.123456Z",
		"responses":   []domain.GenerationResult{{ProviderModelKey: "openai/gpt-4o", Text: "hi"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("save status = %d, body %s", rec.Code, rec.Body)
	}
	key := decodeBody[map[string]string](t, rec)["timestamp"]
	if key != "2025-06-01T10:00:00.123Z" {
		t.Errorf("timestamp = %q", key)
	}

	env.do("POST", "/v1/comparisons", map[string]any{
		"prompt":    "newer",
		"timestamp": "2025-06-02T10:00:00Z",
		"responses": []domain.GenerationResult{{ProviderModelKey: "xai/grok-3"}},
	})

	list := decodeBody[struct {
		Comparisons []domain.SavedComparison `json:"comparisons"`
		Count       int                      `json:"count"`
	}](t, env.do("GET", "/v1/comparisons", nil))
	if list.Count != 2 || list.Comparisons[0].Prompt != "newer" {
		t.Errorf("list = %+v", list)
	}

	filtered := decodeBody[struct {
		Count int `json:"count"`
	}](t, env.do("GET", "/v1/comparisons?pair=openai/gpt-4o", nil))
	if filtered.Count != 1 {
		t.Errorf("filtered count = %d, want 1", filtered.Count)
	}

	limited := decodeBody[struct {
		Count int `json:"count"`
	}](t, env.do("GET", "/v1/comparisons?limit=1", nil))
	if limited.Count != 1 {
		t.Errorf("limited count = %d, want 1", limited.Count)
	}

	rec = env.do("GET", "/v1/comparisons/"+key, nil)
	if rec.Code != http.StatusOK || decodeBody[domain.SavedComparison](t, rec).Prompt != "saved by client" {
		t.Errorf("get status = %d", rec.Code)
	}

	if rec := env.do("DELETE", "/v1/comparisons/"+key, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do("DELETE", "/v1/comparisons/"+key, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestComparisons_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad timestamp", "GET", "/v1/comparisons/yesterday", nil, http.StatusBadRequest},
		{"unknown timestamp", "GET", "/v1/comparisons/2020-01-01T00:00:00Z", nil, http.StatusNotFound},
		{"bad limit", "GET", "/v1/comparisons?limit=-2", nil, http.StatusBadRequest},
		{"missing prompt", "POST", "/v1/comparisons", map[string]any{"responses": []any{}}, http.StatusBadRequest},
		{"missing responses", "POST", "/v1/comparisons", map[string]any{"prompt": "x"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			if rec := env.do(tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestComparisons_StoreFailure(t *testing.T) {
	env := newTestEnv(t, func(cfg *HandlerConfig) {
		cfg.Store = &MockComparisonRepository{
			ListFunc: func(ctx context.Context) ([]domain.SavedComparison, error) {
				return nil, errors.New("connection refused")
			},
		}
	})

	rec := env.do("GET", "/v1/comparisons", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); strings.Contains(body.Error.Message, "refused") {
		t.Error("internal error detail should not leak")
	}
}

// =============================================================================
// Models and keys
// =============================================================================

func TestListModels(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do("GET", "/v1/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := decodeBody[struct {
		Providers []struct {
			ID         string          `json:"id"`
			Models     []catalog.Model `json:"models"`
			Configured bool            `json:"configured"`
			Available  bool            `json:"available"`
		} `json:"providers"`
	}](t, rec)

	byID := map[string]int{}
	for i, p := range body.Providers {
		byID[p.ID] = i
	}

	tests := []struct {
		id                    string
		configured, available bool
	}{
		{"openai", true, true},
		{"anthropic", false, true},
		{"ollama", true, true},
		{"xai", false, false},
	}
	for _, tt := range tests {
		p := body.Providers[byID[tt.id]]
		if p.Configured != tt.configured || p.Available != tt.available {
			t.Errorf("%s: configured=%v available=%v, want %v %v", tt.id, p.Configured, p.Available, tt.configured, tt.available)
		}
		if len(p.Models) == 0 {
			t.Errorf("%s has no models", tt.id)
		}
	}
}

func TestKeys_Lifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	status := func() map[string]secrets.KeyStatus {
		body := decodeBody[struct {
			Keys     []secrets.KeyStatus `json:"keys"`
			Writable bool                `json:"writable"`
		}](t, env.do("GET", "/v1/keys", nil))
		if !body.Writable {
			t.Error("keys should be writable")
		}
		out := map[string]secrets.KeyStatus{}
		for _, k := range body.Keys {
			out[k.Provider] = k
		}
		return out
	}

	before := status()
	if !before["openai"].Configured || before["anthropic"].Configured {
		t.Errorf("initial status = %+v", before)
	}
	if _, ok := before["ollama"]; ok {
		t.Error("keyless providers should not be listed")
	}

	rec := env.do("PUT", "/v1/keys/anthropic", map[string]string{"apiKey": "  sk-ant-123456  "})
	if rec.Code != http.StatusOK {
		t.Fatalf("set status = %d, body %s", rec.Code, rec.Body)
	}
	if got := decodeBody[secrets.KeyStatus](t, rec); got.Fingerprint != crypto.Fingerprint("sk-ant-123456") {
		t.Errorf("fingerprint = %q", got.Fingerprint)
	}
	if key, _ := env.keys.Credential(context.Background(), "anthropic"); key != "sk-ant-123456" {
		t.Errorf("stored key = %q", key)
	}
	if !status()["anthropic"].Configured {
		t.Error("anthropic should be configured after PUT")
	}

	if rec := env.do("DELETE", "/v1/keys/anthropic", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do("DELETE", "/v1/keys/anthropic", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestKeys_Errors(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		method  string
		path    string
		body    any
		want    int
	}{
		{"disabled", false, "PUT", "/v1/keys/openai", map[string]string{"apiKey": "k"}, http.StatusNotFound},
		{"unknown provider", true, "PUT", "/v1/keys/cohere", map[string]string{"apiKey": "k"}, http.StatusNotFound},
		{"keyless provider", true, "PUT", "/v1/keys/ollama", map[string]string{"apiKey": "k"}, http.StatusNotFound},
		{"empty key", true, "PUT", "/v1/keys/openai", map[string]string{"apiKey": ""}, http.StatusBadRequest},
		{"blank key", true, "PUT", "/v1/keys/openai", map[string]string{"apiKey": "   "}, http.StatusBadRequest},
		{"delete disabled", false, "DELETE", "/v1/keys/openai", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(cfg *HandlerConfig) { cfg.KeysAPIEnabled = tt.enabled })
			if rec := env.do(tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

// =============================================================================
// Middleware and health
// =============================================================================

func TestRateLimit(t *testing.T) {
	var mu sync.Mutex
	var keys []string

	env := newTestEnv(t, func(cfg *HandlerConfig) {
		cfg.RateLimitRPM = 2
		cfg.RateLimiter = &MockRateLimiter{
			AllowFunc: func(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
				mu.Lock()
				defer mu.Unlock()
				keys = append(keys, key)
				return len(keys) <= limit, max(limit-len(keys), 0), time.Now().Add(time.Minute), nil
			},
		}
	})

	for i := 0; i < 2; i++ {
		if rec := env.do("POST", "/v1/parse", map[string]string{"text": "x"}); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	rec := env.do("POST", "/v1/parse", map[string]string{"text": "x"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("headers = %v", rec.Header())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	if rec := env.do("GET", "/health/live", nil); rec.Code != http.StatusOK {
		t.Error("health routes should not be rate limited")
	}
	if len(keys) != 3 || keys[0] != "192.0.2.1" {
		t.Errorf("limiter keys = %v", keys)
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	env := newTestEnv(t, func(cfg *HandlerConfig) {
		cfg.RateLimitRPM = 1
		cfg.RateLimiter = &MockRateLimiter{
			AllowFunc: func(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
				return false, 0, time.Time{}, errors.New("redis down")
			},
		}
	})

	if rec := env.do("POST", "/v1/parse", map[string]string{"text": "x"}); rec.Code != http.StatusOK {
		t.Errorf("status = %d, limiter errors should not block requests", rec.Code)
	}
}

func TestRateLimit_IgnoresSpoofedForwardedFor(t *testing.T) {
	env := newTestEnv(t, func(cfg *HandlerConfig) {
		cfg.RateLimitRPM = 2
		cfg.RateLimiter = ratelimit.NewInMemoryRateLimiter()
	})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest("POST", "/v1/parse", strings.NewReader(`{"text":"x"}`))
		req.RemoteAddr = "198.51.100.20:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		want := http.StatusOK
		if i >= 2 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Errorf("request %d: status = %d, want %d", i, rec.Code, want)
		}
	}
}

func TestRateLimit_TrustedForwardedFor(t *testing.T) {
	env := newTestEnv(t, func(cfg *HandlerConfig) {
		cfg.RateLimitRPM = 1
		cfg.RateLimiter = ratelimit.NewInMemoryRateLimiter()
		cfg.TrustForwardedFor = true
	})

	for _, client := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest("POST", "/v1/parse", strings.NewReader(`{"text":"x"}`))
		req.RemoteAddr = "10.0.0.1:40000"
		req.Header.Set("X-Forwarded-For", client+", 10.0.0.1")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("client %s: status = %d, each forwarded client has its own quota", client, rec.Code)
		}
	}
}

func TestClientAddress(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		trusted    bool
		want       string
	}{
		{"remote addr", "10.1.2.3:5555", "", false, "10.1.2.3"},
		{"forwarded ignored by default", "10.1.2.3:5555", "203.0.113.9, 10.0.0.1", false, "10.1.2.3"},
		{"forwarded when trusted", "10.1.2.3:5555", "203.0.113.9, 10.0.0.1", true, "203.0.113.9"},
		{"trusted without header", "10.1.2.3:5555", "", true, "10.1.2.3"},
		{"no port", "10.1.2.3", "", false, "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientAddress(r, tt.trusted); got != tt.want {
				t.Errorf("clientAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestID_Propagated(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("POST", "/v1/compare", strings.NewReader(`{"prompt":"hi","pairs":[]}`))
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "req-42" {
		t.Errorf("X-Request-ID = %q", rec.Header().Get("X-Request-ID"))
	}
	if resp := decodeBody[CompareResponse](t, rec); resp.RequestID != "req-42" {
		t.Errorf("requestId = %q", resp.RequestID)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		breakers staticBreakers
		want     string
	}{
		{"all closed", staticBreakers{"openai": "closed"}, "healthy"},
		{"one open", staticBreakers{"openai": "closed", "mistral": "open"}, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(cfg *HandlerConfig) { cfg.Breakers = tt.breakers })

			rec := env.do("GET", "/health", nil)
			body := decodeBody[map[string]any](t, rec)
			if rec.Code != http.StatusOK || body["status"] != tt.want || body["version"] != "test" {
				t.Errorf("status = %d, body = %v", rec.Code, body)
			}
		})
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []HealthChecker
		wantStatus int
		wantBody   string
	}{
		{"no checkers", nil, http.StatusOK, "ready"},
		{"all ok", []HealthChecker{&MockHealthChecker{name: "redis"}, CheckFunc{CheckName: "ollama", Fn: func(ctx context.Context) error { return nil }}}, http.StatusOK, "ready"},
		{"one failing", []HealthChecker{&MockHealthChecker{name: "redis"}, &MockHealthChecker{name: "postgres", err: errors.New("refused")}}, http.StatusServiceUnavailable, "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(cfg *HandlerConfig) { cfg.Checkers = tt.checkers })

			rec := env.do("GET", "/health/ready", nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decodeBody[HealthStatus](t, rec)
			if body.Status != tt.wantBody || len(body.Checks) != len(tt.checkers) {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do("GET", "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("status = %d", rec.Code)
	}
}
