package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felipepmaragno/llm-duel/internal/httputil"
	"github.com/felipepmaragno/llm-duel/internal/provider"
)

func TestClient_GenerateText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header: %s", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["model"] != "gpt-4o" {
			t.Errorf("unexpected model: %v", body["model"])
		}
		if body["temperature"] != 0.3 {
			t.Errorf("unexpected temperature: %v", body["temperature"])
		}
		if body["max_tokens"] != float64(defaultMaxTokens) {
			t.Errorf("expected default max_tokens, got %v", body["max_tokens"])
		}
		if body["top_p"] != 0.9 {
			t.Errorf("passthrough option missing: %v", body)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
		}`))
	}))
	defer server.Close()

	client := NewCompatible("openai", server.URL, server.Client())
	got, err := client.GenerateText(context.Background(), provider.TextRequest{
		APIKey:      "sk-test",
		Model:       "gpt-4o",
		Prompt:      "hi",
		Temperature: 0.3,
		Extra:       map[string]any{"top_p": 0.9},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Text != "hello" {
		t.Errorf("Text = %q, want hello", got.Text)
	}
	if got.Usage.TotalTokens != 12 || got.Usage.InputTokens != 5 || got.Usage.OutputTokens != 7 {
		t.Errorf("unexpected usage: %+v", got.Usage)
	}
}

func TestClient_ReasoningModelOmitsTemperature(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)

		if _, ok := body["temperature"]; ok {
			t.Error("temperature must not be sent to reasoning models")
		}
		if body["max_completion_tokens"] != float64(100) {
			t.Errorf("expected max_completion_tokens=100, got %v", body["max_completion_tokens"])
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer server.Close()

	client := NewCompatible("openai", server.URL, server.Client())
	_, err := client.GenerateText(context.Background(), provider.TextRequest{
		Model:     "o3-mini",
		Prompt:    "hi",
		MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		checkFn func(t *testing.T, err error)
	}{
		{
			name:   "vendor error status",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"message":"Rate limit reached","type":"requests"}}`,
			checkFn: func(t *testing.T, err error) {
				var statusErr *httputil.StatusError
				if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
					t.Errorf("expected 429 status error, got %v", err)
				}
			},
		},
		{
			name:   "no choices",
			status: http.StatusOK,
			body:   `{"choices":[]}`,
			checkFn: func(t *testing.T, err error) {
				if !errors.Is(err, provider.ErrMalformedResponse) {
					t.Errorf("expected malformed response, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewCompatible("mistral", server.URL, server.Client())
			_, err := client.GenerateText(context.Background(), provider.TextRequest{Model: "mistral-large", Prompt: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.HasPrefix(err.Error(), "mistral chat completion") {
				t.Errorf("error not prefixed with vendor name: %v", err)
			}
			tt.checkFn(t, err)
		})
	}
}

func TestProvider_GenerateImage(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantURL string
	}{
		{
			name:    "url response",
			reply:   `{"data":[{"url":"https://img.example/1.png"}]}`,
			wantURL: "https://img.example/1.png",
		},
		{
			name:    "base64 response",
			reply:   `{"data":[{"b64_json":"QUJD"}],"usage":{"input_tokens":3,"output_tokens":4,"total_tokens":7}}`,
			wantURL: "data:image/png;base64,QUJD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/images/generations" {
					t.Errorf("unexpected path: %s", r.URL.Path)
				}
				var body map[string]any
				json.NewDecoder(r.Body).Decode(&body)
				if body["model"] != "gpt-image-1" || body["n"] != float64(1) {
					t.Errorf("unexpected body: %v", body)
				}
				w.Write([]byte(tt.reply))
			}))
			defer server.Close()

			p := New(server.URL, server.Client())
			img, err := p.GenerateImage(context.Background(), provider.ImageRequest{Model: "gpt-image-1", Prompt: "a cat"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if img.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", img.URL, tt.wantURL)
			}
		})
	}
}

func TestProvider_IsImageModel(t *testing.T) {
	p := New("", nil)

	tests := map[string]bool{
		"gpt-image-1": true,
		"dall-e-3":    true,
		"gpt-4o":      false,
		"o3":          false,
	}
	for model, want := range tests {
		if got := p.IsImageModel(model); got != want {
			t.Errorf("IsImageModel(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestCompatibleClientIsTextOnly(t *testing.T) {
	var gen provider.TextGenerator = NewCompatible("xai", "https://api.x.ai/v1", nil)
	if _, ok := gen.(provider.ImageGenerator); ok {
		t.Error("compatible clients must not advertise image generation")
	}

	var openaiGen provider.TextGenerator = New("", nil)
	if _, ok := openaiGen.(provider.ImageGenerator); !ok {
		t.Error("openai provider must advertise image generation")
	}
}
