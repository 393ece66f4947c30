// Package secrets resolves vendor API keys. Keys come from configuration,
// from keys set at runtime through the API, or from AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/felipepmaragno/llm-duel/internal/crypto"
	"github.com/felipepmaragno/llm-duel/internal/domain"
)

// Store matches provider.CredentialStore.
type Store interface {
	Credential(ctx context.Context, provider string) (string, error)
}

func missing(provider string) error {
	return fmt.Errorf("%w: %s", domain.ErrCredentialMissing, domain.CredentialEnvName(provider))
}

// StaticStore serves keys loaded once from configuration (<PROVIDER>_API_KEY).
type StaticStore struct {
	keys map[string]string
}

func NewStaticStore(keys map[string]string) *StaticStore {
	s := &StaticStore{keys: make(map[string]string, len(keys))}
	for provider, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			s.keys[provider] = key
		}
	}
	return s
}

func (s *StaticStore) Credential(ctx context.Context, provider string) (string, error) {
	if key, ok := s.keys[provider]; ok {
		return key, nil
	}
	return "", missing(provider)
}

// MemoryStore holds keys set at runtime. Values are kept sealed so a heap
// dump does not reveal them in clear text.
type MemoryStore struct {
	mu     sync.RWMutex
	sealed map[string]string
	enc    *crypto.Encryptor
}

func NewMemoryStore(enc *crypto.Encryptor) *MemoryStore {
	return &MemoryStore{
		sealed: make(map[string]string),
		enc:    enc,
	}
}

func (s *MemoryStore) Set(provider, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return fmt.Errorf("%w: api key must not be empty", domain.ErrInvalidRequest)
	}

	sealed, err := s.enc.Seal(apiKey, provider)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed[provider] = sealed
	return nil
}

// Delete reports whether a key was removed.
func (s *MemoryStore) Delete(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sealed[provider]
	delete(s.sealed, provider)
	return ok
}

func (s *MemoryStore) Credential(ctx context.Context, provider string) (string, error) {
	s.mu.RLock()
	sealed, ok := s.sealed[provider]
	s.mu.RUnlock()

	if !ok {
		return "", missing(provider)
	}

	key, err := s.enc.Open(sealed, provider)
	if err != nil {
		return "", fmt.Errorf("open key for %s: %w", provider, err)
	}
	return key, nil
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager reads the secret named prefix+provider. The secret is
// either the bare key or a JSON object with an "api_key" field.
type AWSSecretsManager struct {
	client secretsManagerAPI
	prefix string
	cache  map[string]*cachedSecret
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region, prefix string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewAWSSecretsManagerWithConfig(cfg, prefix), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config, prefix string) *AWSSecretsManager {
	return newAWSSecretsManager(secretsmanager.NewFromConfig(cfg), prefix)
}

func newAWSSecretsManager(client secretsManagerAPI, prefix string) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		prefix: prefix,
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
}

func (s *AWSSecretsManager) Credential(ctx context.Context, provider string) (string, error) {
	name := s.prefix + provider

	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && s.now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		if cached.value == "" {
			return "", missing(provider)
		}
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return "", fmt.Errorf("get secret %s: %w", name, err)
		}
		result = &secretsmanager.GetSecretValueOutput{}
	}

	value := parseSecret(aws.ToString(result.SecretString))

	// Misses are cached too, so an unconfigured vendor does not cost a
	// Secrets Manager call per comparison.
	s.mu.Lock()
	s.cache[name] = &cachedSecret{value: value, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	if value == "" {
		return "", missing(provider)
	}
	return value, nil
}

func parseSecret(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return raw
	}

	var payload struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.APIKey)
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

func (s *AWSSecretsManager) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*cachedSecret)
}

// Chain asks each store in order and returns the first key found. Errors
// other than a missing key stop the lookup.
type Chain []Store

func (c Chain) Credential(ctx context.Context, provider string) (string, error) {
	for _, store := range c {
		key, err := store.Credential(ctx, provider)
		if err == nil && key != "" {
			return key, nil
		}
		if err != nil && !errors.Is(err, domain.ErrCredentialMissing) {
			return "", err
		}
	}
	return "", missing(provider)
}

type KeyStatus struct {
	Provider    string `json:"provider"`
	EnvVar      string `json:"envVar"`
	Configured  bool   `json:"configured"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StatusLookupFailed is the KeyStatus error for any store failure other than a
// missing key. The underlying error is logged, never returned.
const StatusLookupFailed = "credential lookup failed"

// Status reports which of the given providers have a key, without returning
// the keys themselves.
func Status(ctx context.Context, store Store, providers []string) []KeyStatus {
	sorted := append([]string(nil), providers...)
	sort.Strings(sorted)

	out := make([]KeyStatus, 0, len(sorted))
	for _, provider := range sorted {
		st := KeyStatus{Provider: provider, EnvVar: domain.CredentialEnvName(provider)}

		key, err := store.Credential(ctx, provider)
		switch {
		case err == nil && key != "":
			st.Configured = true
			st.Fingerprint = crypto.Fingerprint(key)
		case err != nil && !errors.Is(err, domain.ErrCredentialMissing):
			slog.ErrorContext(ctx, "credential lookup failed", "provider", provider, "error", err)
			st.Error = StatusLookupFailed
		}
		out = append(out, st)
	}
	return out
}
