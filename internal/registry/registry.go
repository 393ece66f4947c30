// Package registry maps provider identifiers to generators. The dispatcher
// receives a Registry instead of reaching for a global table, so tests and
// callers can register their own providers.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/felipepmaragno/llm-duel/internal/domain"
)

type Provider interface {
	ID() string
	Generate(ctx context.Context, req domain.GenerationRequest) domain.GenerationResult
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func New(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.ID()] = p
	}
	return r
}

// Register adds or replaces the provider under its ID.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", domain.ErrProviderNotFound, id, strings.Join(r.idsLocked(), ", "))
	}
	return p, nil
}

// List returns the registered IDs in lexical order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ParsePair splits "provider/model" on the first slash, so model names that
// contain slashes themselves (OpenRouter style, Bedrock ARNs) survive.
func ParsePair(key string) (providerID, model string, err error) {
	providerID, model, ok := strings.Cut(key, "/")
	providerID = strings.TrimSpace(providerID)
	model = strings.TrimSpace(model)
	if !ok || providerID == "" || model == "" {
		return "", "", fmt.Errorf("%w: %q", domain.ErrInvalidPair, key)
	}
	return providerID, model, nil
}
