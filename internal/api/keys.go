package api

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/felipepmaragno/llm-duel/internal/catalog"
	"github.com/felipepmaragno/llm-duel/internal/crypto"
	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/secrets"
)

type SetKeyRequest struct {
	APIKey string `json:"apiKey" validate:"required"`
}

type ModelsProvider struct {
	catalog.Provider
	// Configured is true when the provider has a credential or needs none.
	Configured bool `json:"configured"`
	// Available is true when the provider is registered for dispatch.
	Available bool `json:"available"`
}

// keyedProviders lists catalog providers that authenticate with an API key.
func (h *Handler) keyedProviders() []string {
	if h.cfg.Catalog == nil {
		return nil
	}
	var ids []string
	for _, p := range h.cfg.Catalog.Providers() {
		if !p.Keyless {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.cfg.Catalog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"providers": []ModelsProvider{}})
		return
	}

	var registered []string
	if h.cfg.Providers != nil {
		registered = h.cfg.Providers.List()
	}

	configured := make(map[string]bool)
	if h.cfg.Credentials != nil {
		for _, st := range secrets.Status(ctx, h.cfg.Credentials, h.keyedProviders()) {
			configured[st.Provider] = st.Configured
		}
	}

	providers := h.cfg.Catalog.Providers()
	out := make([]ModelsProvider, 0, len(providers))
	for _, p := range providers {
		out = append(out, ModelsProvider{
			Provider:   p,
			Configured: p.Keyless || configured[p.ID],
			Available:  slices.Contains(registered, p.ID),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (h *Handler) handleKeyStatus(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Credentials == nil {
		writeJSON(w, http.StatusOK, map[string]any{"keys": []secrets.KeyStatus{}})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"keys":     secrets.Status(r.Context(), h.cfg.Credentials, h.keyedProviders()),
		"writable": h.cfg.KeysAPIEnabled && h.cfg.Keys != nil,
	})
}

// keyTarget resolves the {provider} path value, writing the error response
// when the keys API is disabled or the provider takes no key.
func (h *Handler) keyTarget(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !h.cfg.KeysAPIEnabled || h.cfg.Keys == nil {
		writeError(w, http.StatusNotFound, "runtime key configuration is disabled")
		return "", false
	}

	provider := r.PathValue("provider")
	if !slices.Contains(h.keyedProviders(), provider) {
		writeError(w, http.StatusNotFound, "unknown provider: "+provider)
		return "", false
	}
	return provider, true
}

func (h *Handler) handleSetKey(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.keyTarget(w, r)
	if !ok {
		return
	}

	var req SetKeyRequest
	if err := h.decode(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	apiKey := strings.TrimSpace(req.APIKey)
	if err := h.cfg.Keys.Set(provider, apiKey); err != nil {
		writeDomainError(w, r, err)
		return
	}

	slog.Info("runtime key configured",
		"provider", provider,
		"key", crypto.Mask(apiKey),
		"request_id", requestIDFrom(r.Context()),
	)

	writeJSON(w, http.StatusOK, secrets.KeyStatus{
		Provider:    provider,
		EnvVar:      domain.CredentialEnvName(provider),
		Configured:  true,
		Fingerprint: crypto.Fingerprint(apiKey),
	})
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.keyTarget(w, r)
	if !ok {
		return
	}

	if !h.cfg.Keys.Delete(provider) {
		writeError(w, http.StatusNotFound, "no runtime key set for "+provider)
		return
	}

	slog.Info("runtime key removed", "provider", provider, "request_id", requestIDFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
