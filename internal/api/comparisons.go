package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/repository"
)

type SaveComparisonRequest struct {
	Prompt      string                    `json:"prompt" validate:"required"`
	Temperature float64                   `json:"temperature" validate:"gte=0,lte=2"`
	Mode        string                    `json:"mode" validate:"omitempty,oneof=text code image"`
	Timestamp   *time.Time                `json:"timestamp"`
	Responses   []domain.GenerationResult `json:"responses" validate:"required"`
}

func (h *Handler) requireStore(w http.ResponseWriter) bool {
	if h.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "comparison history is not configured")
		return false
	}
	return true
}

func (h *Handler) handleListComparisons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireStore(w) {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		list []domain.SavedComparison
		err  error
	)

	if pair := r.URL.Query().Get("pair"); pair != "" {
		list, err = repository.ListByPair(ctx, h.cfg.Store, pair)
	} else {
		list, err = h.cfg.Store.List(ctx)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"comparisons": list,
		"count":       len(list),
	})
}

func (h *Handler) handleSaveComparison(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireStore(w) {
		return
	}

	var req SaveComparisonRequest
	if err := h.decode(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	ts := time.Now()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		ts = *req.Timestamp
	}

	c := domain.SavedComparison{
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		Mode:        domain.ParseMode(req.Mode),
		Timestamp:   ts,
		Responses:   req.Responses,
	}
	if err := h.cfg.Store.Save(ctx, c); err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"timestamp": domain.TimestampKey(ts),
	})
}

func (h *Handler) handleGetComparison(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}

	c, err := h.cfg.Store.Get(r.Context(), r.PathValue("timestamp"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleDeleteComparison(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}

	if err := h.cfg.Store.Delete(r.Context(), r.PathValue("timestamp")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
