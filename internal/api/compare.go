package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/llm-duel/internal/classifier"
	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/queue"
	"github.com/felipepmaragno/llm-duel/internal/repository"
	"github.com/felipepmaragno/llm-duel/internal/telemetry"
)

type CompareRequest struct {
	Prompt string   `json:"prompt" validate:"required"`
	Pairs  []string `json:"pairs" validate:"max=16"`
	Mode   string   `json:"mode" validate:"omitempty,oneof=text code image"`
	// Temperature is shorthand for options.temperature.
	Temperature *float64       `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	Options     domain.Options `json:"options"`
	Save        bool           `json:"save"`
}

func (req CompareRequest) options() domain.Options {
	opts := req.Options.Clone()
	if req.Temperature != nil {
		opts[domain.OptionTemperature] = *req.Temperature
	}
	return opts
}

type CompareResponse struct {
	RequestID string                    `json:"requestId"`
	Prompt    string                    `json:"prompt"`
	Mode      domain.Mode               `json:"mode"`
	Results   []domain.GenerationResult `json:"results"`
	SavedAs   string                    `json:"savedAs,omitempty"`
	SaveError string                    `json:"saveError,omitempty"`
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "api.compare")
	defer span.End()
	start := time.Now()
	requestID := requestIDFrom(ctx)

	var req CompareRequest
	if err := h.decode(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	mode := domain.ParseMode(req.Mode)
	options := req.options()

	results := h.cfg.Comparer.CompareModels(ctx, req.Prompt, req.Pairs, mode, options)

	resp := CompareResponse{
		RequestID: requestID,
		Prompt:    req.Prompt,
		Mode:      mode,
		Results:   results,
	}

	if req.Save && h.cfg.Store != nil {
		saved := domain.SavedComparison{
			Prompt:      req.Prompt,
			Temperature: options.Temperature(),
			Mode:        mode,
			Timestamp:   time.Now(),
			Responses:   results,
		}
		ts, err := repository.SaveUnique(ctx, h.cfg.Store, saved)
		if err != nil {
			slog.Error("failed to save comparison", "error", err, "request_id", requestID)
			resp.SaveError = "comparison could not be saved"
		} else {
			resp.SavedAs = domain.TimestampKey(ts)
		}
	}

	failed := 0
	for _, res := range results {
		if res.Failed {
			failed++
		}
	}

	slog.Info("comparison completed",
		"request_id", requestID,
		"mode", mode,
		"pairs", len(req.Pairs),
		"failed", failed,
		"latency_ms", time.Since(start).Milliseconds(),
		"trace_id", telemetry.GetTraceID(ctx),
	)

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCompareAsync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.cfg.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "async comparisons are not configured")
		return
	}

	var req CompareRequest
	if err := h.decode(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	job := queue.NewAsyncRequest(req.Prompt, req.Pairs, domain.ParseMode(req.Mode), req.options(), req.Save)
	if err := h.cfg.Queue.SendRequest(ctx, job); err != nil {
		slog.Error("failed to enqueue comparison", "error", err, "request_id", requestIDFrom(ctx))
		writeError(w, http.StatusServiceUnavailable, "comparison could not be queued")
		return
	}

	slog.Info("comparison queued", "request_id", requestIDFrom(ctx), "job_id", job.ID, "pairs", len(job.Pairs))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     job.ID,
		"status": "queued",
	})
}

// AsyncResultResponse is a finished async comparison.
type AsyncResultResponse struct {
	ID          string                    `json:"id"`
	Status      string                    `json:"status"`
	Results     []domain.GenerationResult `json:"results"`
	SavedAs     string                    `json:"savedAs,omitempty"`
	Error       string                    `json:"error,omitempty"`
	CompletedAt time.Time                 `json:"completedAt"`
}

// handleAsyncResult hands out a finished job once. Unknown, expired and
// already collected ids all answer 404.
func (h *Handler) handleAsyncResult(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "async comparisons are not configured")
		return
	}
	results, ok := h.cfg.Queue.(queue.ResultFetcher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "async results are delivered on the response queue")
		return
	}

	id := r.PathValue("id")
	resp, found := results.TakeResponse(id)
	if !found {
		if results.Pending(id) {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"id":     id,
				"status": "pending",
			})
			return
		}
		writeError(w, http.StatusNotFound, "async result not found")
		return
	}

	status := "completed"
	if resp.Error != "" && len(resp.Results) == 0 {
		status = "failed"
	}
	if resp.Results == nil {
		resp.Results = []domain.GenerationResult{}
	}

	writeJSON(w, http.StatusOK, AsyncResultResponse{
		ID:          resp.RequestID,
		Status:      status,
		Results:     resp.Results,
		SavedAs:     resp.SavedAs,
		Error:       resp.Error,
		CompletedAt: resp.CreatedAt,
	})
}

type ParseRequest struct {
	Text string `json:"text" validate:"required"`
}

type ParseResponse struct {
	Blocks         []domain.ContentBlock `json:"blocks"`
	ContainsCode   bool                  `json:"containsCode"`
	ContainsImages bool                  `json:"containsImages"`
}

func (h *Handler) handleParse(w http.ResponseWriter, r *http.Request) {
	var req ParseRequest
	if err := h.decode(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ParseResponse{
		Blocks:         classifier.ParseResponse(req.Text),
		ContainsCode:   classifier.ContainsCode(req.Text),
		ContainsImages: classifier.ContainsImages(req.Text),
	})
}
