package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/llm-duel/internal/domain"
	"github.com/felipepmaragno/llm-duel/internal/metrics"
	"github.com/felipepmaragno/llm-duel/internal/notifications"
	"github.com/felipepmaragno/llm-duel/internal/repository"
)

type Comparer interface {
	CompareModels(ctx context.Context, prompt string, pairs []string, mode domain.Mode, options domain.Options) []domain.GenerationResult
}

type WorkerConfig struct {
	Queue    Queue
	Comparer Comparer
	// Store and Notifier are optional.
	Store    repository.ComparisonRepository
	Notifier notifications.Notifier
	Logger   *slog.Logger

	BatchSize int
	// IdleWait is the pause after an empty or failed receive.
	IdleWait time.Duration
}

type Worker struct {
	cfg WorkerConfig
	now func() time.Time
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{cfg: cfg, now: time.Now}
}

// Run polls until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.cfg.Logger.Info("comparison worker started", "batch_size", w.cfg.BatchSize)
	defer w.cfg.Logger.Info("comparison worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.Poll(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.cfg.Logger.Error("receive comparison jobs", "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.IdleWait):
		}
	}
}

// Poll receives one batch and processes every job in it sequentially. Each
// job already fans out across its pairs.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	requests, err := w.cfg.Queue.ReceiveRequests(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, req := range requests {
		w.Process(ctx, req)
	}
	return len(requests), nil
}

func (w *Worker) Process(ctx context.Context, req AsyncRequest) {
	logger := w.cfg.Logger.With("request_id", req.ID)
	start := w.now()

	resp := AsyncResponse{RequestID: req.ID}

	if req.Prompt == "" {
		resp.Error = "prompt is required"
	} else {
		resp.Results = w.cfg.Comparer.CompareModels(ctx, req.Prompt, req.Pairs, domain.ParseMode(string(req.Mode)), req.Options)

		if req.Save && w.cfg.Store != nil {
			saved := domain.SavedComparison{
				Prompt:      req.Prompt,
				Temperature: req.Options.Temperature(),
				Mode:        domain.ParseMode(string(req.Mode)),
				Timestamp:   w.now(),
				Responses:   resp.Results,
			}
			ts, err := repository.SaveUnique(ctx, w.cfg.Store, saved)
			if err != nil {
				logger.Error("save comparison", "error", err)
				resp.Error = fmt.Sprintf("comparison completed but was not saved: %v", err)
			} else {
				resp.SavedAs = domain.TimestampKey(ts)
			}
		}
	}
	resp.CreatedAt = w.now().UTC()

	status := "processed"
	if err := w.cfg.Queue.SendResponse(ctx, resp); err != nil {
		logger.Error("send comparison response", "error", err)
		status = "response_failed"
	}

	// A job whose response could not be sent stays on the queue for redelivery.
	if status == "processed" && req.ReceiptHandle != "" {
		if err := w.cfg.Queue.DeleteRequest(ctx, req.ReceiptHandle); err != nil {
			logger.Error("delete comparison job", "error", err)
		}
	}
	metrics.RecordQueueMessage(status)

	failed := 0
	for _, r := range resp.Results {
		if r.Failed {
			failed++
		}
	}

	logger.Info("comparison job completed",
		"pairs", len(req.Pairs),
		"failed", failed,
		"latency_ms", w.now().Sub(start).Milliseconds(),
	)

	if w.cfg.Notifier != nil {
		n := notifications.Notification{
			Type:    notifications.NotificationComparisonCompleted,
			Message: fmt.Sprintf("comparison %s completed: %d of %d pairs succeeded", req.ID, len(resp.Results)-failed, len(resp.Results)),
			Data: map[string]any{
				"request_id": req.ID,
				"pairs":      len(resp.Results),
				"failed":     failed,
				"saved_as":   resp.SavedAs,
			},
		}
		if err := w.cfg.Notifier.Send(ctx, n); err != nil {
			logger.Warn("send completion notification", "error", err)
		}
	}
}
