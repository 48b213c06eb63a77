package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// RetryQueue exposes the retry pipeline's listings.
type RetryQueue interface {
	Pending(ctx context.Context, opts domain.ListOpts) ([]domain.RetryableTrade, error)
	DeadLetters(ctx context.Context, opts domain.ListOpts) ([]domain.DeadLetterItem, error)
}

// RetryHandler serves the retry queue and dead-letter inspection endpoints.
type RetryHandler struct {
	queue  RetryQueue
	logger *slog.Logger
}

// NewRetryHandler creates a RetryHandler over the given queue.
func NewRetryHandler(queue RetryQueue, logger *slog.Logger) *RetryHandler {
	return &RetryHandler{queue: queue, logger: logger}
}

// Queue returns the trades currently waiting for a retry.
// GET /api/retry/queue?limit=50&offset=0
func (h *RetryHandler) Queue(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.Pending(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list retry queue failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list retry queue")
		return
	}
	if items == nil {
		items = []domain.RetryableTrade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// DeadLetters returns permanently failed trades, newest first.
// GET /api/retry/deadletters?limit=50&offset=0
func (h *RetryHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.DeadLetters(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list dead letters failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if items == nil {
		items = []domain.DeadLetterItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
