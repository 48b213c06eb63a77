package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// BreakerControl exposes the circuit breaker's state and transitions.
type BreakerControl interface {
	Tripped() bool
	LastEvent() (domain.BreakerEvent, bool)
	Trip(ctx context.Context, reason, trigger, threshold string) domain.BreakerEvent
	Reset(ctx context.Context, operator string) error
}

// BreakerHandler serves the circuit breaker endpoints.
type BreakerHandler struct {
	breaker BreakerControl
	logger  *slog.Logger
}

// NewBreakerHandler creates a BreakerHandler over the given breaker.
func NewBreakerHandler(b BreakerControl, logger *slog.Logger) *BreakerHandler {
	return &BreakerHandler{breaker: b, logger: logger}
}

// Get returns the breaker's current state and the last transition event.
// GET /api/breaker
func (h *BreakerHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"tripped": h.breaker.Tripped()}
	if ev, ok := h.breaker.LastEvent(); ok {
		resp["last_event"] = ev
	}
	writeJSON(w, http.StatusOK, resp)
}

// tripRequest is the body for a manual breaker trip.
type tripRequest struct {
	Operator string `json:"operator"`
	Detail   string `json:"detail"`
}

// Trip latches the breaker by operator request, halting all executions
// until an explicit reset.
// POST /api/breaker/trip
func (h *BreakerHandler) Trip(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator identity is required")
		return
	}
	if h.breaker.Tripped() {
		writeError(w, http.StatusConflict, "breaker is already tripped")
		return
	}

	ev := h.breaker.Trip(r.Context(), domain.TripManual, req.Operator, req.Detail)
	h.logger.InfoContext(r.Context(), "handler: breaker tripped manually",
		slog.String("operator", req.Operator),
	)
	writeJSON(w, http.StatusOK, ev)
}

// resetRequest is the body for a breaker reset.
type resetRequest struct {
	Operator string `json:"operator"`
}

// Reset clears a tripped breaker. The operator identity is recorded in the
// resolved event.
// POST /api/breaker/reset
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator identity is required")
		return
	}

	if err := h.breaker.Reset(r.Context(), req.Operator); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "handler: breaker reset",
		slog.String("operator", req.Operator),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
