package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/flasharb/internal/scanner"
)

// ScannerStatus reports the scanner's control-surface snapshot.
type ScannerStatus interface {
	Status() scanner.Status
}

// BreakerState reports whether the kill-switch is latched.
type BreakerState interface {
	Tripped() bool
}

// StatusHandler serves the aggregate pipeline status for dashboards.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	scanner   ScannerStatus
	breaker   BreakerState
}

// NewStatusHandler creates a StatusHandler with the given mode and sources.
func NewStatusHandler(mode string, startedAt time.Time, sc ScannerStatus, br BreakerState) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, scanner: sc, breaker: br}
}

// Get responds with the current mode, uptime, scanner snapshot, and breaker
// state.
// GET /api/status
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":            h.mode,
		"started_at":      h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds":  int64(time.Since(h.startedAt).Seconds()),
		"scanner":         h.scanner.Status(),
		"breaker_tripped": h.breaker.Tripped(),
	})
}
