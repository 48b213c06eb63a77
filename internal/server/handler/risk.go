package handler

import (
	"net/http"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// RiskSource exposes the risk tracker's read surface.
type RiskSource interface {
	Snapshot() domain.RiskStats
	Drawdown() float64
}

// RiskHandler serves the risk statistics endpoint.
type RiskHandler struct {
	risk RiskSource
}

// NewRiskHandler creates a RiskHandler over the given tracker.
func NewRiskHandler(risk RiskSource) *RiskHandler {
	return &RiskHandler{risk: risk}
}

// Stats returns the rolling daily risk statistics and current drawdown.
// GET /api/risk/stats
func (h *RiskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        h.risk.Snapshot(),
		"drawdown_pct": h.risk.Drawdown(),
	})
}
