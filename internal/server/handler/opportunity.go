package handler

import (
	"net/http"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// OpportunitySource lists the currently open opportunities.
type OpportunitySource interface {
	Opportunities() []domain.Opportunity
}

// OpportunityHandler serves the open-opportunity listing.
type OpportunityHandler struct {
	source OpportunitySource
}

// NewOpportunityHandler creates an OpportunityHandler over the given source.
func NewOpportunityHandler(source OpportunitySource) *OpportunityHandler {
	return &OpportunityHandler{source: source}
}

// List returns all opportunities currently open in the book, freshest first.
// GET /api/opportunities
func (h *OpportunityHandler) List(w http.ResponseWriter, r *http.Request) {
	opps := h.source.Opportunities()
	if opps == nil {
		opps = []domain.Opportunity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": opps})
}
