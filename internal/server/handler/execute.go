package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// TradeExecutor runs a single opportunity through the execution state machine.
type TradeExecutor interface {
	ExecuteByID(ctx context.Context, id string) (domain.ExecutionResult, error)
}

// ExecuteHandler serves the manual execution endpoint.
type ExecuteHandler struct {
	exec   TradeExecutor
	logger *slog.Logger
}

// NewExecuteHandler creates an ExecuteHandler with the given executor.
func NewExecuteHandler(exec TradeExecutor, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{exec: exec, logger: logger}
}

// Execute claims an open opportunity by ID and runs it to a terminal state.
// The response is always a structured ExecutionResult; a failed trade is a
// 200 with Success=false, not an HTTP error.
// POST /api/execute/{id}
func (h *ExecuteHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing opportunity id")
		return
	}

	res, err := h.exec.ExecuteByID(r.Context(), id)
	if err != nil {
		// Unknown, expired, or already-claimed IDs never reach the state
		// machine.
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "handler: manual execution finished",
		slog.String("opportunity_id", id),
		slog.Bool("success", res.Success),
		slog.String("final_state", string(res.FinalState)),
	)
	writeJSON(w, http.StatusOK, res)
}
