package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/flasharb/internal/scanner"
)

// ScannerControl defines the scanner operations the handler drives.
type ScannerControl interface {
	Start() error
	Stop() error
	Status() scanner.Status
}

// ScannerHandler serves the scanner control endpoints.
type ScannerHandler struct {
	scanner ScannerControl
	logger  *slog.Logger
}

// NewScannerHandler creates a ScannerHandler with the given control surface.
func NewScannerHandler(sc ScannerControl, logger *slog.Logger) *ScannerHandler {
	return &ScannerHandler{scanner: sc, logger: logger}
}

// Start enables scan cycles.
// POST /api/scanner/start
func (h *ScannerHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.scanner.Start(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "handler: scanner started")
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// Stop disables scan cycles. A cycle already in progress finishes.
// POST /api/scanner/stop
func (h *ScannerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.scanner.Stop(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "handler: scanner stopped")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Status returns the scanner's control-surface snapshot.
// GET /api/scanner/status
func (h *ScannerHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scanner.Status())
}
