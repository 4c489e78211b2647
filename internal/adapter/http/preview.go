package http

import (
	"errors"
	"net/http"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/service"
)

// GetPreview returns the preview status, synthesizing stopped for a run
// that never started one.
func (h *Handlers) GetPreview(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	if _, err := h.repo.Run(r.Context(), runID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.preview.Get(runID))
}

// StartPreview spawns the run's configured preview child process.
func (h *Handlers) StartPreview(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	pkg, err := h.repo.Package(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if pkg.Preview == nil || !pkg.Preview.Enabled {
		writeError(w, http.StatusConflict, "preview_disabled",
			"package does not configure a preview process")
		return
	}

	status, err := h.preview.Start(r.Context(), runID, pkg.Preview)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// StopPreview terminates the preview child. Stopping a preview that never
// started is a no-op returning the synthesized stopped status.
func (h *Handlers) StopPreview(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	if _, err := h.repo.Run(r.Context(), runID); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.preview.Stop(r.Context(), runID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.preview.Get(runID))
}

// ProxyPreview forwards GET/HEAD requests under /runs/{id}/preview/ to the
// preview child.
func (h *Handlers) ProxyPreview(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	upstreamPath := "/" + urlParam(r, "*")

	err := h.preview.Proxy(w, r, runID, upstreamPath)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrMethodNotAllowed):
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed",
			"preview proxy accepts only GET and HEAD")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "preview_not_running",
			"no preview is running for this run")
	default:
		h.log.Error("preview proxy failed", "run_id", runID, "error", err)
		writeError(w, http.StatusBadGateway, "preview_unreachable",
			"preview process did not respond")
	}
}
