// Package http exposes the run lifecycle over HTTP: submit, observe,
// cancel, event streaming, and the preview endpoints.
package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Strob0t/Conductor/internal/adapter/sse"
	"github.com/Strob0t/Conductor/internal/domain/run"
	"github.com/Strob0t/Conductor/internal/port/agent"
	"github.com/Strob0t/Conductor/internal/port/database"
	"github.com/Strob0t/Conductor/internal/resilience"
	"github.com/Strob0t/Conductor/internal/service"
)

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	repo          *service.Repository
	engine        *service.Engine
	preview       *service.PreviewSupervisor
	hub           *sse.Hub
	adapter       agent.Adapter
	breaker       *resilience.Breaker
	allowMockRuns bool
	pingInterval  time.Duration
	log           *slog.Logger
}

// NewHandlers wires the handler set. breaker may be nil when the mock
// adapter is configured.
func NewHandlers(
	repo *service.Repository,
	engine *service.Engine,
	preview *service.PreviewSupervisor,
	hub *sse.Hub,
	adapter agent.Adapter,
	breaker *resilience.Breaker,
	allowMockRuns bool,
	log *slog.Logger,
) *Handlers {
	return &Handlers{
		repo:          repo,
		engine:        engine,
		preview:       preview,
		hub:           hub,
		adapter:       adapter,
		breaker:       breaker,
		allowMockRuns: allowMockRuns,
		pingInterval:  ssePingInterval,
		log:           log,
	}
}

// Health reports liveness plus the configured adapter and its breaker state.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"ok":            true,
		"adapter":       h.adapter.Kind(),
		"allowMockRuns": h.allowMockRuns,
		"activeRuns":    h.engine.ActiveRuns(),
	}
	if h.breaker != nil {
		body["breaker"] = h.breaker.State()
	}
	writeJSON(w, http.StatusOK, body)
}

// SubmitRun validates the submitted package, persists the run, and hands
// it to the engine.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	if h.adapter.Kind() == "mock" && !h.allowMockRuns {
		writeError(w, http.StatusConflict, "mock_adapter_disabled",
			"mock adapter runs are not enabled on this server")
		return
	}

	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	rn, fieldErrs, err := h.repo.SubmitRun(r.Context(), raw)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if len(fieldErrs) > 0 {
		writeErrorDetails(w, http.StatusBadRequest, "invalid_package",
			"package validation failed", map[string]any{"fields": fieldErrs})
		return
	}

	h.engine.Schedule(rn.ID)
	writeJSON(w, http.StatusCreated, rn)
}

// GetRun returns the full run snapshot: record, counters, tasks, results,
// evidence, artifacts, and the latest event ID.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.repo.Snapshot(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListRuns returns runs newest-first, optionally filtered by status.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := database.RunFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	runs, err := h.repo.ListRuns(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// CancelRun requests cancellation. A queued run cancels immediately; a
// running run is interrupted and cancels at the next engine checkpoint.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	rn, err := h.repo.Cancel(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rn.Status == run.StatusRunning {
		h.engine.Interrupt(runID)
	}
	writeJSON(w, http.StatusAccepted, rn)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
