package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Conductor/internal/adapter/ws"
)

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// MountRoutes registers the run API on the given chi router. wsHub may be
// nil to disable the event firehose endpoint.
func MountRoutes(r chi.Router, h *Handlers, wsHub *ws.Hub) {
	r.Get("/health", h.Health)
	if wsHub != nil {
		r.Get("/ws", wsHub.HandleWS)
	}

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.SubmitRun)
		r.Get("/", h.ListRuns)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetRun)
			r.Post("/cancel", h.CancelRun)
			r.Get("/events", h.StreamEvents)

			r.Get("/preview", h.GetPreview)
			r.Post("/preview/start", h.StartPreview)
			r.Post("/preview/stop", h.StopPreview)
			// All verbs reach the proxy handler; it rejects
			// non-GET/HEAD with 405 itself.
			r.HandleFunc("/preview/*", h.ProxyPreview)
		})
	})
}
