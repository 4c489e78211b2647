package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Strob0t/Conductor/internal/domain/event"
)

// ssePingInterval is how often the keepalive is published to the run's
// subscribers.
const ssePingInterval = 15 * time.Second

// StreamEvents serves the run's event log as Server-Sent Events: history
// after the optional Last-Event-ID header first, then live events, with a
// ": ping" comment keepalive. Replay and the live subscription overlap so
// no event ID is skipped; duplicates from the overlap window are filtered
// by ID.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	if _, err := h.repo.Run(r.Context(), runID); err != nil {
		writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error",
			"response writer does not support streaming")
		return
	}

	var since int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_last_event_id",
				"Last-Event-ID must be a non-negative integer")
			return
		}
		since = n
	}

	// Subscribe before reading history so events appended during the
	// replay land in the live buffer instead of being lost.
	sub := h.hub.Subscribe(runID)
	defer h.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	history, err := h.repo.Events(r.Context(), runID, since)
	if err != nil {
		h.log.Error("event replay failed", "run_id", runID, "error", err)
		return
	}
	lastSent := since
	for _, ev := range history {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		lastSent = ev.ID
	}
	flusher.Flush()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case <-ping.C:
			// The keepalive goes through the hub so every subscriber of
			// the run is kept alive, not just this one.
			h.hub.PublishPing(runID)
		case <-sub.Pings():
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if ev.ID <= lastSent {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			lastSent = ev.ID
			flusher.Flush()
		}
	}
}

// writeSSE writes one event frame. The data line carries the full event
// envelope so every payload names its run.
func writeSSE(w http.ResponseWriter, ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, body)
	return err
}
