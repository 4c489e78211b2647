// Package sse implements the in-process event bus that fans persisted run
// events out to Server-Sent-Events subscribers.
package sse

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Strob0t/Conductor/internal/domain/event"
)

// DefaultBufferSize is the per-subscriber event queue length. A subscriber
// that falls this far behind is disconnected rather than blocking publish.
const DefaultBufferSize = 64

// Subscriber is one attached event stream consumer for a single run.
type Subscriber struct {
	runID string
	ch    chan event.Event
	pings chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Events returns the live event channel. It is closed when the subscriber
// is dropped.
func (s *Subscriber) Events() <-chan event.Event { return s.ch }

// Pings returns the keep-alive channel.
func (s *Subscriber) Pings() <-chan struct{} { return s.pings }

// Done is closed when the hub drops the subscriber (slow consumer or hub
// shutdown).
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Hub is the per-run pub/sub registry. Publish never blocks on subscriber
// progress; the lock is held only for registry lookups and mutations.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscriber]struct{}
	bufSize int
}

// NewHub creates an empty hub with the given per-subscriber buffer size.
// Size <= 0 selects DefaultBufferSize.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{
		subs:    make(map[string]map[*Subscriber]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe attaches a new subscriber for the given run.
func (h *Hub) Subscribe(runID string) *Subscriber {
	sub := &Subscriber{
		runID: runID,
		ch:    make(chan event.Event, h.bufSize),
		pings: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*Subscriber]struct{})
	}
	h.subs[runID][sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Unsubscribe detaches the subscriber. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[sub.runID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.runID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Publish delivers ev to every subscriber of its run. Subscribers whose
// buffers are full are dropped and their streams closed.
func (h *Hub) Publish(_ context.Context, ev event.Event) {
	h.mu.RLock()
	var overflowed []*Subscriber
	for sub := range h.subs[ev.RunID] {
		select {
		case sub.ch <- ev:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		slog.Warn("dropping slow event subscriber", "run_id", ev.RunID, "buffer", h.bufSize)
		h.Unsubscribe(sub)
	}
}

// PublishPing delivers a keep-alive to the run's subscribers. Pings carry
// no event ID and are never persisted; a pending ping is enough, so a full
// ping slot is not an overflow.
func (h *Hub) PublishPing(runID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[runID] {
		select {
		case sub.pings <- struct{}{}:
		default:
		}
	}
}

// SubscriberCount returns the number of attached subscribers for a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}
