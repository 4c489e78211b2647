// Package broadcast defines the event fan-out port (interface).
package broadcast

import (
	"context"

	"github.com/Strob0t/Conductor/internal/domain/event"
)

// Broadcaster delivers persisted events to live subscribers. Delivery is
// best-effort and must never block the caller.
type Broadcaster interface {
	// Publish fans out a persisted event to the subscribers of its run.
	Publish(ctx context.Context, ev event.Event)

	// PublishPing delivers a keep-alive to the run's subscribers. Pings bear
	// no event ID and are never persisted.
	PublishPing(runID string)
}

// Multi fans out to several broadcasters in order.
type Multi []Broadcaster

// Publish delivers ev to every underlying broadcaster.
func (m Multi) Publish(ctx context.Context, ev event.Event) {
	for _, b := range m {
		b.Publish(ctx, ev)
	}
}

// PublishPing delivers a ping to every underlying broadcaster.
func (m Multi) PublishPing(runID string) {
	for _, b := range m {
		b.PublishPing(runID)
	}
}
