// Package nats mirrors persisted run events to NATS JetStream subjects so
// external consumers can follow runs without holding an HTTP connection.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/Conductor/internal/domain/event"
)

const streamName = "CONDUCTOR"

// SubjectPrefix is the subject namespace for mirrored run events; the full
// subject is "runs.events.{runId}".
const SubjectPrefix = "runs.events."

// Mirror publishes persisted run events to JetStream. Mirror failures are
// logged and swallowed: the engine and repository never depend on delivery.
type Mirror struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string) (*Mirror, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{SubjectPrefix + ">"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Mirror{nc: nc, js: js}, nil
}

// Publish mirrors one event. Best-effort.
func (m *Mirror) Publish(ctx context.Context, ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("nats mirror marshal failed", "error", err)
		return
	}
	if _, err := m.js.Publish(ctx, SubjectPrefix+ev.RunID, data); err != nil {
		slog.Error("nats mirror publish failed", "run_id", ev.RunID, "error", err)
	}
}

// PublishPing is a no-op: keep-alives are an SSE concern.
func (m *Mirror) PublishPing(string) {}

// Drain gracefully drains the connection.
func (m *Mirror) Drain() error {
	return m.nc.Drain()
}

// Close shuts down the connection immediately.
func (m *Mirror) Close() {
	m.nc.Close()
}

// IsConnected reports whether the connection is currently up.
func (m *Mirror) IsConnected() bool {
	return m.nc != nil && m.nc.IsConnected()
}
