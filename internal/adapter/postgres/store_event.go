package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/Conductor/internal/domain/event"
)

// AppendEvent inserts a new row into run_events. The BIGSERIAL primary key
// allocates globally monotonic event IDs.
func (s *Store) AppendEvent(ctx context.Context, runID, eventType string, data map[string]any) (*event.Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	if data == nil {
		payload = []byte("{}")
	}

	ev := event.Event{RunID: runID, Type: eventType, Data: data}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO run_events (run_id, type, data) VALUES ($1, $2, $3)
		 RETURNING id, ts`, runID, eventType, payload).
		Scan(&ev.ID, &ev.TS)
	if err != nil {
		return nil, fmt.Errorf("append event %s on run %s: %w", eventType, runID, err)
	}
	return &ev, nil
}

// ListRunEvents returns the run's events with id > sinceEventID in id order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, sinceEventID int64) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, data, ts FROM run_events
		 WHERE run_id = $1 AND id > $2 ORDER BY id ASC`, runID, sinceEventID)
	if err != nil {
		return nil, fmt.Errorf("list events on run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		ev := event.Event{RunID: runID}
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &payload, &ev.TS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestEventID returns the highest event ID recorded for the run, 0 if none.
func (s *Store) LatestEventID(ctx context.Context, runID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM run_events WHERE run_id = $1`, runID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("latest event on run %s: %w", runID, err)
	}
	return id, nil
}
