// Package database defines the durable store port (interface).
package database

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/Conductor/internal/domain/event"
	"github.com/Strob0t/Conductor/internal/domain/run"
)

// RunFilter holds optional filters for listing runs.
type RunFilter struct {
	Status string
	Limit  int
	Offset int
}

// Store is the port interface for run persistence. Implementations must
// serialize writes so event IDs stay monotonic and counter arithmetic is
// race-free; reads may be concurrent with writes.
type Store interface {
	// CreateRun persists a new run in status queued with the embedded package.
	CreateRun(ctx context.Context, r *run.Run) error

	// GetRun returns the run or domain.ErrNotFound.
	GetRun(ctx context.Context, runID string) (*run.Run, error)

	// ListRuns returns runs newest-first, optionally filtered.
	ListRuns(ctx context.Context, filter RunFilter) ([]run.Run, error)

	// UpdateRunStatus transitions the run to status, recording reason and
	// maintaining startedAt/finishedAt. It returns domain.ErrConflict when
	// the transition is not legal.
	UpdateRunStatus(ctx context.Context, runID string, status run.Status, reason string) (*run.Run, error)

	// RequestCancel sets the cancelRequested flag and returns the updated run.
	RequestCancel(ctx context.Context, runID string) (*run.Run, error)

	// SetRunSession records the adapter session ID. It fails with
	// domain.ErrConflict if a session was already set.
	SetRunSession(ctx context.Context, runID, sessionID string) error

	// AddBudget adds adapter usage deltas to the run's budget accumulators
	// and returns the new totals.
	AddBudget(ctx context.Context, runID string, tokens int64, costUSD float64) (int64, float64, error)

	// IncrementIterations bumps the orchestrator iteration counter.
	IncrementIterations(ctx context.Context, runID string) error

	// AppendEvent atomically allocates the next event ID and inserts the row.
	AppendEvent(ctx context.Context, runID, eventType string, data map[string]any) (*event.Event, error)

	// ListRunEvents returns the run's events with ID > sinceEventID in order.
	ListRunEvents(ctx context.Context, runID string, sinceEventID int64) ([]event.Event, error)

	// LatestEventID returns the highest event ID recorded for the run (0 if none).
	LatestEventID(ctx context.Context, runID string) (int64, error)

	// RecordTask inserts a task row.
	RecordTask(ctx context.Context, t *run.Task) error

	// UpdateTask updates status, attempts, and last error of a task.
	UpdateTask(ctx context.Context, runID, taskID string, status run.TaskStatus, attempts int, lastError string) error

	// ListTasks returns the run's tasks in creation order.
	ListTasks(ctx context.Context, runID string) ([]run.Task, error)

	// RecordResult inserts a result row.
	RecordResult(ctx context.Context, r *run.Result) error

	// ListResults returns up to limit results for the run, newest-first.
	ListResults(ctx context.Context, runID string, limit int) ([]run.Result, error)

	// RecordEvidence inserts an evidence row.
	RecordEvidence(ctx context.Context, e *run.Evidence) error

	// ListEvidence returns the run's evidence in creation order.
	ListEvidence(ctx context.Context, runID string) ([]run.Evidence, error)

	// RecordArtifact inserts an artifact row.
	RecordArtifact(ctx context.Context, a *run.Artifact) error

	// ListArtifacts returns the run's artifacts in creation order.
	ListArtifacts(ctx context.Context, runID string) ([]run.Artifact, error)

	// GetRunCounters returns the derived counters for the run.
	GetRunCounters(ctx context.Context, runID string) (*run.Counters, error)

	// PackageJSON returns the embedded package document as stored.
	PackageJSON(ctx context.Context, runID string) (json.RawMessage, error)
}
