// Package service implements Conductor's core behavior: the run repository,
// the orchestration engine, and the preview supervisor.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Conductor/internal/adapter/ristretto"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/event"
	"github.com/Strob0t/Conductor/internal/domain/pack"
	"github.com/Strob0t/Conductor/internal/domain/run"
	"github.com/Strob0t/Conductor/internal/port/broadcast"
	"github.com/Strob0t/Conductor/internal/port/database"
)

// Repository wraps the store with event publication and package caching.
// Every mutation that matters to observers goes through here so the event
// log and the live streams never diverge.
type Repository struct {
	store database.Store
	cast  broadcast.Broadcaster
	cache *ristretto.PackageCache
	log   *slog.Logger
}

// NewRepository creates a Repository. cache may be nil to disable caching.
func NewRepository(store database.Store, cast broadcast.Broadcaster, cache *ristretto.PackageCache, log *slog.Logger) *Repository {
	return &Repository{store: store, cast: cast, cache: cache, log: log}
}

// Store exposes the underlying store for read paths that need no events.
func (r *Repository) Store() database.Store { return r.store }

// SubmitRun validates the raw package and, when valid, persists a queued run
// and emits run.created. Validation failures are returned as field errors
// with a nil run.
func (r *Repository) SubmitRun(ctx context.Context, raw []byte) (*run.Run, []pack.FieldError, error) {
	p, fieldErrs := pack.Validate(raw)
	if len(fieldErrs) > 0 {
		return nil, fieldErrs, nil
	}

	now := time.Now().UTC()
	rn := &run.Run{
		ID:        uuid.NewString(),
		Status:    run.StatusQueued,
		Package:   *p,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateRun(ctx, rn); err != nil {
		return nil, nil, fmt.Errorf("create run: %w", err)
	}
	if r.cache != nil {
		r.cache.Set(rn.ID, p)
	}

	if _, err := r.Emit(ctx, rn.ID, event.TypeRunCreated, map[string]any{
		"packageId": p.Metadata.PackageID,
		"title":     p.Objective.Title,
	}); err != nil {
		return nil, nil, err
	}
	r.log.Info("run created", "run_id", rn.ID, "package_id", p.Metadata.PackageID)
	return rn, nil, nil
}

// Run returns the run by ID.
func (r *Repository) Run(ctx context.Context, runID string) (*run.Run, error) {
	return r.store.GetRun(ctx, runID)
}

// ListRuns lists runs newest-first.
func (r *Repository) ListRuns(ctx context.Context, filter database.RunFilter) ([]run.Run, error) {
	return r.store.ListRuns(ctx, filter)
}

// Package returns the run's validated package, cache-first.
func (r *Repository) Package(ctx context.Context, runID string) (*pack.Package, error) {
	if r.cache != nil {
		if p, ok := r.cache.Get(runID); ok {
			return p, nil
		}
	}
	rn, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	p := rn.Package
	if r.cache != nil {
		r.cache.Set(runID, &p)
	}
	return &p, nil
}

// snapshotResultLimit caps the result rows embedded in a status snapshot.
const snapshotResultLimit = 200

// Snapshot is the full run view served by the status endpoint.
type Snapshot struct {
	Run           run.Run        `json:"run"`
	Counters      run.Counters   `json:"counters"`
	Tasks         []run.Task     `json:"tasks"`
	Results       []run.Result   `json:"results"`
	Evidence      []run.Evidence `json:"evidence"`
	Artifacts     []run.Artifact `json:"artifacts"`
	LatestEventID int64          `json:"latestEventId"`
}

// Snapshot returns the run with its derived counters, tasks, results
// (capped at 200 rows), evidence, artifacts, and the latest event ID.
func (r *Repository) Snapshot(ctx context.Context, runID string) (*Snapshot, error) {
	rn, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	counters, err := r.store.GetRunCounters(ctx, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := r.store.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	results, err := r.store.ListResults(ctx, runID, snapshotResultLimit)
	if err != nil {
		return nil, err
	}
	evidence, err := r.store.ListEvidence(ctx, runID)
	if err != nil {
		return nil, err
	}
	artifacts, err := r.store.ListArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}
	latest, err := r.store.LatestEventID(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Run:           *rn,
		Counters:      *counters,
		Tasks:         tasks,
		Results:       results,
		Evidence:      evidence,
		Artifacts:     artifacts,
		LatestEventID: latest,
	}, nil
}

// Emit appends an event to the run's log and fans it out to subscribers.
// The append is durable before any subscriber sees the event.
func (r *Repository) Emit(ctx context.Context, runID, eventType string, data map[string]any) (*event.Event, error) {
	ev, err := r.store.AppendEvent(ctx, runID, eventType, data)
	if err != nil {
		return nil, fmt.Errorf("append event %s: %w", eventType, err)
	}
	r.cast.Publish(ctx, *ev)
	return ev, nil
}

// Events returns the run's events with ID greater than sinceEventID.
func (r *Repository) Events(ctx context.Context, runID string, sinceEventID int64) ([]event.Event, error) {
	return r.store.ListRunEvents(ctx, runID, sinceEventID)
}

// statusEvent maps a run status to its lifecycle event type.
func statusEvent(status run.Status) string {
	switch status {
	case run.StatusRunning:
		return event.TypeRunStarted
	case run.StatusSucceeded:
		return event.TypeRunSucceeded
	case run.StatusFailed:
		return event.TypeRunFailed
	case run.StatusCanceled:
		return event.TypeRunCanceled
	case run.StatusTimedOut:
		return event.TypeRunTimedOut
	}
	return event.TypeRunCreated
}

// Transition moves the run to status and emits the matching lifecycle
// event. Reason is recorded for terminal statuses.
func (r *Repository) Transition(ctx context.Context, runID string, status run.Status, reason string) (*run.Run, error) {
	rn, err := r.store.UpdateRunStatus(ctx, runID, status, reason)
	if err != nil {
		return nil, err
	}

	data := map[string]any{"status": string(status)}
	if reason != "" {
		data["reason"] = reason
	}
	if _, err := r.Emit(ctx, runID, statusEvent(status), data); err != nil {
		return nil, err
	}
	if status.Terminal() {
		if r.cache != nil {
			r.cache.Delete(runID)
		}
		r.log.Info("run finished", "run_id", runID, "status", status, "reason", reason)
	}
	return rn, nil
}

// Cancel requests cancellation. A queued run is canceled immediately; a
// running run keeps its flag set for the engine to observe. Canceling an
// already-canceled run is a no-op; a terminal run returns domain.ErrTerminal.
func (r *Repository) Cancel(ctx context.Context, runID string) (*run.Run, error) {
	rn, err := r.store.RequestCancel(ctx, runID)
	if err != nil {
		return nil, err
	}
	if _, err := r.Emit(ctx, runID, event.TypeRunCancelRequested, nil); err != nil {
		return nil, err
	}

	if rn.Status == run.StatusQueued {
		canceled, err := r.Transition(ctx, runID, run.StatusCanceled, run.ReasonCanceledByUser)
		if err != nil {
			// The engine claimed the run between the flag and the
			// transition. It will observe the flag and cancel itself.
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrTerminal) {
				return r.store.GetRun(ctx, runID)
			}
			return nil, err
		}
		return canceled, nil
	}
	return rn, nil
}

// BindSession records the backend session for the run, once.
func (r *Repository) BindSession(ctx context.Context, runID, sessionID string) error {
	return r.store.SetRunSession(ctx, runID, sessionID)
}

// AddUsage accumulates adapter usage and returns the run totals.
func (r *Repository) AddUsage(ctx context.Context, runID string, tokens int64, costUSD float64) (int64, float64, error) {
	return r.store.AddBudget(ctx, runID, tokens, costUSD)
}

// BeginIteration bumps the orchestrator iteration counter.
func (r *Repository) BeginIteration(ctx context.Context, runID string) error {
	return r.store.IncrementIterations(ctx, runID)
}

// PlanTask records a planned task and emits worker.task.created.
func (r *Repository) PlanTask(ctx context.Context, runID, taskID, description string) error {
	now := time.Now().UTC()
	t := &run.Task{
		RunID:       runID,
		TaskID:      taskID,
		Description: description,
		Status:      run.TaskQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.RecordTask(ctx, t); err != nil {
		return fmt.Errorf("record task %s: %w", taskID, err)
	}
	_, err := r.Emit(ctx, runID, event.TypeWorkerTaskCreated, map[string]any{
		"taskId":      taskID,
		"description": description,
	})
	return err
}

// StartTask marks a task running for the given attempt.
func (r *Repository) StartTask(ctx context.Context, runID, taskID string, attempt int) error {
	if err := r.store.UpdateTask(ctx, runID, taskID, run.TaskRunning, attempt, ""); err != nil {
		return err
	}
	_, err := r.Emit(ctx, runID, event.TypeWorkerTaskStarted, map[string]any{
		"taskId":  taskID,
		"attempt": attempt,
	})
	return err
}

// CompleteTask records a successful attempt: evidence rows, the task row,
// the result row referencing the evidence, then worker.task.completed
// followed by one evidence.recorded per item.
func (r *Repository) CompleteTask(ctx context.Context, runID, taskID string, attempt int, output json.RawMessage, evidence []run.Evidence) error {
	now := time.Now().UTC()
	evidenceIDs := make([]string, 0, len(evidence))
	for i := range evidence {
		evidence[i].RunID = runID
		evidence[i].EvidenceID = uuid.NewString()
		evidence[i].LinkedTaskID = taskID
		evidence[i].CreatedAt = now
		if !run.ValidEvidenceType(evidence[i].Type) {
			return fmt.Errorf("%w: evidence type %q", domain.ErrValidation, evidence[i].Type)
		}
		if err := r.store.RecordEvidence(ctx, &evidence[i]); err != nil {
			return fmt.Errorf("record evidence: %w", err)
		}
		evidenceIDs = append(evidenceIDs, evidence[i].EvidenceID)
	}

	if err := r.store.UpdateTask(ctx, runID, taskID, run.TaskSucceeded, attempt, ""); err != nil {
		return err
	}
	res := &run.Result{
		RunID:       runID,
		TaskID:      taskID,
		Attempt:     attempt,
		OutputJSON:  output,
		EvidenceIDs: evidenceIDs,
		CreatedAt:   now,
	}
	if err := r.store.RecordResult(ctx, res); err != nil {
		return fmt.Errorf("record result %s: %w", taskID, err)
	}

	if _, err := r.Emit(ctx, runID, event.TypeWorkerTaskCompleted, map[string]any{
		"taskId":      taskID,
		"attempt":     attempt,
		"evidenceIds": evidenceIDs,
	}); err != nil {
		return err
	}
	for _, e := range evidence {
		if _, err := r.Emit(ctx, runID, event.TypeEvidenceRecorded, map[string]any{
			"evidenceId":   e.EvidenceID,
			"type":         string(e.Type),
			"linkedTaskId": taskID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// FailTask records a failed attempt and worker.task.failed.
func (r *Repository) FailTask(ctx context.Context, runID, taskID string, attempt int, taskErr error) error {
	msg := taskErr.Error()
	if err := r.store.UpdateTask(ctx, runID, taskID, run.TaskFailed, attempt, msg); err != nil {
		return err
	}
	_, err := r.Emit(ctx, runID, event.TypeWorkerTaskFailed, map[string]any{
		"taskId":  taskID,
		"attempt": attempt,
		"error":   msg,
	})
	return err
}

// RecordEvidence stores one evidence item and emits evidence.recorded.
// Returns the generated evidence ID.
func (r *Repository) RecordEvidence(ctx context.Context, runID string, typ run.EvidenceType, payload, linkedTaskID string) (string, error) {
	if !run.ValidEvidenceType(typ) {
		return "", fmt.Errorf("%w: evidence type %q", domain.ErrValidation, typ)
	}
	e := &run.Evidence{
		RunID:        runID,
		EvidenceID:   uuid.NewString(),
		Type:         typ,
		Payload:      payload,
		LinkedTaskID: linkedTaskID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.RecordEvidence(ctx, e); err != nil {
		return "", fmt.Errorf("record evidence: %w", err)
	}
	_, err := r.Emit(ctx, runID, event.TypeEvidenceRecorded, map[string]any{
		"evidenceId":   e.EvidenceID,
		"type":         string(typ),
		"linkedTaskId": linkedTaskID,
	})
	return e.EvidenceID, err
}

// Evidence lists the run's recorded evidence.
func (r *Repository) Evidence(ctx context.Context, runID string) ([]run.Evidence, error) {
	return r.store.ListEvidence(ctx, runID)
}

// RecordArtifact stores one artifact reference and emits artifact.recorded.
func (r *Repository) RecordArtifact(ctx context.Context, runID, kind, uri, checksum string) (string, error) {
	a := &run.Artifact{
		RunID:      runID,
		ArtifactID: uuid.NewString(),
		Kind:       kind,
		URI:        uri,
		Checksum:   checksum,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.RecordArtifact(ctx, a); err != nil {
		return "", fmt.Errorf("record artifact: %w", err)
	}
	_, err := r.Emit(ctx, runID, event.TypeArtifactRecorded, map[string]any{
		"artifactId": a.ArtifactID,
		"kind":       kind,
		"uri":        uri,
	})
	return a.ArtifactID, err
}
