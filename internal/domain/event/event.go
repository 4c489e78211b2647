// Package event defines the append-only run event record and the persisted
// event type taxonomy.
package event

import (
	"encoding/json"
	"time"
)

// Event is one row of the append-only per-store event log. ID is globally
// monotonic across all runs and strictly increasing within a run.
type Event struct {
	RunID string         `json:"runId"`
	ID    int64          `json:"eventId"`
	Type  string         `json:"type"`
	Data  map[string]any `json:"data"`
	TS    time.Time      `json:"ts"`
}

// DataJSON returns the event payload marshaled for the wire. A nil payload
// encodes as an empty object.
func (e Event) DataJSON() []byte {
	if e.Data == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Run lifecycle events.
const (
	TypeRunCreated         = "run.created"
	TypeRunStarted         = "run.started"
	TypeRunSucceeded       = "run.succeeded"
	TypeRunFailed          = "run.failed"
	TypeRunCanceled        = "run.canceled"
	TypeRunTimedOut        = "run.timed_out"
	TypeRunCancelRequested = "run.cancel.requested"
)

// Orchestrator stage events.
const (
	TypePlanStarted     = "orchestrator.plan.started"
	TypePlanCompleted   = "orchestrator.plan.completed"
	TypeActStarted      = "orchestrator.act.started"
	TypeActCompleted    = "orchestrator.act.completed"
	TypeCheckStarted    = "orchestrator.check.started"
	TypeCheckCompleted  = "orchestrator.check.completed"
	TypeFixStarted      = "orchestrator.fix.started"
	TypeFixCompleted    = "orchestrator.fix.completed"
	TypeReportStarted   = "orchestrator.report.started"
	TypeReportCompleted = "orchestrator.report.completed"
)

// Worker task events.
const (
	TypeWorkerTaskCreated   = "worker.task.created"
	TypeWorkerTaskStarted   = "worker.task.started"
	TypeWorkerTaskCompleted = "worker.task.completed"
	TypeWorkerTaskFailed    = "worker.task.failed"
)

// Record and preview events.
const (
	TypeEvidenceRecorded = "evidence.recorded"
	TypeArtifactRecorded = "artifact.recorded"
	TypePreviewStarting  = "preview.starting"
	TypePreviewReady     = "preview.ready"
	TypePreviewStopped   = "preview.stopped"
	TypePreviewError     = "preview.error"
)
