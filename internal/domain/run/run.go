// Package run defines the Run aggregate and its companion records: tasks,
// results, evidence, and artifacts produced while a run executes.
package run

import (
	"time"

	"github.com/Strob0t/Conductor/internal/domain/pack"
)

// Status represents the current state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from one status to another.
// Terminal statuses never transition; queued may only start or cancel.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCanceled
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Failure reason codes reported on run.failed / run.timed_out events.
const (
	ReasonInvalidPackage        = "invalid_package"
	ReasonAdapterUnavailable    = "adapter_unavailable"
	ReasonSessionCreateFailed   = "session_create_failed"
	ReasonMalformedOutput       = "malformed_orchestrator_output"
	ReasonInvalidTaskID         = "invalid_task_id"
	ReasonMaxIterationsExceeded = "max_orchestrator_iterations_exceeded"
	ReasonWorkerFatal           = "worker_fatal"
	ReasonEvidenceMissing       = "evidence_missing"
	ReasonBudgetExceeded        = "budget_exceeded"
	ReasonInternalError         = "internal_error"
	ReasonCanceledByUser        = "canceled_by_user"
	ReasonWallClockExceeded     = "run_wall_clock_exceeded"
)

// Run represents one execution of an orchestration package.
type Run struct {
	ID               string       `json:"id"`
	Status           Status       `json:"status"`
	Reason           string       `json:"reason,omitempty"`
	CancelRequested  bool         `json:"cancelRequested"`
	SessionID        string       `json:"sessionId,omitempty"`
	BudgetTokensUsed int64        `json:"budgetTokensUsed"`
	BudgetCostUsed   float64      `json:"budgetCostUsed"`
	Package          pack.Package `json:"orchestrationPackage"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
	StartedAt        *time.Time   `json:"startedAt,omitempty"`
	FinishedAt       *time.Time   `json:"finishedAt,omitempty"`
}

// Counters are derived per-run statistics maintained by the repository.
type Counters struct {
	OrchestratorIterations int   `json:"orchestratorIterations"`
	WorkersSpawned         int   `json:"workersSpawned"`
	WorkerFailures         int   `json:"workerFailures"`
	EvidenceItems          int   `json:"evidenceItems"`
	LatestEventID          int64 `json:"latestEventId"`
}
