package run

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the state of a dispatched worker task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Task is one unit of work dispatched to a worker agent. Its ID must come
// from the implementation-plan checklist produced by the PLAN stage.
type Task struct {
	RunID       string     `json:"runId"`
	TaskID      string     `json:"taskId"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Result is the output of one worker attempt. One row per (task, attempt).
type Result struct {
	RunID       string          `json:"runId"`
	TaskID      string          `json:"taskId"`
	Attempt     int             `json:"attempt"`
	OutputJSON  json.RawMessage `json:"outputJson"`
	EvidenceIDs []string        `json:"evidenceIds"`
	CreatedAt   time.Time       `json:"createdAt"`
}
