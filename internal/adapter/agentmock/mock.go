// Package agentmock provides a deterministic coding-agent backend used when
// no live backend is configured and throughout the test suite. Responses are
// fabricated from the prompt markers, so identical packages produce
// identical runs.
package agentmock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Conductor/internal/port/agent"
)

// Options tune mock behavior for tests. The zero value is the production
// mock: every stage succeeds on the first attempt.
type Options struct {
	// StageDelay is slept (context-aware) before each response.
	StageDelay time.Duration

	// FailChecks makes the first N CHECK stages report status "fail".
	FailChecks int

	// MalformedPlans makes the first N PLAN responses non-JSON.
	MalformedPlans int

	// PlanTasks sets how many tasks the first PLAN declares when the
	// prompt carries no task list. Zero means one.
	PlanTasks int

	// FailWorkerTasks lists task IDs whose worker prompts return an error
	// payload on every attempt.
	FailWorkerTasks []string

	// TokensPerPrompt and CostPerPrompt set the usage reported per response.
	TokensPerPrompt int64
	CostPerPrompt   float64
}

// Adapter is the deterministic mock backend.
type Adapter struct {
	opts Options

	mu              sync.Mutex
	sessions        map[string]bool // id -> canceled
	sessionsOpened  int
	checksFailed    int
	plansMangled    int
	workersInFlight int
	workersPeak     int
}

// New creates a mock adapter.
func New(opts Options) *Adapter {
	if opts.TokensPerPrompt == 0 {
		opts.TokensPerPrompt = 120
	}
	if opts.CostPerPrompt == 0 {
		opts.CostPerPrompt = 0.0012
	}
	return &Adapter{
		opts:     opts,
		sessions: make(map[string]bool),
	}
}

var _ agent.Adapter = (*Adapter)(nil)

// Kind reports "mock".
func (a *Adapter) Kind() string { return agent.KindMock }

// CreateSession opens a new mock session.
func (a *Adapter) CreateSession(_ context.Context, cfg agent.SessionConfig) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := "mock-" + uuid.NewString()
	a.sessions[id] = false
	a.sessionsOpened++
	_ = cfg
	return id, nil
}

// SessionsOpened returns how many sessions were created. Test helper.
func (a *Adapter) SessionsOpened() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionsOpened
}

// WorkersPeak returns the highest number of worker prompts that were
// in flight at once. Test helper.
func (a *Adapter) WorkersPeak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workersPeak
}

// Canceled reports whether the session was canceled. Test helper.
func (a *Adapter) Canceled(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[sessionID]
}

// CancelSession marks the session canceled. Idempotent.
func (a *Adapter) CancelSession(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[sessionID] = true
	return nil
}

// SendPrompt fabricates the response for the prompt's stage or task marker
// and streams it as text, usage, finish chunks.
func (a *Adapter) SendPrompt(ctx context.Context, req agent.PromptRequest) (<-chan agent.Chunk, error) {
	a.mu.Lock()
	known := false
	if _, ok := a.sessions[req.SessionID]; ok {
		known = true
	}
	a.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("unknown session %q", req.SessionID)
	}

	body := a.respond(req.Prompt)
	isWorker := markerValue(req.Prompt, agent.MarkerTask) != ""

	out := make(chan agent.Chunk, 4)
	go func() {
		defer close(out)

		if isWorker {
			a.mu.Lock()
			a.workersInFlight++
			if a.workersInFlight > a.workersPeak {
				a.workersPeak = a.workersInFlight
			}
			a.mu.Unlock()
			defer func() {
				a.mu.Lock()
				a.workersInFlight--
				a.mu.Unlock()
			}()
		}

		if a.opts.StageDelay > 0 {
			select {
			case <-time.After(a.opts.StageDelay):
			case <-ctx.Done():
				out <- agent.Chunk{Type: agent.ChunkError, Err: ctx.Err()}
				return
			}
		}

		select {
		case out <- agent.Chunk{Type: agent.ChunkText, Text: body}:
		case <-ctx.Done():
			out <- agent.Chunk{Type: agent.ChunkError, Err: ctx.Err()}
			return
		}
		out <- agent.Chunk{Type: agent.ChunkUsage, TokensUsed: a.opts.TokensPerPrompt, CostUSD: a.opts.CostPerPrompt}
		out <- agent.Chunk{Type: agent.ChunkFinish, FinishReason: "stop"}
	}()
	return out, nil
}

// respond builds the response body for a prompt.
func (a *Adapter) respond(prompt string) string {
	if taskID := markerValue(prompt, agent.MarkerTask); taskID != "" {
		return a.workerResponse(taskID, splitList(markerValue(prompt, agent.MarkerEvidence)))
	}

	switch markerValue(prompt, agent.MarkerStage) {
	case "PLAN":
		return a.planResponse(splitList(markerValue(prompt, agent.MarkerTaskList)))
	case "ACT":
		return dispatchResponse(splitList(markerValue(prompt, agent.MarkerTaskList)), "dispatching all planned tasks")
	case "CHECK":
		return a.checkResponse()
	case "FIX":
		return dispatchResponse(nil, "no additional workers needed")
	case "REPORT":
		return reportResponse()
	}
	return `{"note":"unrecognized prompt"}`
}

// planResponse produces the implementation plan. Task IDs are taken from
// the prompt's task list when present, otherwise the mock invents
// T1..Tn per Options.PlanTasks.
func (a *Adapter) planResponse(hinted []string) string {
	a.mu.Lock()
	mangle := a.plansMangled < a.opts.MalformedPlans
	if mangle {
		a.plansMangled++
	}
	a.mu.Unlock()
	if mangle {
		return "Sure! Here is the plan you asked for."
	}

	ids := hinted
	if len(ids) == 0 {
		n := a.opts.PlanTasks
		if n <= 0 {
			n = 1
		}
		for i := 1; i <= n; i++ {
			ids = append(ids, fmt.Sprintf("T%d", i))
		}
	}

	var md strings.Builder
	md.WriteString("# Implementation plan\n\n")
	type taskEntry struct {
		TaskID      string `json:"taskId"`
		Description string `json:"description"`
	}
	tasks := make([]taskEntry, 0, len(ids))
	for _, id := range ids {
		fmt.Fprintf(&md, "- [ ] %s: execute task %s\n", id, id)
		tasks = append(tasks, taskEntry{TaskID: id, Description: "execute task " + id})
	}

	out, _ := json.Marshal(map[string]any{
		"implementationPlanMd": md.String(),
		"tasks":                tasks,
		"summary":              "single-pass plan over the objective",
	})
	return string(out)
}

func dispatchResponse(ids []string, notes string) string {
	type dispatch struct {
		TaskID string `json:"taskId"`
	}
	ds := make([]dispatch, 0, len(ids))
	for _, id := range ids {
		ds = append(ds, dispatch{TaskID: id})
	}
	out, _ := json.Marshal(map[string]any{
		"workerDispatch": ds,
		"notes":          notes,
	})
	return string(out)
}

func (a *Adapter) checkResponse() string {
	a.mu.Lock()
	fail := a.checksFailed < a.opts.FailChecks
	if fail {
		a.checksFailed++
	}
	a.mu.Unlock()

	if fail {
		out, _ := json.Marshal(map[string]any{
			"status":         "fail",
			"failedCriteria": []string{"C1"},
			"summary":        "criteria not yet satisfied",
		})
		return string(out)
	}
	out, _ := json.Marshal(map[string]any{
		"status":         "pass",
		"failedCriteria": []string{},
		"summary":        "all criteria satisfied",
	})
	return string(out)
}

func reportResponse() string {
	out, _ := json.Marshal(map[string]any{
		"summary": "run completed",
		"artifacts": []map[string]any{
			{"kind": "report", "uri": "mock://artifacts/final-report.md"},
		},
	})
	return string(out)
}

// workerResponse fabricates a worker result with one evidence item per
// required type. Tasks listed in FailWorkerTasks return an error payload.
func (a *Adapter) workerResponse(taskID string, evidenceTypes []string) string {
	for _, f := range a.opts.FailWorkerTasks {
		if f == taskID {
			out, _ := json.Marshal(map[string]any{
				"error": "task " + taskID + " could not be completed",
			})
			return string(out)
		}
	}

	if len(evidenceTypes) == 0 {
		evidenceTypes = []string{"log_excerpt"}
	}
	type evidenceEntry struct {
		Type    string `json:"type"`
		Payload string `json:"payload"`
	}
	evs := make([]evidenceEntry, 0, len(evidenceTypes))
	for _, et := range evidenceTypes {
		evs = append(evs, evidenceEntry{Type: et, Payload: fmt.Sprintf("%s produced by %s", et, taskID)})
	}

	out, _ := json.Marshal(map[string]any{
		"resultJson": map[string]any{"taskId": taskID, "status": "done"},
		"evidence":   evs,
	})
	return string(out)
}

// markerValue returns the trimmed remainder of the first line starting with
// the marker.
func markerValue(prompt, marker string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, marker) {
			return strings.TrimSpace(strings.TrimPrefix(line, marker))
		}
	}
	return ""
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
