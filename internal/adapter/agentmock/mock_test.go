package agentmock

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/port/agent"
)

func collect(t *testing.T, ch <-chan agent.Chunk) (text string, usage agent.Chunk, finished bool) {
	t.Helper()
	for c := range ch {
		switch c.Type {
		case agent.ChunkText:
			text += c.Text
		case agent.ChunkUsage:
			usage = c
		case agent.ChunkFinish:
			finished = true
		case agent.ChunkError:
			t.Fatalf("unexpected error chunk: %v", c.Err)
		}
	}
	return text, usage, finished
}

func newSession(t *testing.T, a *Adapter) string {
	t.Helper()
	id, err := a.CreateSession(context.Background(), agent.SessionConfig{RunID: "r1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return id
}

func TestPlanResponseMatchesChecklist(t *testing.T) {
	a := New(Options{})
	sid := newSession(t, a)

	ch, err := a.SendPrompt(context.Background(), agent.PromptRequest{
		SessionID: sid,
		Prompt:    agent.MarkerStage + " PLAN\n" + agent.MarkerTaskList + " T1, T2, T3\n",
	})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	text, usage, finished := collect(t, ch)
	if !finished {
		t.Fatal("missing finish chunk")
	}
	if usage.TokensUsed == 0 || usage.CostUSD == 0 {
		t.Fatal("missing usage")
	}

	var plan struct {
		ImplementationPlanMd string `json:"implementationPlanMd"`
		Tasks                []struct {
			TaskID string `json:"taskId"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		t.Fatalf("plan not JSON: %v\n%s", err, text)
	}
	if len(plan.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(plan.Tasks))
	}
	for _, id := range []string{"T1", "T2", "T3"} {
		if !strings.Contains(plan.ImplementationPlanMd, "- [ ] "+id+":") {
			t.Fatalf("plan markdown missing checklist item %s:\n%s", id, plan.ImplementationPlanMd)
		}
	}
}

func TestMalformedPlansThenRecovers(t *testing.T) {
	a := New(Options{MalformedPlans: 1})
	sid := newSession(t, a)
	prompt := agent.PromptRequest{SessionID: sid, Prompt: agent.MarkerStage + " PLAN\n"}

	ch, _ := a.SendPrompt(context.Background(), prompt)
	text, _, _ := collect(t, ch)
	if json.Valid([]byte(text)) {
		t.Fatalf("first plan should be malformed, got %s", text)
	}

	ch, _ = a.SendPrompt(context.Background(), prompt)
	text, _, _ = collect(t, ch)
	if !json.Valid([]byte(text)) {
		t.Fatalf("second plan should be valid JSON, got %s", text)
	}
}

func TestWorkerResponseCoversEvidenceTypes(t *testing.T) {
	a := New(Options{})
	sid := newSession(t, a)

	ch, err := a.SendPrompt(context.Background(), agent.PromptRequest{
		SessionID: sid,
		Prompt:    agent.MarkerTask + " T1\n" + agent.MarkerEvidence + " test_report, diff\n",
	})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	text, _, _ := collect(t, ch)

	var res struct {
		ResultJSON map[string]any `json:"resultJson"`
		Evidence   []struct {
			Type string `json:"type"`
		} `json:"evidence"`
	}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("worker output not JSON: %v\n%s", err, text)
	}
	got := map[string]bool{}
	for _, e := range res.Evidence {
		got[e.Type] = true
	}
	if !got["test_report"] || !got["diff"] {
		t.Fatalf("evidence types missing: %v", got)
	}
}

func TestFailWorkerTask(t *testing.T) {
	a := New(Options{FailWorkerTasks: []string{"T2"}})
	sid := newSession(t, a)

	ch, _ := a.SendPrompt(context.Background(), agent.PromptRequest{
		SessionID: sid,
		Prompt:    agent.MarkerTask + " T2\n",
	})
	text, _, _ := collect(t, ch)

	var res map[string]any
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := res["error"]; !ok {
		t.Fatalf("expected error payload, got %s", text)
	}
}

func TestCheckFailsThenPasses(t *testing.T) {
	a := New(Options{FailChecks: 1})
	sid := newSession(t, a)
	prompt := agent.PromptRequest{SessionID: sid, Prompt: agent.MarkerStage + " CHECK\n"}

	ch, _ := a.SendPrompt(context.Background(), prompt)
	text, _, _ := collect(t, ch)
	var check struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(text), &check); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if check.Status != "fail" {
		t.Fatalf("first check status = %q, want fail", check.Status)
	}

	ch, _ = a.SendPrompt(context.Background(), prompt)
	text, _, _ = collect(t, ch)
	if err := json.Unmarshal([]byte(text), &check); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if check.Status != "pass" {
		t.Fatalf("second check status = %q, want pass", check.Status)
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	a := New(Options{})
	if _, err := a.SendPrompt(context.Background(), agent.PromptRequest{SessionID: "nope"}); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestStageDelayRespectsContext(t *testing.T) {
	a := New(Options{StageDelay: time.Second})
	sid := newSession(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ch, err := a.SendPrompt(ctx, agent.PromptRequest{SessionID: sid, Prompt: agent.MarkerStage + " CHECK\n"})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	var sawErr bool
	for c := range ch {
		if c.Type == agent.ChunkError {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("expected error chunk on canceled context")
	}
}

func TestCancelSessionIdempotent(t *testing.T) {
	a := New(Options{})
	sid := newSession(t, a)
	if err := a.CancelSession(context.Background(), sid); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := a.CancelSession(context.Background(), sid); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if !a.Canceled(sid) {
		t.Fatal("session not marked canceled")
	}
	if a.SessionsOpened() != 1 {
		t.Fatalf("sessions opened = %d, want 1", a.SessionsOpened())
	}
}
