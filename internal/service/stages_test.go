package service

import (
	"strings"
	"testing"
)

func TestParsePlanCrossChecksChecklist(t *testing.T) {
	good := `{
		"implementationPlanMd": "# Plan\n- [ ] T1: do it\n- [ ] T2: verify",
		"tasks": [
			{"taskId": "T1", "description": "do it"},
			{"taskId": "T2", "description": "verify"}
		],
		"summary": "two steps"
	}`
	out, err := parsePlan(good, true)
	if err != nil {
		t.Fatalf("parsePlan: %v", err)
	}
	if len(out.Tasks) != 2 {
		t.Fatalf("tasks = %d", len(out.Tasks))
	}

	cases := map[string]string{
		"task missing from checklist": `{
			"implementationPlanMd": "- [ ] T1: do it",
			"tasks": [{"taskId": "T1"}, {"taskId": "T9"}]
		}`,
		"checklist item without task": `{
			"implementationPlanMd": "- [ ] T1: do it\n- [ ] T2: orphan",
			"tasks": [{"taskId": "T1"}]
		}`,
		"duplicate task": `{
			"implementationPlanMd": "- [ ] T1: do it",
			"tasks": [{"taskId": "T1"}, {"taskId": "T1"}]
		}`,
		"empty plan markdown": `{
			"implementationPlanMd": "",
			"tasks": [{"taskId": "T1"}]
		}`,
		"no tasks": `{
			"implementationPlanMd": "- [ ] T1: do it",
			"tasks": []
		}`,
		"not json": `definitely not json`,
	}
	for name, input := range cases {
		if _, err := parsePlan(input, true); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestExtractJSONStrictVsLenient(t *testing.T) {
	wrapped := "Sure thing!\n{\"status\":\"pass\",\"failedCriteria\":[],\"summary\":\"ok\"}\nHope that helps."

	if _, err := parseCheck(wrapped, true); err == nil {
		t.Fatal("strict mode should reject wrapped JSON")
	}
	out, err := parseCheck(wrapped, false)
	if err != nil {
		t.Fatalf("lenient mode: %v", err)
	}
	if !out.Passed() {
		t.Fatalf("status = %q", out.Status)
	}
}

func TestParseCheckStatusValidation(t *testing.T) {
	if _, err := parseCheck(`{"status":"maybe"}`, true); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestParseWorkerOutput(t *testing.T) {
	out, err := parseWorkerOutput(`{"resultJson":{"ok":true},"evidence":[{"type":"log_excerpt","payload":"x"}]}`, true)
	if err != nil {
		t.Fatalf("parseWorkerOutput: %v", err)
	}
	if len(out.Evidence) != 1 || out.Evidence[0].Type != "log_excerpt" {
		t.Fatalf("evidence = %+v", out.Evidence)
	}

	out, err = parseWorkerOutput(`{"error":"could not"}`, true)
	if err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if out.Error == "" {
		t.Fatal("error not surfaced")
	}

	if _, err := parseWorkerOutput(`{}`, true); err == nil {
		t.Fatal("expected error for empty worker output")
	}
}

func TestDispatchTaskIDsDeduplicated(t *testing.T) {
	out, err := parseDispatch(`{"workerDispatch":[{"taskId":"T1"},{"taskId":"T2"},{"taskId":"T1"}]}`, true)
	if err != nil {
		t.Fatalf("parseDispatch: %v", err)
	}
	ids := out.TaskIDs()
	if len(ids) != 2 || ids[0] != "T1" || ids[1] != "T2" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestStagePromptCarriesMarkersAndTasks(t *testing.T) {
	repo := newTestRepo(t)
	rn := submitRun(t, repo, defaultPolicy())
	pb := newPromptBuilder(&rn.Package)

	prompt := pb.StagePrompt(StageAct, []string{"T1", "T2"}, "")
	if !strings.Contains(prompt, "### STAGE: ACT") {
		t.Fatalf("missing stage marker:\n%s", prompt)
	}
	if !strings.Contains(prompt, "### TASKS: T1, T2") {
		t.Fatalf("missing task list marker:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Exercise the engine") {
		t.Fatalf("missing objective title:\n%s", prompt)
	}

	worker := pb.WorkerPrompt("T1", "do it", []string{"log_excerpt"}, "previous attempt timed out")
	if !strings.Contains(worker, "### TASK: T1") {
		t.Fatalf("missing task marker:\n%s", worker)
	}
	if !strings.Contains(worker, "### REQUIRED_EVIDENCE: log_excerpt") {
		t.Fatalf("missing evidence marker:\n%s", worker)
	}
	if !strings.Contains(worker, "### RETRY_HINT: previous attempt timed out") {
		t.Fatalf("missing retry hint:\n%s", worker)
	}
}
