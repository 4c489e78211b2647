package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Strob0t/Conductor/internal/domain/pack"
	"github.com/Strob0t/Conductor/internal/port/agent"
)

// Stage names in canonical order.
const (
	StagePlan   = "PLAN"
	StageAct    = "ACT"
	StageCheck  = "CHECK"
	StageFix    = "FIX"
	StageReport = "REPORT"
)

// promptBuilder renders orchestrator and worker prompts for one run. All
// rendering is pure so identical packages yield identical prompts.
type promptBuilder struct {
	pkg *pack.Package
}

func newPromptBuilder(pkg *pack.Package) *promptBuilder {
	return &promptBuilder{pkg: pkg}
}

// header renders the shared preamble: objective, done criteria, skills,
// and variables.
func (pb *promptBuilder) header() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Objective: %s\n", pb.pkg.Objective.Title)
	if d := strings.TrimSpace(pb.pkg.Objective.Description); d != "" {
		fmt.Fprintf(&b, "%s\n", d)
	}

	if len(pb.pkg.Objective.DoneCriteria) > 0 {
		b.WriteString("\nDone criteria:\n")
		for _, c := range pb.pkg.Objective.DoneCriteria {
			fmt.Fprintf(&b, "- %s: %s (evidence: %s)\n",
				c.ID, c.Description, strings.Join(c.RequiredEvidenceTypes, ", "))
		}
	}

	if len(pb.pkg.Registries.Skills) > 0 {
		b.WriteString("\nAvailable skills:\n")
		for _, s := range pb.pkg.Registries.Skills {
			fmt.Fprintf(&b, "- %s: %s\n", s.ID, s.Description)
		}
	}

	if len(pb.pkg.Registries.Variables) > 0 {
		vars := make([]pack.Variable, len(pb.pkg.Registries.Variables))
		copy(vars, pb.pkg.Registries.Variables)
		sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
		b.WriteString("\nVariables:\n")
		for _, v := range vars {
			fmt.Fprintf(&b, "- %s=%s\n", v.Name, v.Value)
		}
	}
	return b.String()
}

// StagePrompt renders the orchestrator prompt for a stage. knownTasks lists
// the task IDs already planned (empty for the first PLAN). extra carries
// stage context such as failed criteria for FIX.
func (pb *promptBuilder) StagePrompt(stage string, knownTasks []string, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", agent.MarkerStage, stage)
	if len(knownTasks) > 0 {
		fmt.Fprintf(&b, "%s %s\n", agent.MarkerTaskList, strings.Join(knownTasks, ", "))
	}
	b.WriteString("\n")
	b.WriteString(pb.header())
	b.WriteString("\n")
	b.WriteString(stageInstructions(stage))
	if extra != "" {
		b.WriteString("\n")
		b.WriteString(extra)
		b.WriteString("\n")
	}
	return b.String()
}

// WorkerPrompt renders the prompt for one worker task attempt. retryHint
// carries the previous attempt's error, empty on the first attempt.
func (pb *promptBuilder) WorkerPrompt(taskID, description string, requiredEvidence []string, retryHint string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", agent.MarkerTask, taskID)
	if len(requiredEvidence) > 0 {
		fmt.Fprintf(&b, "%s %s\n", agent.MarkerEvidence, strings.Join(requiredEvidence, ", "))
	}
	if retryHint != "" {
		fmt.Fprintf(&b, "%s %s\n", agent.MarkerRetryHint, retryHint)
	}
	b.WriteString("\n")
	b.WriteString(pb.header())
	fmt.Fprintf(&b, "\nTask %s: %s\n", taskID, description)
	b.WriteString("Respond with a single JSON object: " +
		`{"resultJson": {...}, "evidence": [{"type": "...", "payload": "..."}]}` +
		" covering every required evidence type. On failure respond " +
		`{"error": "..."}` + ".\n")
	return b.String()
}

// RequiredEvidenceTypes returns the union of evidence types across all done
// criteria, in first-seen order.
func (pb *promptBuilder) RequiredEvidenceTypes() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range pb.pkg.Objective.DoneCriteria {
		for _, t := range c.RequiredEvidenceTypes {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

func stageInstructions(stage string) string {
	switch stage {
	case StagePlan:
		return "Produce an implementation plan. Respond with a single JSON object: " +
			`{"implementationPlanMd": "...", "tasks": [{"taskId": "...", "description": "..."}], "summary": "..."}` +
			". implementationPlanMd must contain one markdown checklist item per task, " +
			"and every taskId must match its checklist item ID.\n"
	case StageAct:
		return "Dispatch workers for the planned tasks. Respond with a single JSON object: " +
			`{"workerDispatch": [{"taskId": "..."}], "notes": "..."}` +
			". Only task IDs from the implementation plan are valid.\n"
	case StageCheck:
		return "Judge the done criteria against the recorded evidence. Respond with a " +
			"single JSON object: " +
			`{"status": "pass"|"fail", "failedCriteria": ["..."], "summary": "..."}` + ".\n"
	case StageFix:
		return "Propose remediation for the failed criteria. Respond with a single JSON " +
			"object: " +
			`{"workerDispatch": [{"taskId": "..."}], "notes": "..."}` +
			". Reuse existing task IDs; an empty dispatch means the next check should be retried as-is.\n"
	case StageReport:
		return "Summarize the run. Respond with a single JSON object: " +
			`{"summary": "...", "artifacts": [{"kind": "...", "uri": "..."}]}` + ".\n"
	}
	return ""
}
