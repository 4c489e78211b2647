package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Strob0t/Conductor/internal/domain/pack"
	"github.com/Strob0t/Conductor/internal/port/agent"
)

// usage accumulates adapter spend for one prompt.
type usage struct {
	Tokens  int64
	CostUSD float64
}

// drainChunks consumes a prompt stream, concatenating text and keeping the
// last cumulative usage chunk. It returns when the channel closes, an error
// chunk arrives, or ctx is done.
func drainChunks(ctx context.Context, ch <-chan agent.Chunk) (string, usage, error) {
	var text strings.Builder
	var u usage
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return text.String(), u, nil
			}
			switch c.Type {
			case agent.ChunkText:
				text.WriteString(c.Text)
			case agent.ChunkUsage:
				u.Tokens = c.TokensUsed
				u.CostUSD = c.CostUSD
			case agent.ChunkError:
				return text.String(), u, c.Err
			}
		case <-ctx.Done():
			return text.String(), u, ctx.Err()
		}
	}
}

// extractJSON returns the JSON object body of a response. In strict mode
// the whole trimmed response must be one valid JSON object. In lenient mode
// the outermost {...} span is tried before giving up.
func extractJSON(text string, strict bool) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return []byte(trimmed), nil
	}
	if strict {
		return nil, fmt.Errorf("response is not a single JSON object")
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		candidate := trimmed[start : end+1]
		if json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
	}
	return nil, fmt.Errorf("no JSON object found in response")
}

// plannedTask is one PLAN-stage task declaration.
type plannedTask struct {
	TaskID      string `json:"taskId"`
	Description string `json:"description"`
}

// planOutput is the parsed PLAN stage response.
type planOutput struct {
	ImplementationPlanMd string        `json:"implementationPlanMd"`
	Tasks                []plannedTask `json:"tasks"`
	Summary              string        `json:"summary"`
}

// parsePlan parses and cross-checks a PLAN response. The task list and the
// markdown checklist must name the same IDs.
func parsePlan(text string, strict bool) (*planOutput, error) {
	raw, err := extractJSON(text, strict)
	if err != nil {
		return nil, err
	}
	var out planOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if strings.TrimSpace(out.ImplementationPlanMd) == "" {
		return nil, fmt.Errorf("plan missing implementationPlanMd")
	}
	if len(out.Tasks) == 0 {
		return nil, fmt.Errorf("plan declares no tasks")
	}

	checklist := pack.ChecklistIDSet(out.ImplementationPlanMd)
	declared := map[string]bool{}
	for _, t := range out.Tasks {
		if t.TaskID == "" {
			return nil, fmt.Errorf("plan task with empty taskId")
		}
		if declared[t.TaskID] {
			return nil, fmt.Errorf("plan declares task %q twice", t.TaskID)
		}
		declared[t.TaskID] = true
		if !checklist[t.TaskID] {
			return nil, fmt.Errorf("task %q has no checklist item", t.TaskID)
		}
	}
	for id := range checklist {
		if !declared[id] {
			return nil, fmt.Errorf("checklist item %q has no task", id)
		}
	}
	return &out, nil
}

// dispatchOutput is the parsed ACT or FIX stage response.
type dispatchOutput struct {
	WorkerDispatch []struct {
		TaskID string `json:"taskId"`
	} `json:"workerDispatch"`
	Notes string `json:"notes"`
}

// TaskIDs returns the dispatched IDs in order, deduplicated.
func (d *dispatchOutput) TaskIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range d.WorkerDispatch {
		if w.TaskID != "" && !seen[w.TaskID] {
			seen[w.TaskID] = true
			out = append(out, w.TaskID)
		}
	}
	return out
}

func parseDispatch(text string, strict bool) (*dispatchOutput, error) {
	raw, err := extractJSON(text, strict)
	if err != nil {
		return nil, err
	}
	var out dispatchOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode dispatch: %w", err)
	}
	return &out, nil
}

// checkOutput is the parsed CHECK stage response.
type checkOutput struct {
	Status         string   `json:"status"`
	FailedCriteria []string `json:"failedCriteria"`
	Summary        string   `json:"summary"`
}

func (c *checkOutput) Passed() bool { return c.Status == "pass" }

func parseCheck(text string, strict bool) (*checkOutput, error) {
	raw, err := extractJSON(text, strict)
	if err != nil {
		return nil, err
	}
	var out checkOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode check: %w", err)
	}
	if out.Status != "pass" && out.Status != "fail" {
		return nil, fmt.Errorf("check status %q is not pass or fail", out.Status)
	}
	return &out, nil
}

// reportOutput is the parsed REPORT stage response.
type reportOutput struct {
	Summary   string `json:"summary"`
	Artifacts []struct {
		Kind     string `json:"kind"`
		URI      string `json:"uri"`
		Checksum string `json:"checksum"`
	} `json:"artifacts"`
}

func parseReport(text string, strict bool) (*reportOutput, error) {
	raw, err := extractJSON(text, strict)
	if err != nil {
		return nil, err
	}
	var out reportOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &out, nil
}

// workerEvidence is one evidence item in a worker response.
type workerEvidence struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// workerOutput is the parsed response of one worker attempt.
type workerOutput struct {
	ResultJSON json.RawMessage  `json:"resultJson"`
	Evidence   []workerEvidence `json:"evidence"`
	Error      string           `json:"error"`
}

func parseWorkerOutput(text string, strict bool) (*workerOutput, error) {
	raw, err := extractJSON(text, strict)
	if err != nil {
		return nil, err
	}
	var out workerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode worker output: %w", err)
	}
	if out.Error == "" && len(out.ResultJSON) == 0 {
		return nil, fmt.Errorf("worker output has neither resultJson nor error")
	}
	return &out, nil
}

// sortedIDs returns map keys sorted, for stable error messages.
func sortedIDs(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
