package pack

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// modelRe matches the required "<provider>/<id>" model form.
var modelRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.:-]+$`)

// evidenceTypes enumerates the valid evidence type names.
var evidenceTypes = map[string]bool{
	"log_excerpt": true,
	"diff":        true,
	"file_ref":    true,
	"test_report": true,
	"url":         true,
}

// FieldError describes a single validation failure with a JSON-pointer-style path.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate decodes raw JSON into a Package and checks every structural and
// semantic constraint. On failure it returns the collected field errors; the
// returned package is nil unless the error list is empty.
func Validate(raw []byte) (*Package, []FieldError) {
	var p Package
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, []FieldError{{Path: "", Message: "invalid JSON: " + err.Error()}}
	}

	errs := p.Check()
	if len(errs) > 0 {
		return nil, errs
	}
	return &p, nil
}

// Check validates an already-decoded package.
func (p *Package) Check() []FieldError {
	var errs []FieldError
	add := func(path, msg string) {
		errs = append(errs, FieldError{Path: path, Message: msg})
	}

	if p.PackageVersion == "" {
		add("/packageVersion", "is required")
	}
	if p.Metadata.PackageID == "" {
		add("/metadata/packageId", "is required")
	}

	if p.Objective.Title == "" && p.Objective.Description == "" && len(p.Objective.DoneCriteria) == 0 {
		add("/objective", "is required")
	} else {
		if p.Objective.Title == "" {
			add("/objective/title", "is required")
		}
		if len(p.Objective.DoneCriteria) == 0 {
			add("/objective/doneCriteria", "must contain at least one criterion")
		}
		seen := make(map[string]bool)
		for i, dc := range p.Objective.DoneCriteria {
			base := fmt.Sprintf("/objective/doneCriteria/%d", i)
			if dc.ID == "" {
				add(base+"/id", "is required")
			} else if seen[dc.ID] {
				add(base+"/id", fmt.Sprintf("duplicate criterion id %q", dc.ID))
			}
			seen[dc.ID] = true
			for j, et := range dc.RequiredEvidenceTypes {
				if !evidenceTypes[et] {
					add(fmt.Sprintf("%s/requiredEvidenceTypes/%d", base, j), fmt.Sprintf("unknown evidence type %q", et))
				}
			}
		}
	}

	checkAgent(&errs, "/agents/orchestrator", p.Agents.Orchestrator)
	checkAgent(&errs, "/agents/worker", p.Agents.Worker)

	seenSkills := make(map[string]bool)
	for i, sk := range p.Registries.Skills {
		path := fmt.Sprintf("/registries/skills/%d/id", i)
		if sk.ID == "" {
			add(path, "is required")
		} else if seenSkills[sk.ID] {
			add(path, fmt.Sprintf("duplicate skill id %q", sk.ID))
		}
		seenSkills[sk.ID] = true
	}

	pol := p.RunPolicy
	if pol.Limits.MaxOrchestratorIterations < 1 {
		add("/runPolicy/limits/maxOrchestratorIterations", "must be >= 1")
	}
	if pol.Limits.MaxWorkerIterations < 1 {
		add("/runPolicy/limits/maxWorkerIterations", "must be >= 1")
	}
	if pol.Limits.MaxRunWallClockMs <= 0 {
		add("/runPolicy/limits/maxRunWallClockMs", "must be positive")
	}
	if pol.Retries.MaxWorkerTaskRetries < 0 {
		add("/runPolicy/retries/maxWorkerTaskRetries", "must be non-negative")
	}
	if pol.Retries.MaxMalformedOutputRetries < 0 {
		add("/runPolicy/retries/maxMalformedOutputRetries", "must be non-negative")
	}
	if pol.Concurrency.MaxWorkers < 1 {
		add("/runPolicy/concurrency/maxWorkers", "must be >= 1")
	}
	if pol.Timeouts.WorkerTaskMs <= 0 {
		add("/runPolicy/timeouts/workerTaskMs", "must be positive")
	}
	if pol.Timeouts.OrchestratorStepMs <= 0 {
		add("/runPolicy/timeouts/orchestratorStepMs", "must be positive")
	}
	if pol.Budget.MaxTokens < 0 {
		add("/runPolicy/budget/maxTokens", "must be non-negative")
	}
	if pol.Budget.MaxCostUSD < 0 {
		add("/runPolicy/budget/maxCostUsd", "must be non-negative")
	}

	if p.Preview != nil && p.Preview.Enabled {
		if p.Preview.Command == "" {
			add("/preview/command", "is required when preview is enabled")
		}
		if p.Preview.ReadyPath != "" && !strings.HasPrefix(p.Preview.ReadyPath, "/") {
			add("/preview/readyPath", "must start with '/'")
		}
	}

	return errs
}

func checkAgent(errs *[]FieldError, base string, a AgentConfig) {
	if a.Name == "" {
		*errs = append(*errs, FieldError{Path: base + "/name", Message: "is required"})
	}
	if a.Model == "" {
		*errs = append(*errs, FieldError{Path: base + "/model", Message: "is required"})
	} else if !modelRe.MatchString(a.Model) {
		*errs = append(*errs, FieldError{Path: base + "/model", Message: `must match "<provider>/<id>"`})
	}
	if a.Temperature != nil && (*a.Temperature < 0 || *a.Temperature > 2) {
		*errs = append(*errs, FieldError{Path: base + "/temperature", Message: "must be between 0 and 2"})
	}
}
