// Package pack defines the OrchestrationPackage input schema: the immutable
// description of a run's objective, agents, registries, and policy.
package pack

// Package is the top-level orchestration package submitted by a client.
// Once a run is created the embedded package never changes.
type Package struct {
	PackageVersion string    `json:"packageVersion"`
	Metadata       Metadata  `json:"metadata"`
	Objective      Objective `json:"objective"`
	Agents         Agents    `json:"agents"`
	Registries     Registry  `json:"registries"`
	RunPolicy      RunPolicy `json:"runPolicy"`
	Preview        *Preview  `json:"preview,omitempty"`
}

// Metadata identifies the package and its author.
type Metadata struct {
	PackageID string `json:"packageId"`
	CreatedAt string `json:"createdAt"`
	CreatedBy string `json:"createdBy"`
}

// Objective describes what the run must accomplish and how completion is judged.
type Objective struct {
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Inputs       map[string]any  `json:"inputs,omitempty"`
	DoneCriteria []DoneCriterion `json:"doneCriteria"`
}

// DoneCriterion is a named predicate the run must satisfy, backed by at
// least one evidence item of each required type.
type DoneCriterion struct {
	ID                    string   `json:"id"`
	Description           string   `json:"description"`
	RequiredEvidenceTypes []string `json:"requiredEvidenceTypes"`
}

// Agents holds the two agent role configurations sharing one backend session.
type Agents struct {
	Orchestrator AgentConfig `json:"orchestrator"`
	Worker       AgentConfig `json:"worker"`
}

// AgentConfig configures a single logical agent role.
type AgentConfig struct {
	Name            string   `json:"name"`
	Model           string   `json:"model"` // "<provider>/<id>"
	SystemPromptRef string   `json:"systemPromptRef"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

// Registry lists the skills and variables available to the run.
type Registry struct {
	Skills    []Skill    `json:"skills"`
	Variables []Variable `json:"variables"`
}

// Skill is a named capability reference the orchestrator may hand to workers.
type Skill struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// Variable is a named value injected into prompts.
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// RunPolicy bundles every limit the engine enforces during a run.
type RunPolicy struct {
	Limits      Limits      `json:"limits"`
	Retries     Retries     `json:"retries"`
	Concurrency Concurrency `json:"concurrency"`
	Timeouts    Timeouts    `json:"timeouts"`
	Budget      Budget      `json:"budget"`
	Determinism Determinism `json:"determinism"`
}

// Limits caps iteration counts and total wall clock.
type Limits struct {
	MaxOrchestratorIterations int   `json:"maxOrchestratorIterations"`
	MaxWorkerIterations       int   `json:"maxWorkerIterations"`
	MaxRunWallClockMs         int64 `json:"maxRunWallClockMs"`
}

// Retries caps per-task and malformed-output retry counts.
type Retries struct {
	MaxWorkerTaskRetries      int `json:"maxWorkerTaskRetries"`
	MaxMalformedOutputRetries int `json:"maxMalformedOutputRetries"`
}

// Concurrency bounds simultaneous workers for the run.
type Concurrency struct {
	MaxWorkers int `json:"maxWorkers"`
}

// Timeouts holds per-operation deadlines in milliseconds.
type Timeouts struct {
	WorkerTaskMs       int64 `json:"workerTaskMs"`
	OrchestratorStepMs int64 `json:"orchestratorStepMs"`
}

// Budget caps adapter usage for the whole run.
type Budget struct {
	MaxTokens  int64   `json:"maxTokens"`
	MaxCostUSD float64 `json:"maxCostUsd"`
}

// Determinism toggles strictness guarantees the engine enforces.
type Determinism struct {
	EnforceStageOrder   bool `json:"enforceStageOrder"`
	RequireStrictJSON   bool `json:"requireStrictJson"`
	SingleSessionPerRun bool `json:"singleSessionPerRun"`
}

// Preview configures the optional child preview process for a run.
type Preview struct {
	Enabled            bool     `json:"enabled"`
	Command            string   `json:"command"`
	Args               []string `json:"args,omitempty"`
	Cwd                string   `json:"cwd,omitempty"`
	ReadyPath          string   `json:"readyPath,omitempty"`
	AutoStopOnTerminal bool     `json:"autoStopOnTerminal"`
}
