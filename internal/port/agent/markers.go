package agent

// Prompt marker lines. The engine embeds these in every prompt so any
// backend (and the deterministic mock in particular) can recover the
// structured intent of a prompt without natural-language parsing.
const (
	// MarkerStage is followed by one of PLAN, ACT, CHECK, FIX, REPORT.
	MarkerStage = "### STAGE:"

	// MarkerTask is followed by the task ID of a worker prompt.
	MarkerTask = "### TASK:"

	// MarkerTaskList is followed by the comma-separated task IDs the
	// orchestrator may dispatch (ACT and FIX prompts).
	MarkerTaskList = "### TASKS:"

	// MarkerEvidence is followed by the comma-separated evidence types the
	// task's done criteria require.
	MarkerEvidence = "### REQUIRED_EVIDENCE:"

	// MarkerRetryHint precedes the error description appended when a stage
	// or worker prompt is retried after malformed output.
	MarkerRetryHint = "### RETRY_HINT:"
)
