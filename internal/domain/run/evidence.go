package run

import "time"

// EvidenceType classifies a piece of evidence backing a done criterion.
type EvidenceType string

const (
	EvidenceLogExcerpt EvidenceType = "log_excerpt"
	EvidenceDiff       EvidenceType = "diff"
	EvidenceFileRef    EvidenceType = "file_ref"
	EvidenceTestReport EvidenceType = "test_report"
	EvidenceURL        EvidenceType = "url"
)

// ValidEvidenceType reports whether t is one of the known evidence types.
func ValidEvidenceType(t EvidenceType) bool {
	switch t {
	case EvidenceLogExcerpt, EvidenceDiff, EvidenceFileRef, EvidenceTestReport, EvidenceURL:
		return true
	}
	return false
}

// Evidence is a recorded proof item, optionally linked to the task that
// produced it.
type Evidence struct {
	RunID        string       `json:"runId"`
	EvidenceID   string       `json:"evidenceId"`
	Type         EvidenceType `json:"type"`
	Payload      string       `json:"payload"`
	LinkedTaskID string       `json:"linkedTaskId,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Artifact is a final output reference recorded during REPORT.
type Artifact struct {
	RunID      string    `json:"runId"`
	ArtifactID string    `json:"artifactId"`
	Kind       string    `json:"kind"`
	URI        string    `json:"uri"`
	Checksum   string    `json:"checksum,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
