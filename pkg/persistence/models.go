package persistence

import (
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunStatusRunning     = "running"
	RunStatusCompleted   = "completed"
	RunStatusHalted      = "halted"
	RunStatusInterrupted = "interrupted"
	RunStatusFailed      = "failed"
)

// Iteration outcomes.
const (
	OutcomeClassified = "classified"
	OutcomeQuota      = "quota"
	OutcomeFailure    = "failure"
	OutcomeTimeout    = "timeout"
)

// Run represents one loop session against a project directory.
type Run struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ID         string     `json:"id"`
	ProjectDir string     `json:"project_dir"`
	Status     string     `json:"status"`
	ExitReason string     `json:"exit_reason,omitempty"`
	Loops      int        `json:"loops"`
}

// IterationRecord represents one subprocess launch within a run.
//
//nolint:govet // struct alignment optimization not critical for this type
type IterationRecord struct {
	StartedAt      time.Time `json:"started_at"`
	RunID          string    `json:"run_id"`
	LoopNumber     int       `json:"loop_number"`
	DurationMS     int64     `json:"duration_ms"`
	ExitCode       int       `json:"exit_code"`
	Outcome        string    `json:"outcome"`
	FilesModified  int       `json:"files_modified"`
	Confidence     int       `json:"confidence"`
	TestOnly       bool      `json:"test_only"`
	Stuck          bool      `json:"stuck"`
	Progress       bool      `json:"progress"`
	StructuredDone bool      `json:"structured_done"`
	OutputBytes    int       `json:"output_bytes"`
	TokenEstimate  int       `json:"token_estimate"`
	Summary        string    `json:"summary,omitempty"`
}

// RunSummary aggregates a run's iterations for reporting.
type RunSummary struct {
	RunID          string `json:"run_id"`
	Iterations     int    `json:"iterations"`
	ProgressLoops  int    `json:"progress_loops"`
	TestOnlyLoops  int    `json:"test_only_loops"`
	StuckLoops     int    `json:"stuck_loops"`
	FilesModified  int    `json:"files_modified"`
	TotalOutput    int64  `json:"total_output_bytes"`
	TotalTokens    int64  `json:"total_token_estimate"`
}

// ValidRunStatuses returns all valid run statuses.
func ValidRunStatuses() []string {
	return []string{
		RunStatusRunning,
		RunStatusCompleted,
		RunStatusHalted,
		RunStatusInterrupted,
		RunStatusFailed,
	}
}

// IsValidRunStatus checks if a status string is valid.
func IsValidRunStatus(status string) bool {
	for _, valid := range ValidRunStatuses() {
		if status == valid {
			return true
		}
	}
	return false
}

// GenerateRunID generates a new UUID for a run.
func GenerateRunID() string {
	return uuid.New().String()
}
