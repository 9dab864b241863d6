package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// DatabaseOperations provides methods for run history operations.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// InsertRun records the start of a new run.
func (ops *DatabaseOperations) InsertRun(run *Run) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if !IsValidRunStatus(run.Status) {
		return fmt.Errorf("invalid run status %q", run.Status)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO runs (id, project_dir, started_at, status, exit_reason, loops)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := ops.db.Exec(query,
		run.ID, run.ProjectDir, run.StartedAt, run.Status, run.ExitReason, run.Loops)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun closes a run with its final status, exit reason, and loop count.
func (ops *DatabaseOperations) FinishRun(runID, status, exitReason string, loops int) error {
	if !IsValidRunStatus(status) {
		return fmt.Errorf("invalid run status %q", status)
	}

	query := `
		UPDATE runs
		SET finished_at = ?, status = ?, exit_reason = ?, loops = ?
		WHERE id = ?
	`
	result, err := ops.db.Exec(query, time.Now().UTC(), status, exitReason, loops, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// GetRun fetches one run by ID.
func (ops *DatabaseOperations) GetRun(runID string) (*Run, error) {
	query := `
		SELECT id, project_dir, started_at, finished_at, status, exit_reason, loops
		FROM runs WHERE id = ?
	`
	run := &Run{}
	var finishedAt sql.NullTime
	var exitReason sql.NullString

	err := ops.db.QueryRow(query, runID).Scan(
		&run.ID, &run.ProjectDir, &run.StartedAt, &finishedAt,
		&run.Status, &exitReason, &run.Loops)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	run.ExitReason = exitReason.String
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (ops *DatabaseOperations) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, project_dir, started_at, finished_at, status, exit_reason, loops
		FROM runs ORDER BY started_at DESC LIMIT ?
	`
	rows, err := ops.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var finishedAt sql.NullTime
		var exitReason sql.NullString

		if err := rows.Scan(&run.ID, &run.ProjectDir, &run.StartedAt, &finishedAt,
			&run.Status, &exitReason, &run.Loops); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		run.ExitReason = exitReason.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows error: %w", err)
	}
	return runs, nil
}

// InsertIteration records one subprocess launch within a run.
func (ops *DatabaseOperations) InsertIteration(it *IterationRecord) error {
	if it.StartedAt.IsZero() {
		it.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO iterations (
			run_id, loop_number, started_at, duration_ms, exit_code, outcome,
			files_modified, confidence, test_only, stuck, progress,
			structured_done, output_bytes, token_estimate, summary
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ops.db.Exec(query,
		it.RunID, it.LoopNumber, it.StartedAt, it.DurationMS, it.ExitCode,
		it.Outcome, it.FilesModified, it.Confidence, it.TestOnly, it.Stuck,
		it.Progress, it.StructuredDone, it.OutputBytes, it.TokenEstimate,
		it.Summary)
	if err != nil {
		return fmt.Errorf("failed to insert iteration %d of run %s: %w",
			it.LoopNumber, it.RunID, err)
	}
	return nil
}

// RecentIterations returns the last n iterations of a run, newest first.
func (ops *DatabaseOperations) RecentIterations(runID string, n int) ([]*IterationRecord, error) {
	if n <= 0 {
		n = 10
	}

	query := `
		SELECT run_id, loop_number, started_at, duration_ms, exit_code, outcome,
			files_modified, confidence, test_only, stuck, progress,
			structured_done, output_bytes, token_estimate, summary
		FROM iterations WHERE run_id = ?
		ORDER BY loop_number DESC LIMIT ?
	`
	rows, err := ops.db.Query(query, runID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var records []*IterationRecord
	for rows.Next() {
		it := &IterationRecord{}
		var outcome, summary sql.NullString

		if err := rows.Scan(&it.RunID, &it.LoopNumber, &it.StartedAt,
			&it.DurationMS, &it.ExitCode, &outcome, &it.FilesModified,
			&it.Confidence, &it.TestOnly, &it.Stuck, &it.Progress,
			&it.StructuredDone, &it.OutputBytes, &it.TokenEstimate,
			&summary); err != nil {
			return nil, fmt.Errorf("failed to scan iteration row: %w", err)
		}
		it.Outcome = outcome.String
		it.Summary = summary.String
		records = append(records, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iteration rows error: %w", err)
	}
	return records, nil
}

// SummarizeRun aggregates iteration statistics for a run.
func (ops *DatabaseOperations) SummarizeRun(runID string) (*RunSummary, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(progress), 0),
			COALESCE(SUM(test_only), 0),
			COALESCE(SUM(stuck), 0),
			COALESCE(SUM(files_modified), 0),
			COALESCE(SUM(output_bytes), 0),
			COALESCE(SUM(token_estimate), 0)
		FROM iterations WHERE run_id = ?
	`
	summary := &RunSummary{RunID: runID}
	err := ops.db.QueryRow(query, runID).Scan(
		&summary.Iterations, &summary.ProgressLoops, &summary.TestOnlyLoops,
		&summary.StuckLoops, &summary.FilesModified, &summary.TotalOutput,
		&summary.TotalTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize run %s: %w", runID, err)
	}
	return summary, nil
}
