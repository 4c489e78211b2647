package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/run"
)

func (s *Store) RecordTask(ctx context.Context, t *run.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO run_tasks (run_id, task_id, description, status, attempts)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.RunID, t.TaskID, t.Description, t.Status, t.Attempts)
	if err != nil {
		return fmt.Errorf("record task %s on run %s: %w", t.TaskID, t.RunID, err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE runs SET workers_spawned = workers_spawned + 1 WHERE id = $1`, t.RunID)
	if err != nil {
		return fmt.Errorf("bump workers_spawned on run %s: %w", t.RunID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateTask(ctx context.Context, runID, taskID string, status run.TaskStatus, attempts int, lastError string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev run.TaskStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM run_tasks WHERE run_id = $1 AND task_id = $2 FOR UPDATE`,
		runID, taskID).Scan(&prev)
	if err != nil {
		return fmt.Errorf("update task %s on run %s: %w", taskID, runID, domain.ErrNotFound)
	}

	_, err = tx.Exec(ctx,
		`UPDATE run_tasks SET status = $3, attempts = $4, last_error = $5, updated_at = now()
		 WHERE run_id = $1 AND task_id = $2`,
		runID, taskID, status, attempts, lastError)
	if err != nil {
		return fmt.Errorf("update task %s on run %s: %w", taskID, runID, err)
	}

	if status == run.TaskFailed && prev != run.TaskFailed {
		_, err = tx.Exec(ctx,
			`UPDATE runs SET worker_failures = worker_failures + 1 WHERE id = $1`, runID)
		if err != nil {
			return fmt.Errorf("bump worker_failures on run %s: %w", runID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListTasks(ctx context.Context, runID string) ([]run.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, task_id, description, status, attempts, last_error, created_at, updated_at
		 FROM run_tasks WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks on run %s: %w", runID, err)
	}
	defer rows.Close()

	var tasks []run.Task
	for rows.Next() {
		var t run.Task
		if err := rows.Scan(&t.RunID, &t.TaskID, &t.Description, &t.Status, &t.Attempts,
			&t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) RecordResult(ctx context.Context, r *run.Result) error {
	output := r.OutputJSON
	if output == nil {
		output = json.RawMessage("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_results (run_id, task_id, attempt, output_json, evidence_ids)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.RunID, r.TaskID, r.Attempt, []byte(output), r.EvidenceIDs)
	if err != nil {
		return fmt.Errorf("record result %s/%d on run %s: %w", r.TaskID, r.Attempt, r.RunID, err)
	}
	return nil
}

func (s *Store) ListResults(ctx context.Context, runID string, limit int) ([]run.Result, error) {
	q := `SELECT run_id, task_id, attempt, output_json, evidence_ids, created_at
		 FROM run_results WHERE run_id = $1 ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list results on run %s: %w", runID, err)
	}
	defer rows.Close()

	var results []run.Result
	for rows.Next() {
		var r run.Result
		var output []byte
		if err := rows.Scan(&r.RunID, &r.TaskID, &r.Attempt, &output, &r.EvidenceIDs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.OutputJSON = output
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) RecordEvidence(ctx context.Context, e *run.Evidence) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO run_evidence (run_id, evidence_id, type, payload, linked_task_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.RunID, e.EvidenceID, e.Type, e.Payload, e.LinkedTaskID)
	if err != nil {
		return fmt.Errorf("record evidence %s on run %s: %w", e.EvidenceID, e.RunID, err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE runs SET evidence_items = evidence_items + 1 WHERE id = $1`, e.RunID)
	if err != nil {
		return fmt.Errorf("bump evidence_items on run %s: %w", e.RunID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListEvidence(ctx context.Context, runID string) ([]run.Evidence, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, evidence_id, type, payload, linked_task_id, created_at
		 FROM run_evidence WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list evidence on run %s: %w", runID, err)
	}
	defer rows.Close()

	var evidence []run.Evidence
	for rows.Next() {
		var e run.Evidence
		if err := rows.Scan(&e.RunID, &e.EvidenceID, &e.Type, &e.Payload, &e.LinkedTaskID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		evidence = append(evidence, e)
	}
	return evidence, rows.Err()
}

func (s *Store) RecordArtifact(ctx context.Context, a *run.Artifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_artifacts (run_id, artifact_id, kind, uri, checksum)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.RunID, a.ArtifactID, a.Kind, a.URI, a.Checksum)
	if err != nil {
		return fmt.Errorf("record artifact %s on run %s: %w", a.ArtifactID, a.RunID, err)
	}
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]run.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, artifact_id, kind, uri, checksum, created_at
		 FROM run_artifacts WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts on run %s: %w", runID, err)
	}
	defer rows.Close()

	var artifacts []run.Artifact
	for rows.Next() {
		var a run.Artifact
		if err := rows.Scan(&a.RunID, &a.ArtifactID, &a.Kind, &a.URI, &a.Checksum, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
