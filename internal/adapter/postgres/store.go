package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/run"
	"github.com/Strob0t/Conductor/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ database.Store = (*Store)(nil)

const runColumns = `id, status, reason, cancel_requested, session_id,
	budget_tokens_used, budget_cost_used, package, created_at, updated_at, started_at, finished_at`

// scanRun scans a runs row including the embedded package JSON.
func scanRun(scanner interface{ Scan(dest ...any) error }) (run.Run, error) {
	var r run.Run
	var pkgJSON []byte
	err := scanner.Scan(
		&r.ID, &r.Status, &r.Reason, &r.CancelRequested, &r.SessionID,
		&r.BudgetTokensUsed, &r.BudgetCostUsed, &pkgJSON,
		&r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(pkgJSON, &r.Package); err != nil {
		return r, fmt.Errorf("unmarshal package: %w", err)
	}
	return r, nil
}

func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	pkgJSON, err := json.Marshal(r.Package)
	if err != nil {
		return fmt.Errorf("marshal package: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, package, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)`,
		r.ID, r.Status, pkgJSON, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM runs WHERE id = $1`, runColumns), runID)

	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, filter database.RunFilter) ([]run.Run, error) {
	q := fmt.Sprintf(`SELECT %s FROM runs`, runColumns)
	args := []any{}
	if filter.Status != "" {
		q += ` WHERE status = $1`
		args = append(args, filter.Status)
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	if filter.Offset > 0 {
		q += fmt.Sprintf(` OFFSET %d`, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus transitions the run under a row lock so concurrent
// transitions cannot race past the legality check.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status run.Status, reason string) (*run.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current run.Status
	err = tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update run %s: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("lock run %s: %w", runID, err)
	}

	if !run.CanTransition(current, status) {
		if current.Terminal() {
			return nil, fmt.Errorf("update run %s from %s to %s: %w", runID, current, status, domain.ErrTerminal)
		}
		return nil, fmt.Errorf("update run %s from %s to %s: %w", runID, current, status, domain.ErrConflict)
	}

	row := tx.QueryRow(ctx, fmt.Sprintf(
		`UPDATE runs SET status = $2, reason = $3, updated_at = now(),
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('succeeded','failed','canceled','timed_out') THEN now() ELSE finished_at END
		 WHERE id = $1
		 RETURNING %s`, runColumns), runID, status, reason)

	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("update run %s: %w", runID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &r, nil
}

func (s *Store) RequestCancel(ctx context.Context, runID string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`UPDATE runs SET cancel_requested = TRUE, updated_at = now()
		 WHERE id = $1 AND status NOT IN ('succeeded','failed','canceled','timed_out')
		 RETURNING %s`, runColumns), runID)

	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either missing or already terminal; disambiguate for the caller.
			if _, gErr := s.GetRun(ctx, runID); gErr != nil {
				return nil, gErr
			}
			return nil, fmt.Errorf("cancel run %s: %w", runID, domain.ErrTerminal)
		}
		return nil, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	return &r, nil
}

func (s *Store) SetRunSession(ctx context.Context, runID, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET session_id = $2, updated_at = now()
		 WHERE id = $1 AND session_id = ''`, runID, sessionID)
	if err != nil {
		return fmt.Errorf("set session on run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, gErr := s.GetRun(ctx, runID); gErr != nil {
			return gErr
		}
		return fmt.Errorf("set session on run %s: session already set: %w", runID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) AddBudget(ctx context.Context, runID string, tokens int64, costUSD float64) (int64, float64, error) {
	var totalTokens int64
	var totalCost float64
	err := s.pool.QueryRow(ctx,
		`UPDATE runs SET budget_tokens_used = budget_tokens_used + $2,
			budget_cost_used = budget_cost_used + $3, updated_at = now()
		 WHERE id = $1
		 RETURNING budget_tokens_used, budget_cost_used`,
		runID, tokens, costUSD).Scan(&totalTokens, &totalCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, fmt.Errorf("add budget on run %s: %w", runID, domain.ErrNotFound)
		}
		return 0, 0, fmt.Errorf("add budget on run %s: %w", runID, err)
	}
	return totalTokens, totalCost, nil
}

func (s *Store) IncrementIterations(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET orch_iterations = orch_iterations + 1, updated_at = now() WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("iterations on run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("iterations on run %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) GetRunCounters(ctx context.Context, runID string) (*run.Counters, error) {
	var c run.Counters
	err := s.pool.QueryRow(ctx,
		`SELECT r.orch_iterations, r.workers_spawned, r.worker_failures, r.evidence_items,
			COALESCE((SELECT MAX(id) FROM run_events e WHERE e.run_id = r.id), 0)
		 FROM runs r WHERE r.id = $1`, runID).
		Scan(&c.OrchestratorIterations, &c.WorkersSpawned, &c.WorkerFailures, &c.EvidenceItems, &c.LatestEventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("counters on run %s: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("counters on run %s: %w", runID, err)
	}
	return &c, nil
}

func (s *Store) PackageJSON(ctx context.Context, runID string) (json.RawMessage, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT package FROM runs WHERE id = $1`, runID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("package on run %s: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("package on run %s: %w", runID, err)
	}
	return raw, nil
}
