package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/domain/run"
)

// runWorkers dispatches the given task IDs concurrently, bounded by the
// run's worker semaphore, and collects every completion before returning.
// A nil return means the stage may proceed to CHECK; individual task
// failures do not fail the run here.
func (e *Engine) runWorkers(ctx context.Context, st *runState, taskIDs []string) *runFailure {
	if len(taskIDs) == 0 {
		return nil
	}

	maxWorkers := st.pkg.RunPolicy.Concurrency.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	sem := semaphore.NewWeighted(int64(maxWorkers))

	// Task rows are created at dispatch time, before any worker starts,
	// so worker.task.created events precede every worker.task.started.
	for _, taskID := range taskIDs {
		if st.recorded[taskID] {
			continue
		}
		st.recorded[taskID] = true
		if err := e.repo.PlanTask(ctx, st.runID, taskID, st.planned[taskID]); err != nil {
			return failed(run.ReasonInternalError, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, taskID := range taskIDs {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			if f := e.runWorkerTask(gctx, st, taskID); f != nil {
				return f
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var f *runFailure
		if errors.As(err, &f) {
			return f
		}
		if cf := e.ctxFailure(ctx, st); cf != nil {
			return cf
		}
		return failed(run.ReasonInternalError, err)
	}
	if f := e.wallClock(st); f != nil {
		return f
	}
	return nil
}

// runWorkerTask executes one task with per-attempt retries. Exhausting
// retries marks the task failed and returns nil so CHECK can decide; only
// fatal conditions (budget, transport, cancel) abort the run.
func (e *Engine) runWorkerTask(ctx context.Context, st *runState, taskID string) *runFailure {
	ctx, span := otel.StartWorkerSpan(ctx, st.runID, taskID)
	defer span.End()

	if e.metrics != nil {
		e.metrics.WorkerDispatched(ctx)
	}
	description := st.planned[taskID]
	required := st.pb.RequiredEvidenceTypes()
	maxRetries := st.pkg.RunPolicy.Retries.MaxWorkerTaskRetries

	hint := ""
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if f := e.ctxFailure(ctx, st); f != nil {
			return f
		}
		if err := e.repo.StartTask(ctx, st.runID, taskID, attempt); err != nil {
			return failed(run.ReasonInternalError, err)
		}

		prompt := st.pb.WorkerPrompt(taskID, description, required, hint)
		text, f := e.sendPrompt(ctx, st, prompt, st.pkg.RunPolicy.Timeouts.WorkerTaskMs, run.ReasonWorkerFatal)
		if f != nil {
			return f
		}

		attemptErr := e.completeAttempt(ctx, st, taskID, attempt, text, required)
		if attemptErr == nil {
			return nil
		}
		hint = attemptErr.Error()
		if err := e.repo.FailTask(ctx, st.runID, taskID, attempt, attemptErr); err != nil {
			return failed(run.ReasonInternalError, err)
		}
		e.log.Debug("worker attempt failed", "run_id", st.runID, "task_id", taskID, "attempt", attempt, "error", attemptErr)
	}
	return nil
}

// completeAttempt parses one worker response and, when acceptable, records
// its evidence and result. A non-nil return is a retryable attempt failure.
func (e *Engine) completeAttempt(ctx context.Context, st *runState, taskID string, attempt int, text string, required []string) error {
	out, err := parseWorkerOutput(text, st.strict())
	if err != nil {
		return err
	}
	if out.Error != "" {
		return fmt.Errorf("worker reported: %s", out.Error)
	}

	produced := map[string]bool{}
	for _, ev := range out.Evidence {
		if !run.ValidEvidenceType(run.EvidenceType(ev.Type)) {
			return fmt.Errorf("unknown evidence type %q", ev.Type)
		}
		produced[ev.Type] = true
	}
	missing := map[string]bool{}
	for _, t := range required {
		if !produced[t] {
			missing[t] = true
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("result lacks required evidence types %v", sortedIDs(missing))
	}

	items := make([]run.Evidence, 0, len(out.Evidence))
	for _, ev := range out.Evidence {
		items = append(items, run.Evidence{
			Type:    run.EvidenceType(ev.Type),
			Payload: ev.Payload,
		})
	}
	if err := e.repo.CompleteTask(ctx, st.runID, taskID, attempt, out.ResultJSON, items); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}
