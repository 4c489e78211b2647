package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/event"
	"github.com/Strob0t/Conductor/internal/domain/pack"
	"github.com/Strob0t/Conductor/internal/domain/run"
	"github.com/Strob0t/Conductor/internal/port/agent"
	"github.com/Strob0t/Conductor/internal/resilience"
)

// Engine drives queued runs to a terminal status. One engine task executes
// per active run; a process-wide semaphore bounds how many run at once.
type Engine struct {
	repo    *Repository
	adapter agent.Adapter
	preview *PreviewSupervisor
	metrics *otel.Metrics
	cfg     config.Engine
	log     *slog.Logger

	pool *semaphore.Weighted
	wg   sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewEngine creates the run engine. preview and metrics may be nil.
func NewEngine(repo *Repository, adapter agent.Adapter, preview *PreviewSupervisor, metrics *otel.Metrics, cfg config.Engine, log *slog.Logger) *Engine {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	return &Engine{
		repo:    repo,
		adapter: adapter,
		preview: preview,
		metrics: metrics,
		cfg:     cfg,
		log:     log,
		pool:    semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Schedule enqueues a queued run for execution. It returns immediately; the
// run executes on its own goroutine once a pool slot frees up.
func (e *Engine) Schedule(runID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.pool.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer e.pool.Release(1)
		e.execute(runID)
	}()
}

// Interrupt cancels the in-flight engine task for the run, if any. The
// cancelRequested flag must already be set; the engine maps the resulting
// context error back to a canceled status.
func (e *Engine) Interrupt(runID string) {
	e.mu.Lock()
	cancel := e.cancels[runID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ActiveRuns reports how many engine tasks currently hold a cancel handle.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cancels)
}

// Shutdown waits for in-flight runs to finish or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runFailure is a terminal outcome other than success.
type runFailure struct {
	status run.Status
	reason string
	err    error
}

func (f *runFailure) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s (%s): %v", f.status, f.reason, f.err)
	}
	return fmt.Sprintf("%s (%s)", f.status, f.reason)
}

func failed(reason string, err error) *runFailure {
	return &runFailure{status: run.StatusFailed, reason: reason, err: err}
}

// runState is the in-memory context of one executing run. It is discarded
// on terminal transition; the store is the source of truth throughout.
type runState struct {
	runID        string
	pkg          *pack.Package
	pb           *promptBuilder
	sessionID    string
	wallDeadline time.Time

	planned   map[string]string // taskID -> description
	planOrder []string
	recorded  map[string]bool // task rows already persisted

	// budMu guards the budget totals: worker goroutines report usage
	// concurrently while budgetCheck reads.
	budMu     sync.Mutex
	budTokens int64
	budCost   float64
}

func (st *runState) strict() bool {
	return st.pkg.RunPolicy.Determinism.RequireStrictJSON
}

// recordUsage stores the authoritative store totals, never regressing
// past a newer concurrent report.
func (st *runState) recordUsage(tokens int64, cost float64) {
	st.budMu.Lock()
	if tokens > st.budTokens {
		st.budTokens = tokens
	}
	if cost > st.budCost {
		st.budCost = cost
	}
	st.budMu.Unlock()
}

func (st *runState) usage() (int64, float64) {
	st.budMu.Lock()
	defer st.budMu.Unlock()
	return st.budTokens, st.budCost
}

// execute takes one run from queued to a terminal status.
func (e *Engine) execute(runID string) {
	ctx := context.Background()
	log := e.log.With("run_id", runID)

	rn, err := e.repo.Run(ctx, runID)
	if err != nil {
		log.Error("load run", "error", err)
		return
	}
	if rn.Status != run.StatusQueued {
		return
	}
	if rn.CancelRequested {
		if _, err := e.repo.Transition(ctx, runID, run.StatusCanceled, run.ReasonCanceledByUser); err != nil {
			log.Warn("cancel queued run", "error", err)
		}
		return
	}

	if _, err := e.repo.Transition(ctx, runID, run.StatusRunning, ""); err != nil {
		// Lost the race with a cancel request.
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrTerminal) {
			return
		}
		log.Error("start run", "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.RunStarted(ctx)
	}
	started := time.Now()

	st := &runState{
		runID:    runID,
		pkg:      &rn.Package,
		pb:       newPromptBuilder(&rn.Package),
		planned:  make(map[string]string),
		recorded: make(map[string]bool),
	}

	spanCtx, span := otel.StartRunSpan(ctx, runID, st.pkg.Metadata.PackageID)
	defer span.End()

	runCtx, cancel := context.WithCancel(spanCtx)
	if ms := st.pkg.RunPolicy.Limits.MaxRunWallClockMs; ms > 0 {
		st.wallDeadline = started.Add(time.Duration(ms) * time.Millisecond)
		runCtx, cancel = context.WithDeadline(spanCtx, st.wallDeadline)
	}
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, runID)
		e.mu.Unlock()
		cancel()
	}()

	fail := e.drive(runCtx, st)
	e.teardown(st)

	status := run.StatusSucceeded
	reason := ""
	if fail != nil {
		status, reason = fail.status, fail.reason
		if fail.err != nil {
			log.Warn("run did not succeed", "status", status, "reason", reason, "error", fail.err)
		}
	}
	if _, err := e.repo.Transition(ctx, runID, status, reason); err != nil {
		log.Error("finalize run", "status", status, "error", err)
	}
	if e.metrics != nil {
		tokens, cost := st.usage()
		e.metrics.RunFinished(ctx, string(status), reason, time.Since(started), tokens, cost)
	}
}

// teardown releases per-run resources after the engine loop exits: the
// backend session and, when configured, the preview child.
func (e *Engine) teardown(st *runState) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CancelGrace)
	defer cancel()

	if st.sessionID != "" {
		if err := e.adapter.CancelSession(ctx, st.sessionID); err != nil {
			e.log.Warn("cancel session", "run_id", st.runID, "error", err)
		}
	}
	if e.preview != nil && st.pkg.Preview != nil && st.pkg.Preview.AutoStopOnTerminal {
		if err := e.preview.Stop(ctx, st.runID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			e.log.Warn("stop preview", "run_id", st.runID, "error", err)
		}
	}
}

// drive runs the orchestration loop. A nil return means the run succeeded.
func (e *Engine) drive(ctx context.Context, st *runState) (fail *runFailure) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine panic", "run_id", st.runID, "panic", r)
			fail = failed(run.ReasonInternalError, fmt.Errorf("panic: %v", r))
		}
	}()

	sessionID, err := e.adapter.CreateSession(ctx, agent.SessionConfig{
		RunID: st.runID,
		Model: st.pkg.Agents.Orchestrator.Model,
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return failed(run.ReasonAdapterUnavailable, err)
		}
		return failed(run.ReasonSessionCreateFailed, err)
	}
	st.sessionID = sessionID
	if err := e.repo.BindSession(ctx, st.runID, sessionID); err != nil {
		return failed(run.ReasonInternalError, err)
	}

	limits := st.pkg.RunPolicy.Limits
	iteration := 0
	nextIteration := func() *runFailure {
		iteration++
		if iteration > limits.MaxOrchestratorIterations {
			return failed(run.ReasonMaxIterationsExceeded,
				fmt.Errorf("iteration %d exceeds limit %d", iteration, limits.MaxOrchestratorIterations))
		}
		if f := e.checkpoint(ctx, st); f != nil {
			return f
		}
		if err := e.repo.BeginIteration(ctx, st.runID); err != nil {
			return failed(run.ReasonInternalError, err)
		}
		return nil
	}

	if f := nextIteration(); f != nil {
		return f
	}
	if f := e.plan(ctx, st); f != nil {
		return f
	}
	dispatch, f := e.dispatchStage(ctx, st, StageAct, "")
	if f != nil {
		return f
	}
	if f := e.runWorkers(ctx, st, dispatch); f != nil {
		return f
	}
	check, f := e.check(ctx, st)
	if f != nil {
		return f
	}

	// The plan is made once. Every failing check starts a FIX round that
	// consumes one orchestrator iteration, so a successful run's stages
	// follow plan, act, check, (fix, check)*, report.
	for !check.Passed() {
		if f := nextIteration(); f != nil {
			return f
		}
		extra := "Failed criteria: " + joinOr(check.FailedCriteria, "(none reported)")
		fixDispatch, f := e.dispatchStage(ctx, st, StageFix, extra)
		if f != nil {
			return f
		}
		if len(fixDispatch) > 0 {
			if f := e.runWorkers(ctx, st, fixDispatch); f != nil {
				return f
			}
		}
		check, f = e.check(ctx, st)
		if f != nil {
			return f
		}
	}

	if f := e.evidenceGate(ctx, st); f != nil {
		return f
	}
	return e.report(ctx, st)
}

// plan runs the PLAN stage and records newly declared tasks.
func (e *Engine) plan(ctx context.Context, st *runState) *runFailure {
	var out *planOutput
	f := e.runStage(ctx, st, StagePlan, "", func(text string) (any, error) {
		parsed, err := parsePlan(text, st.strict())
		if err != nil {
			return nil, err
		}
		out = parsed
		return parsed, nil
	})
	if f != nil {
		return f
	}

	for _, t := range out.Tasks {
		if _, known := st.planned[t.TaskID]; known {
			continue
		}
		st.planned[t.TaskID] = t.Description
		st.planOrder = append(st.planOrder, t.TaskID)
	}
	return nil
}

// dispatchStage runs ACT or FIX and returns the validated task IDs to
// dispatch. IDs outside the plan are a malformed-output error; exhausting
// retries on them fails the run with invalid_task_id.
func (e *Engine) dispatchStage(ctx context.Context, st *runState, stage, extra string) ([]string, *runFailure) {
	var ids []string
	invalidID := false
	f := e.runStage(ctx, st, stage, extra, func(text string) (any, error) {
		parsed, err := parseDispatch(text, st.strict())
		if err != nil {
			invalidID = false
			return nil, err
		}
		unknown := map[string]bool{}
		for _, id := range parsed.TaskIDs() {
			if _, ok := st.planned[id]; !ok {
				unknown[id] = true
			}
		}
		if len(unknown) > 0 {
			invalidID = true
			return nil, fmt.Errorf("dispatch names unplanned task IDs %v", sortedIDs(unknown))
		}
		invalidID = false
		ids = parsed.TaskIDs()
		return parsed, nil
	})
	if f != nil {
		if invalidID && f.reason == run.ReasonMalformedOutput {
			f.reason = run.ReasonInvalidTaskID
		}
		return nil, f
	}
	return ids, nil
}

// check runs the CHECK stage.
func (e *Engine) check(ctx context.Context, st *runState) (*checkOutput, *runFailure) {
	var out *checkOutput
	f := e.runStage(ctx, st, StageCheck, "", func(text string) (any, error) {
		parsed, err := parseCheck(text, st.strict())
		if err != nil {
			return nil, err
		}
		out = parsed
		return parsed, nil
	})
	if f != nil {
		return nil, f
	}
	return out, nil
}

// report runs the REPORT stage and records its artifacts. Reaching REPORT
// means the run succeeds unless recording fails.
func (e *Engine) report(ctx context.Context, st *runState) *runFailure {
	var out *reportOutput
	f := e.runStage(ctx, st, StageReport, "", func(text string) (any, error) {
		parsed, err := parseReport(text, st.strict())
		if err != nil {
			return nil, err
		}
		out = parsed
		return parsed, nil
	})
	if f != nil {
		return f
	}
	for _, a := range out.Artifacts {
		if _, err := e.repo.RecordArtifact(ctx, st.runID, a.Kind, a.URI, a.Checksum); err != nil {
			return failed(run.ReasonInternalError, err)
		}
	}
	return nil
}

// evidenceGate verifies that every evidence type required by any done
// criterion has at least one recorded item across the run.
func (e *Engine) evidenceGate(ctx context.Context, st *runState) *runFailure {
	required := st.pb.RequiredEvidenceTypes()
	if len(required) == 0 {
		return nil
	}
	items, err := e.repo.Evidence(ctx, st.runID)
	if err != nil {
		return failed(run.ReasonInternalError, err)
	}
	have := map[string]bool{}
	for _, it := range items {
		have[string(it.Type)] = true
	}
	missing := map[string]bool{}
	for _, t := range required {
		if !have[t] {
			missing[t] = true
		}
	}
	if len(missing) > 0 {
		return failed(run.ReasonEvidenceMissing,
			fmt.Errorf("no evidence of types %v", sortedIDs(missing)))
	}
	return nil
}

// runStage prompts the orchestrator for one stage under the step timeout,
// retrying malformed output up to the policy limit. parse returns the
// decoded output recorded on the completed event.
func (e *Engine) runStage(ctx context.Context, st *runState, stage, extra string, parse func(string) (any, error)) *runFailure {
	ctx, span := otel.StartStageSpan(ctx, st.runID, stage)
	defer span.End()

	startType, completeType := stageEvents(stage)
	if _, err := e.repo.Emit(ctx, st.runID, startType, nil); err != nil {
		return failed(run.ReasonInternalError, err)
	}

	maxRetries := st.pkg.RunPolicy.Retries.MaxMalformedOutputRetries
	hint := ""
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if f := e.checkpoint(ctx, st); f != nil {
			return f
		}

		prompt := st.pb.StagePrompt(stage, st.planOrder, extra)
		if hint != "" {
			prompt = agent.MarkerRetryHint + " " + hint + "\n" + prompt
		}
		text, f := e.sendPrompt(ctx, st, prompt, st.pkg.RunPolicy.Timeouts.OrchestratorStepMs, run.ReasonAdapterUnavailable)
		if f != nil {
			return f
		}

		output, err := parse(text)
		if err != nil {
			lastErr = err
			hint = err.Error()
			e.log.Debug("stage output rejected", "run_id", st.runID, "stage", stage, "attempt", attempt, "error", err)
			continue
		}

		if _, err := e.repo.Emit(ctx, st.runID, completeType, map[string]any{"output": output}); err != nil {
			return failed(run.ReasonInternalError, err)
		}
		if f := e.wallClock(st); f != nil {
			return f
		}
		return nil
	}
	return failed(run.ReasonMalformedOutput,
		fmt.Errorf("stage %s after %d retries: %w", stage, maxRetries, lastErr))
}

// sendPrompt issues one prompt on the run's session, enforcing the budget
// before sending and accumulating usage after. A transport failure is
// retried once; the second failure fails the run with fatalReason.
func (e *Engine) sendPrompt(ctx context.Context, st *runState, prompt string, timeoutMs int64, fatalReason string) (string, *runFailure) {
	if f := e.budgetCheck(st); f != nil {
		return "", f
	}

	pctx := ctx
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		pctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	req := agent.PromptRequest{
		SessionID: st.sessionID,
		Prompt:    prompt,
		Model:     st.pkg.Agents.Orchestrator.Model,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		ch, err := e.adapter.SendPrompt(pctx, req)
		if err != nil {
			if f := e.ctxFailure(ctx, st); f != nil {
				return "", f
			}
			lastErr = err
			continue
		}
		text, u, err := drainChunks(pctx, ch)
		if u.Tokens > 0 || u.CostUSD > 0 {
			tok, cost, uerr := e.repo.AddUsage(context.Background(), st.runID, u.Tokens, u.CostUSD)
			if uerr == nil {
				st.recordUsage(tok, cost)
			}
		}
		if err != nil {
			if f := e.ctxFailure(ctx, st); f != nil {
				return "", f
			}
			lastErr = err
			continue
		}
		return text, nil
	}
	return "", &runFailure{status: run.StatusFailed, reason: fatalReason, err: lastErr}
}

// budgetCheck blocks new prompts once either budget counter reaches its cap.
func (e *Engine) budgetCheck(st *runState) *runFailure {
	b := st.pkg.RunPolicy.Budget
	tokens, cost := st.usage()
	if b.MaxTokens > 0 && tokens >= b.MaxTokens {
		return failed(run.ReasonBudgetExceeded,
			fmt.Errorf("tokens used %d of %d", tokens, b.MaxTokens))
	}
	if b.MaxCostUSD > 0 && cost >= b.MaxCostUSD {
		return failed(run.ReasonBudgetExceeded,
			fmt.Errorf("cost used %.4f of %.4f", cost, b.MaxCostUSD))
	}
	return nil
}

// checkpoint is evaluated between stages: run context liveness, the wall
// clock, and the cancellation flag.
func (e *Engine) checkpoint(ctx context.Context, st *runState) *runFailure {
	if f := e.ctxFailure(ctx, st); f != nil {
		return f
	}
	if f := e.wallClock(st); f != nil {
		return f
	}
	rn, err := e.repo.Run(ctx, st.runID)
	if err != nil {
		return failed(run.ReasonInternalError, err)
	}
	if rn.CancelRequested {
		return &runFailure{status: run.StatusCanceled, reason: run.ReasonCanceledByUser}
	}
	return nil
}

// ctxFailure maps a dead run context to its terminal outcome.
func (e *Engine) ctxFailure(ctx context.Context, st *runState) *runFailure {
	if ctx.Err() == nil {
		return nil
	}
	if f := e.wallClock(st); f != nil {
		return f
	}
	return &runFailure{status: run.StatusCanceled, reason: run.ReasonCanceledByUser, err: ctx.Err()}
}

// wallClock reports a timed_out failure once the run deadline has passed.
func (e *Engine) wallClock(st *runState) *runFailure {
	if st.wallDeadline.IsZero() || time.Now().Before(st.wallDeadline) {
		return nil
	}
	return &runFailure{status: run.StatusTimedOut, reason: run.ReasonWallClockExceeded}
}

// stageEvents maps a stage to its started/completed event types.
func stageEvents(stage string) (string, string) {
	switch stage {
	case StagePlan:
		return event.TypePlanStarted, event.TypePlanCompleted
	case StageAct:
		return event.TypeActStarted, event.TypeActCompleted
	case StageCheck:
		return event.TypeCheckStarted, event.TypeCheckCompleted
	case StageFix:
		return event.TypeFixStarted, event.TypeFixCompleted
	default:
		return event.TypeReportStarted, event.TypeReportCompleted
	}
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	b, _ := json.Marshal(items)
	return string(b)
}
