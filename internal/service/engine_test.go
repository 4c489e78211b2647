package service

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/adapter/agentmock"
	"github.com/Strob0t/Conductor/internal/domain/run"
)

func TestEngineHappyPath(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{})
	eng := newTestEngine(t, repo, mock)

	p := defaultPolicy()
	p.Iterations = 1
	p.MaxWorkers = 1
	rn := submitRun(t, repo, p)

	eng.Schedule(rn.ID)
	final := waitTerminal(t, repo, rn.ID)

	if final.Status != run.StatusSucceeded {
		t.Fatalf("status = %s (reason %q), want succeeded", final.Status, final.Reason)
	}
	if mock.SessionsOpened() != 1 {
		t.Fatalf("sessions opened = %d, want 1", mock.SessionsOpened())
	}

	snap, err := repo.Snapshot(context.Background(), rn.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Counters.WorkersSpawned != 1 {
		t.Fatalf("workersSpawned = %d, want 1", snap.Counters.WorkersSpawned)
	}
	if snap.Counters.WorkerFailures != 0 {
		t.Fatalf("workerFailures = %d, want 0", snap.Counters.WorkerFailures)
	}
	if snap.Counters.OrchestratorIterations != 1 {
		t.Fatalf("iterations = %d, want 1", snap.Counters.OrchestratorIterations)
	}

	assertSequence(t, eventTypes(t, repo, rn.ID), []string{
		"run.created",
		"run.started",
		"orchestrator.plan.completed",
		"orchestrator.act.completed",
		"worker.task.created",
		"worker.task.completed",
		"evidence.recorded",
		"orchestrator.check.completed",
		"orchestrator.report.completed",
		"artifact.recorded",
		"run.succeeded",
	})
}

func TestEngineMalformedPlanRecovers(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{MalformedPlans: 1})
	eng := newTestEngine(t, repo, mock)

	rn := submitRun(t, repo, defaultPolicy())
	eng.Schedule(rn.ID)
	final := waitTerminal(t, repo, rn.ID)

	if final.Status != run.StatusSucceeded {
		t.Fatalf("status = %s (reason %q), want succeeded", final.Status, final.Reason)
	}
}

func TestEngineMalformedPlanExhaustsRetries(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{MalformedPlans: 10})
	eng := newTestEngine(t, repo, mock)

	p := defaultPolicy()
	p.MalformedRetries = 1
	rn := submitRun(t, repo, p)

	eng.Schedule(rn.ID)
	final := waitTerminal(t, repo, rn.ID)

	if final.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Reason != run.ReasonMalformedOutput {
		t.Fatalf("reason = %q, want %q", final.Reason, run.ReasonMalformedOutput)
	}
}

func TestEngineFixLoop(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{FailChecks: 1})
	eng := newTestEngine(t, repo, mock)

	rn := submitRun(t, repo, defaultPolicy())
	eng.Schedule(rn.ID)
	final := waitTerminal(t, repo, rn.ID)

	if final.Status != run.StatusSucceeded {
		t.Fatalf("status = %s (reason %q), want succeeded", final.Status, final.Reason)
	}

	// The plan is made once; the failing check adds exactly one FIX round.
	assertSequence(t, eventTypes(t, repo, rn.ID), []string{
		"orchestrator.plan.completed",
		"orchestrator.act.completed",
		"orchestrator.check.completed",
		"orchestrator.fix.completed",
		"orchestrator.check.completed",
		"orchestrator.report.completed",
	})

	snap, err := repo.Snapshot(context.Background(), rn.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Counters.OrchestratorIterations != 2 {
		t.Fatalf("iterations = %d, want 2 (the fix round consumes one)", snap.Counters.OrchestratorIterations)
	}
}

func TestEngineMaxIterationsExceeded(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{FailChecks: 100})
	eng := newTestEngine(t, repo, mock)

	p := defaultPolicy()
	p.Iterations = 2
	rn := submitRun(t, repo, p)

	eng.Schedule(rn.ID)
	final := waitTerminal(t, repo, rn.ID)

	if final.Status != run.StatusFailed || final.Reason != run.ReasonMaxIterationsExceeded {
		t.Fatalf("got %s/%q, want failed/%s", final.Status, final.Reason, run.ReasonMaxIterationsExceeded)
	}

	snap, err := repo.Snapshot(context.Background(), rn.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Counters.OrchestratorIterations != 2 {
		t.Fatalf("iterations = %d, want 2", snap.Counters.OrchestratorIterations)
	}
}

func TestEngineWallClockTimeout(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{StageDelay: 300 * time.Millisecond})
	eng := newTestEngine(t, repo, mock)

	p := defaultPolicy()
	p.WallClockMs = 50
	rn := submitRun(t, repo, p)

	eng.Schedule(rn.ID)
	final := waitTerminal(t, repo, rn.ID)

	if final.Status != run.StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", final.Status)
	}
	if final.Reason != run.ReasonWallClockExceeded {
		t.Fatalf("reason = %q, want %q", final.Reason, run.ReasonWallClockExceeded)
	}
}

func TestEngineBudgetExceeded(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{TokensPerPrompt: 120})
	eng := newTestEngine(t, repo, mock)

	p := defaultPolicy()
	p.MaxTokens = 100
	rn := submitRun(t, repo, p)

	eng.Schedule(rn.ID)
	final := waitTerminal(t, repo, rn.ID)

	if final.Status != run.StatusFailed || final.Reason != run.ReasonBudgetExceeded {
		t.Fatalf("got %s/%q, want failed/%s", final.Status, final.Reason, run.ReasonBudgetExceeded)
	}

	// No worker task activity may follow a budget failure.
	types := eventTypes(t, repo, rn.ID)
	if types[len(types)-1] != "run.failed" {
		t.Fatalf("last event = %s, want run.failed", types[len(types)-1])
	}
	for _, ty := range types {
		if ty == "worker.task.created" || ty == "worker.task.started" {
			t.Fatalf("worker dispatched despite budget: %v", types)
		}
	}
}

func TestEngineCancelWhileRunning(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{StageDelay: 200 * time.Millisecond})
	eng := newTestEngine(t, repo, mock)

	rn := submitRun(t, repo, defaultPolicy())
	eng.Schedule(rn.ID)

	// Wait for the run to actually start.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := repo.Run(context.Background(), rn.ID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if cur.Status == run.StatusRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := repo.Cancel(context.Background(), rn.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	eng.Interrupt(rn.ID)

	final := waitTerminal(t, repo, rn.ID)
	if final.Status != run.StatusCanceled {
		t.Fatalf("status = %s, want canceled", final.Status)
	}
	if final.Reason != run.ReasonCanceledByUser {
		t.Fatalf("reason = %q, want %q", final.Reason, run.ReasonCanceledByUser)
	}
	if final.SessionID != "" && !mock.Canceled(final.SessionID) {
		t.Fatal("backend session not canceled")
	}
}

func TestEngineCancelBeforeStart(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{})
	eng := newTestEngine(t, repo, mock)

	rn := submitRun(t, repo, defaultPolicy())
	if _, err := repo.Cancel(context.Background(), rn.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	eng.Schedule(rn.ID)
	if err := eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	final, err := repo.Run(context.Background(), rn.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != run.StatusCanceled {
		t.Fatalf("status = %s, want canceled", final.Status)
	}
	if mock.SessionsOpened() != 0 {
		t.Fatalf("sessions opened = %d, want 0", mock.SessionsOpened())
	}
}

func TestEngineWorkerConcurrencyBound(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{
		PlanTasks:  4,
		StageDelay: 50 * time.Millisecond,
	})
	eng := newTestEngine(t, repo, mock)

	p := defaultPolicy()
	p.MaxWorkers = 2
	rn := submitRun(t, repo, p)

	eng.Schedule(rn.ID)
	final := waitTerminal(t, repo, rn.ID)

	if final.Status != run.StatusSucceeded {
		t.Fatalf("status = %s (reason %q), want succeeded", final.Status, final.Reason)
	}

	snap, err := repo.Snapshot(context.Background(), rn.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Counters.WorkersSpawned != 4 {
		t.Fatalf("workersSpawned = %d, want 4", snap.Counters.WorkersSpawned)
	}

	peak := mock.WorkersPeak()
	if peak > 2 {
		t.Fatalf("worker prompts in flight peaked at %d, limit 2", peak)
	}
	if peak < 2 {
		t.Fatalf("worker prompts never overlapped (peak %d), dispatch is serialized", peak)
	}
}

func TestEngineUsageTotalsAcrossConcurrentWorkers(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{
		PlanTasks:       6,
		TokensPerPrompt: 120,
		CostPerPrompt:   0.0012,
	})
	eng := newTestEngine(t, repo, mock)

	p := defaultPolicy()
	p.MaxWorkers = 3
	rn := submitRun(t, repo, p)

	eng.Schedule(rn.ID)
	final := waitTerminal(t, repo, rn.ID)

	if final.Status != run.StatusSucceeded {
		t.Fatalf("status = %s (reason %q), want succeeded", final.Status, final.Reason)
	}

	// PLAN, ACT, CHECK, REPORT plus one prompt per worker.
	const prompts = 4 + 6
	if final.BudgetTokensUsed != prompts*120 {
		t.Fatalf("tokens used = %d, want %d", final.BudgetTokensUsed, prompts*120)
	}
	wantCost := prompts * 0.0012
	if diff := final.BudgetCostUsed - wantCost; diff < -1e-9 || diff > 1e-9 {
		t.Fatalf("cost used = %g, want %g", final.BudgetCostUsed, wantCost)
	}
}

func TestEngineEvidenceMissing(t *testing.T) {
	repo := newTestRepo(t)
	mock := agentmock.New(agentmock.Options{FailWorkerTasks: []string{"T1"}})
	eng := newTestEngine(t, repo, mock)

	p := defaultPolicy()
	p.WorkerRetries = 1
	rn := submitRun(t, repo, p)

	eng.Schedule(rn.ID)
	final := waitTerminal(t, repo, rn.ID)

	// The only task never produces evidence; the check may pass but the
	// evidence gate must refuse success.
	if final.Status != run.StatusFailed || final.Reason != run.ReasonEvidenceMissing {
		t.Fatalf("got %s/%q, want failed/%s", final.Status, final.Reason, run.ReasonEvidenceMissing)
	}

	snap, err := repo.Snapshot(context.Background(), rn.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Counters.WorkerFailures == 0 {
		t.Fatal("expected recorded worker failures")
	}
}
