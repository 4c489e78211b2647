package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/adapter/agentmock"
	"github.com/Strob0t/Conductor/internal/adapter/memory"
	"github.com/Strob0t/Conductor/internal/adapter/sse"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain/run"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// policy knobs for test packages.
type testPolicy struct {
	Iterations       int
	WorkerRetries    int
	MalformedRetries int
	MaxWorkers       int
	WallClockMs      int64
	StepMs           int64
	TaskMs           int64
	MaxTokens        int64
	MaxCostUSD       float64
}

func defaultPolicy() testPolicy {
	return testPolicy{
		Iterations:       2,
		WorkerRetries:    1,
		MalformedRetries: 1,
		MaxWorkers:       2,
		WallClockMs:      60000,
		StepMs:           10000,
		TaskMs:           10000,
		MaxTokens:        100000,
		MaxCostUSD:       5,
	}
}

func packageJSON(p testPolicy) []byte {
	return fmt.Appendf(nil, `{
		"packageVersion": "0.1.0",
		"metadata": {"packageId": "pkg-t", "createdAt": "2026-01-01T00:00:00Z", "createdBy": "tester"},
		"objective": {
			"title": "Exercise the engine",
			"description": "test objective",
			"doneCriteria": [
				{"id": "C1", "description": "logs exist", "requiredEvidenceTypes": ["log_excerpt"]}
			]
		},
		"agents": {
			"orchestrator": {"name": "orch", "model": "openai/gpt-4o", "systemPromptRef": "orch-v1"},
			"worker": {"name": "work", "model": "openai/gpt-4o-mini", "systemPromptRef": "work-v1"}
		},
		"registries": {"skills": [], "variables": []},
		"runPolicy": {
			"limits": {"maxOrchestratorIterations": %d, "maxWorkerIterations": 3, "maxRunWallClockMs": %d},
			"retries": {"maxWorkerTaskRetries": %d, "maxMalformedOutputRetries": %d},
			"concurrency": {"maxWorkers": %d},
			"timeouts": {"workerTaskMs": %d, "orchestratorStepMs": %d},
			"budget": {"maxTokens": %d, "maxCostUsd": %g},
			"determinism": {"enforceStageOrder": true, "requireStrictJson": true, "singleSessionPerRun": true}
		}
	}`, p.Iterations, p.WallClockMs, p.WorkerRetries, p.MalformedRetries,
		p.MaxWorkers, p.TaskMs, p.StepMs, p.MaxTokens, p.MaxCostUSD)
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	return NewRepository(memory.NewStore(), sse.NewHub(sse.DefaultBufferSize), nil, testLogger())
}

func newTestEngine(t *testing.T, repo *Repository, mock *agentmock.Adapter) *Engine {
	t.Helper()
	cfg := config.Engine{MaxConcurrentRuns: 4, CancelGrace: time.Second}
	return NewEngine(repo, mock, nil, nil, cfg, testLogger())
}

func submitRun(t *testing.T, repo *Repository, p testPolicy) *run.Run {
	t.Helper()
	rn, fieldErrs, err := repo.SubmitRun(context.Background(), packageJSON(p))
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	if len(fieldErrs) > 0 {
		t.Fatalf("unexpected validation errors: %v", fieldErrs)
	}
	return rn
}

func waitTerminal(t *testing.T, repo *Repository, runID string) *run.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rn, err := repo.Run(context.Background(), runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if rn.Status.Terminal() {
			return rn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal status")
	return nil
}

func eventTypes(t *testing.T, repo *Repository, runID string) []string {
	t.Helper()
	evs, err := repo.Events(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// filterTypes keeps only the entries of got that appear in want's type set.
func filterTypes(got []string, want []string) []string {
	keep := map[string]bool{}
	for _, w := range want {
		keep[w] = true
	}
	var out []string
	for _, g := range got {
		if keep[g] {
			out = append(out, g)
		}
	}
	return out
}

func assertSequence(t *testing.T, got, want []string) {
	t.Helper()
	filtered := filterTypes(got, want)
	if len(filtered) != len(want) {
		t.Fatalf("event sequence mismatch:\n got %v\nwant %v\n(all: %v)", filtered, want, got)
	}
	for i := range want {
		if filtered[i] != want[i] {
			t.Fatalf("event %d = %s, want %s\n(all: %v)", i, filtered[i], want[i], got)
		}
	}
}
