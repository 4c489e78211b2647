package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Conductor/internal/adapter/agentmock"
	"github.com/Strob0t/Conductor/internal/adapter/memory"
	"github.com/Strob0t/Conductor/internal/adapter/sse"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain/run"
	"github.com/Strob0t/Conductor/internal/service"
)

type harness struct {
	server  *httptest.Server
	repo    *service.Repository
	engine  *service.Engine
	mock    *agentmock.Adapter
	handler *Handlers
}

func newHarness(t *testing.T, opts agentmock.Options, allowMock bool) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := sse.NewHub(sse.DefaultBufferSize)
	repo := service.NewRepository(memory.NewStore(), hub, nil, log)
	mock := agentmock.New(opts)
	preview := service.NewPreviewSupervisor(repo, config.Defaults().Preview, log)
	engine := service.NewEngine(repo, mock, preview, nil,
		config.Engine{MaxConcurrentRuns: 4, CancelGrace: time.Second}, log)

	h := NewHandlers(repo, engine, preview, hub, mock, nil, allowMock, log)
	r := chi.NewRouter()
	MountRoutes(r, h, nil)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return &harness{server: srv, repo: repo, engine: engine, mock: mock, handler: h}
}

func validPackage() string {
	return `{
		"packageVersion": "0.1.0",
		"metadata": {"packageId": "pkg-h", "createdAt": "2026-01-01T00:00:00Z", "createdBy": "tester"},
		"objective": {
			"title": "Exercise the API",
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
			"limits": {"maxOrchestratorIterations": 2, "maxWorkerIterations": 3, "maxRunWallClockMs": 60000},
			"retries": {"maxWorkerTaskRetries": 1, "maxMalformedOutputRetries": 1},
			"concurrency": {"maxWorkers": 2},
			"timeouts": {"workerTaskMs": 10000, "orchestratorStepMs": 10000},
			"budget": {"maxTokens": 100000, "maxCostUsd": 5},
			"determinism": {"enforceStageOrder": true, "requireStrictJson": true, "singleSessionPerRun": true}
		}
	}`
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func submitRun(t *testing.T, h *harness) string {
	t.Helper()
	resp := postJSON(t, h.server.URL+"/runs", validPackage())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var rn run.Run
	decodeBody(t, resp, &rn)
	return rn.ID
}

func waitTerminal(t *testing.T, h *harness, runID string) *run.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rn, err := h.repo.Run(context.Background(), runID)
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

func TestHealthReportsAdapter(t *testing.T) {
	h := newHarness(t, agentmock.Options{}, true)

	resp, err := http.Get(h.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["ok"] != true {
		t.Fatalf("ok = %v", body["ok"])
	}
	if body["adapter"] != "mock" {
		t.Fatalf("adapter = %v", body["adapter"])
	}
	if body["allowMockRuns"] != true {
		t.Fatalf("allowMockRuns = %v", body["allowMockRuns"])
	}
}

func TestSubmitRunInvalidPackage(t *testing.T) {
	h := newHarness(t, agentmock.Options{}, true)

	resp := postJSON(t, h.server.URL+"/runs", `{"packageVersion":"0.1.0"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var env errorEnvelope
	decodeBody(t, resp, &env)
	if env.Error.Code != "invalid_package" {
		t.Fatalf("code = %q", env.Error.Code)
	}
	details, err := json.Marshal(env.Error.Details)
	if err != nil {
		t.Fatalf("marshal details: %v", err)
	}
	if !strings.Contains(string(details), "/objective") {
		t.Fatalf("details missing /objective path: %s", details)
	}
}

func TestSubmitRunMockGuard(t *testing.T) {
	h := newHarness(t, agentmock.Options{}, false)

	resp := postJSON(t, h.server.URL+"/runs", validPackage())
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var env errorEnvelope
	decodeBody(t, resp, &env)
	if env.Error.Code != "mock_adapter_disabled" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestSubmitThenGetRun(t *testing.T) {
	h := newHarness(t, agentmock.Options{}, true)
	runID := submitRun(t, h)
	waitTerminal(t, h, runID)

	resp, err := http.Get(h.server.URL + "/runs/" + runID)
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	var snap service.Snapshot
	decodeBody(t, resp, &snap)
	if snap.Run.Status != run.StatusSucceeded {
		t.Fatalf("status = %s", snap.Run.Status)
	}
	if snap.Counters.WorkersSpawned == 0 {
		t.Fatal("no workers recorded in snapshot counters")
	}
	if len(snap.Tasks) == 0 || len(snap.Evidence) == 0 || len(snap.Artifacts) == 0 {
		t.Fatalf("snapshot incomplete: tasks=%d evidence=%d artifacts=%d",
			len(snap.Tasks), len(snap.Evidence), len(snap.Artifacts))
	}
	if snap.LatestEventID == 0 {
		t.Fatal("latestEventId missing")
	}
}

func TestGetRunNotFound(t *testing.T) {
	h := newHarness(t, agentmock.Options{}, true)

	resp, err := http.Get(h.server.URL + "/runs/nope")
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var env errorEnvelope
	decodeBody(t, resp, &env)
	if env.Error.Code != "not_found" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	h := newHarness(t, agentmock.Options{}, true)
	runID := submitRun(t, h)
	waitTerminal(t, h, runID)

	resp, err := http.Get(h.server.URL + "/runs?status=succeeded")
	if err != nil {
		t.Fatalf("GET runs: %v", err)
	}
	var body struct {
		Runs []run.Run `json:"runs"`
	}
	decodeBody(t, resp, &body)
	if len(body.Runs) != 1 || body.Runs[0].ID != runID {
		t.Fatalf("runs = %+v", body.Runs)
	}

	resp, err = http.Get(h.server.URL + "/runs?status=failed")
	if err != nil {
		t.Fatalf("GET runs: %v", err)
	}
	decodeBody(t, resp, &body)
	if len(body.Runs) != 0 {
		t.Fatalf("failed filter returned %d runs", len(body.Runs))
	}
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	h := newHarness(t, agentmock.Options{}, true)
	runID := submitRun(t, h)
	waitTerminal(t, h, runID)

	resp := postJSON(t, h.server.URL+"/runs/"+runID+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var env errorEnvelope
	decodeBody(t, resp, &env)
	if env.Error.Code != "already_terminal" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestCancelRunAccepted(t *testing.T) {
	h := newHarness(t, agentmock.Options{StageDelay: 200 * time.Millisecond}, true)
	runID := submitRun(t, h)

	resp := postJSON(t, h.server.URL+"/runs/"+runID+"/cancel", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	rn := waitTerminal(t, h, runID)
	if rn.Status != run.StatusCanceled {
		t.Fatalf("status = %s", rn.Status)
	}
	if rn.Reason != run.ReasonCanceledByUser {
		t.Fatalf("reason = %q", rn.Reason)
	}
}

// sseFrame is one parsed id/event/data frame.
type sseFrame struct {
	ID    int64
	Event string
	Data  string
}

func readFrames(t *testing.T, r *bufio.Reader, n int, timeout time.Duration) []sseFrame {
	t.Helper()
	frames := make([]sseFrame, 0, n)
	done := make(chan struct{})
	var readErr error
	go func() {
		defer close(done)
		var cur sseFrame
		for len(frames) < n {
			line, err := r.ReadString('\n')
			if err != nil {
				readErr = err
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "id: "):
				fmt.Sscanf(line, "id: %d", &cur.ID)
			case strings.HasPrefix(line, "event: "):
				cur.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.Data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if cur.Event != "" {
					frames = append(frames, cur)
					cur = sseFrame{}
				}
			}
		}
	}()
	select {
	case <-done:
		if readErr != nil && len(frames) < n {
			t.Fatalf("read frames: %v (got %d of %d)", readErr, len(frames), n)
		}
	case <-time.After(timeout):
		t.Fatalf("timed out reading frames: got %d of %d", len(frames), n)
	}
	return frames
}

func TestEventStreamReplaysHistory(t *testing.T) {
	h := newHarness(t, agentmock.Options{}, true)
	runID := submitRun(t, h)
	waitTerminal(t, h, runID)

	resp, err := http.Get(h.server.URL + "/runs/" + runID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	frames := readFrames(t, bufio.NewReader(resp.Body), 3, 5*time.Second)
	if frames[0].Event != "run.created" {
		t.Fatalf("first event = %q", frames[0].Event)
	}
	if frames[0].ID != 1 {
		t.Fatalf("first event id = %d", frames[0].ID)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].ID <= frames[i-1].ID {
			t.Fatalf("non-monotonic ids: %d then %d", frames[i-1].ID, frames[i].ID)
		}
	}
	var payload struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal([]byte(frames[0].Data), &payload); err != nil {
		t.Fatalf("decode frame data: %v", err)
	}
	if payload.RunID != runID {
		t.Fatalf("frame runId = %q", payload.RunID)
	}
}

func TestEventStreamResumesAfterLastEventID(t *testing.T) {
	h := newHarness(t, agentmock.Options{}, true)
	runID := submitRun(t, h)
	waitTerminal(t, h, runID)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/runs/"+runID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	frames := readFrames(t, bufio.NewReader(resp.Body), 1, 5*time.Second)
	if frames[0].ID != 3 {
		t.Fatalf("resumed at id %d, want 3", frames[0].ID)
	}
}

func TestEventStreamKeepaliveThroughHub(t *testing.T) {
	h := newHarness(t, agentmock.Options{StageDelay: 400 * time.Millisecond}, true)
	h.handler.pingInterval = 20 * time.Millisecond
	runID := submitRun(t, h)

	resp, err := http.Get(h.server.URL + "/runs/" + runID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The ticker publishes through the hub, which feeds the comment
	// keepalive back to this subscriber.
	r := bufio.NewReader(resp.Body)
	found := make(chan struct{})
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimRight(line, "\n") == ": ping" {
				close(found)
				return
			}
		}
	}()
	select {
	case <-found:
	case <-time.After(3 * time.Second):
		t.Fatal("no keepalive comment observed on the stream")
	}
}

func TestEventStreamUnknownRun(t *testing.T) {
	h := newHarness(t, agentmock.Options{}, true)

	resp, err := http.Get(h.server.URL + "/runs/nope/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPreviewEndpoints(t *testing.T) {
	h := newHarness(t, agentmock.Options{}, true)
	runID := submitRun(t, h)
	waitTerminal(t, h, runID)

	// The package carries no preview block.
	resp := postJSON(t, h.server.URL+"/runs/"+runID+"/preview/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var env errorEnvelope
	decodeBody(t, resp, &env)
	if env.Error.Code != "preview_disabled" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	resp, err := http.Get(h.server.URL + "/runs/" + runID + "/preview")
	if err != nil {
		t.Fatalf("GET preview: %v", err)
	}
	var status service.PreviewStatus
	decodeBody(t, resp, &status)
	if status.State != service.PreviewStopped {
		t.Fatalf("state = %q", status.State)
	}
	if status.ProxiedPath != "/runs/"+runID+"/preview/" {
		t.Fatalf("proxiedPath = %q", status.ProxiedPath)
	}

	// Stopping a never-started preview is a no-op.
	resp = postJSON(t, h.server.URL+"/runs/"+runID+"/preview/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Proxying with no child gives the not-running error.
	resp, err = http.Get(h.server.URL + "/runs/" + runID + "/preview/index.html")
	if err != nil {
		t.Fatalf("GET proxy: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("proxy status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &env)
	if env.Error.Code != "preview_not_running" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	// Non-GET verbs are rejected at the proxy.
	resp = postJSON(t, h.server.URL+"/runs/"+runID+"/preview/index.html", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("proxy POST status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}
