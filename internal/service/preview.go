package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/event"
	"github.com/Strob0t/Conductor/internal/domain/pack"
)

// Preview states.
const (
	PreviewStopped  = "stopped"
	PreviewStarting = "starting"
	PreviewReady    = "ready"
	PreviewError    = "error"
)

// ErrMethodNotAllowed is returned by Proxy for non-GET/HEAD requests.
var ErrMethodNotAllowed = errors.New("method not allowed")

// PreviewStatus is the externally visible snapshot of a run's preview.
type PreviewStatus struct {
	RunID       string     `json:"runId"`
	State       string     `json:"state"`
	Port        int        `json:"port,omitempty"`
	ProxiedPath string     `json:"proxiedPath"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	StoppedAt   *time.Time `json:"stoppedAt,omitempty"`
	Logs        []string   `json:"logs,omitempty"`
}

// previewEntry is the supervisor's per-run child bookkeeping. Only the
// supervisor may touch the child handle.
type previewEntry struct {
	state     string
	port      int
	cmd       *exec.Cmd
	ring      *logRing
	errMsg    string
	startedAt time.Time
	stoppedAt *time.Time
	stopping  bool
	exited    chan struct{}
}

// PreviewSupervisor spawns and supervises one preview child process per
// run, probing readiness and proxying HTTP to it.
type PreviewSupervisor struct {
	repo *Repository
	cfg  config.Preview
	log  *slog.Logger

	mu      sync.Mutex
	entries map[string]*previewEntry

	probe *http.Client
	proxy *http.Client
}

// NewPreviewSupervisor creates the supervisor.
func NewPreviewSupervisor(repo *Repository, cfg config.Preview, log *slog.Logger) *PreviewSupervisor {
	return &PreviewSupervisor{
		repo:    repo,
		cfg:     cfg,
		log:     log,
		entries: make(map[string]*previewEntry),
		probe: &http.Client{
			Timeout: cfg.ProbeTimeout,
		},
		proxy: &http.Client{
			// Redirects pass through to the client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// proxiedPath is the stable external path for a run's preview.
func proxiedPath(runID string) string {
	return "/runs/" + runID + "/preview/"
}

// Get returns the preview status, synthesizing a stopped status when the
// run never started one.
func (s *PreviewSupervisor) Get(runID string) *PreviewStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[runID]
	if !ok {
		return &PreviewStatus{
			RunID:       runID,
			State:       PreviewStopped,
			ProxiedPath: proxiedPath(runID),
		}
	}
	return s.snapshotLocked(runID, e)
}

// snapshotLocked renders an entry. Callers hold s.mu.
func (s *PreviewSupervisor) snapshotLocked(runID string, e *previewEntry) *PreviewStatus {
	started := e.startedAt
	st := &PreviewStatus{
		RunID:       runID,
		State:       e.state,
		Port:        e.port,
		ProxiedPath: proxiedPath(runID),
		Error:       e.errMsg,
		StoppedAt:   e.stoppedAt,
		Logs:        e.ring.Lines(),
	}
	if !started.IsZero() {
		st.StartedAt = &started
	}
	return st
}

// Start spawns the preview child for the run. Idempotent: a preview that
// is already starting or ready returns its current status.
func (s *PreviewSupervisor) Start(ctx context.Context, runID string, cfg *pack.Preview) (*PreviewStatus, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, fmt.Errorf("%w: preview not configured", domain.ErrValidation)
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("%w: preview command is empty", domain.ErrValidation)
	}

	s.mu.Lock()
	if e, ok := s.entries[runID]; ok && (e.state == PreviewStarting || e.state == PreviewReady) {
		st := s.snapshotLocked(runID, e)
		s.mu.Unlock()
		return st, nil
	}

	port, err := allocatePort()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("allocate port: %w", err)
	}

	e := &previewEntry{
		state:     PreviewStarting,
		port:      port,
		ring:      newLogRing(s.cfg.LogRingLines),
		startedAt: time.Now().UTC(),
		exited:    make(chan struct{}),
	}
	s.entries[runID] = e
	s.mu.Unlock()

	if _, err := s.repo.Emit(ctx, runID, event.TypePreviewStarting, map[string]any{"port": port}); err != nil {
		s.log.Warn("emit preview.starting", "run_id", runID, "error", err)
	}

	args := make([]string, len(cfg.Args))
	for i, a := range cfg.Args {
		a = strings.ReplaceAll(a, "{PORT}", strconv.Itoa(port))
		a = strings.ReplaceAll(a, "{RUN_ID}", runID)
		args[i] = a
	}

	cmd := exec.Command(cfg.Command, args...) //nolint:gosec // command comes from the accepted package
	cmd.Dir = cfg.Cwd
	cmd.Env = append(os.Environ(),
		"PORT="+strconv.Itoa(port),
		"HOST=127.0.0.1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.spawnFailed(runID, e, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.spawnFailed(runID, e, fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return s.spawnFailed(runID, e, fmt.Errorf("spawn %q: %w", cfg.Command, err))
	}

	s.mu.Lock()
	e.cmd = cmd
	s.mu.Unlock()

	go e.ring.Consume(stdout)
	go e.ring.Consume(stderr)
	go s.awaitExit(runID, e)
	go s.probeReadiness(runID, e, cfg.ReadyPath)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(runID, e), nil
}

// spawnFailed records a spawn failure and emits preview.error.
func (s *PreviewSupervisor) spawnFailed(runID string, e *previewEntry, err error) (*PreviewStatus, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	e.state = PreviewError
	e.errMsg = err.Error()
	e.stoppedAt = &now
	st := s.snapshotLocked(runID, e)
	s.mu.Unlock()

	if _, eerr := s.repo.Emit(context.Background(), runID, event.TypePreviewError, map[string]any{"error": err.Error()}); eerr != nil {
		s.log.Warn("emit preview.error", "run_id", runID, "error", eerr)
	}
	return st, nil
}

// awaitExit watches the child and reconciles state when it dies.
func (s *PreviewSupervisor) awaitExit(runID string, e *previewEntry) {
	err := e.cmd.Wait()
	close(e.exited)
	now := time.Now().UTC()

	s.mu.Lock()
	prev := e.state
	stopping := e.stopping
	if e.stoppedAt == nil {
		e.stoppedAt = &now
	}
	switch {
	case stopping || prev == PreviewStopped:
		e.state = PreviewStopped
	case prev == PreviewStarting:
		e.state = PreviewError
		e.errMsg = exitReason(err)
	default: // ready
		e.state = PreviewStopped
	}
	state := e.state
	reason := e.errMsg
	s.mu.Unlock()

	if stopping {
		// Stop emits preview.stopped itself.
		return
	}
	switch state {
	case PreviewError:
		_, _ = s.repo.Emit(context.Background(), runID, event.TypePreviewError, map[string]any{"error": reason})
	case PreviewStopped:
		_, _ = s.repo.Emit(context.Background(), runID, event.TypePreviewStopped, nil)
	}
}

func exitReason(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() {
			return fmt.Sprintf("preview exited (signal=%s)", ws.Signal())
		}
		return fmt.Sprintf("preview exited (code=%d)", exitErr.ExitCode())
	}
	if err != nil {
		return fmt.Sprintf("preview exited (%v)", err)
	}
	return "preview exited (code=0)"
}

// probeReadiness polls the child's HTTP endpoint until it answers, the
// global timeout elapses, or the child exits.
func (s *PreviewSupervisor) probeReadiness(runID string, e *previewEntry, readyPath string) {
	if readyPath == "" {
		readyPath = "/"
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", e.port, readyPath)
	deadline := time.Now().Add(s.cfg.ReadyTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-e.exited:
			return
		case <-time.After(s.cfg.PollInterval):
		}

		s.mu.Lock()
		state := e.state
		s.mu.Unlock()
		if state != PreviewStarting {
			return
		}

		resp, err := s.probe.Get(url)
		if err != nil {
			continue
		}
		code := resp.StatusCode
		_ = resp.Body.Close()
		if code >= 200 && code < 500 {
			s.mu.Lock()
			if e.state != PreviewStarting {
				s.mu.Unlock()
				return
			}
			e.state = PreviewReady
			s.mu.Unlock()
			_, _ = s.repo.Emit(context.Background(), runID, event.TypePreviewReady, map[string]any{
				"externalUrl": proxiedPath(runID),
			})
			s.log.Info("preview ready", "run_id", runID, "port", e.port)
			return
		}
	}

	s.mu.Lock()
	if e.state != PreviewStarting {
		s.mu.Unlock()
		return
	}
	e.state = PreviewError
	e.errMsg = "preview readiness timed out"
	s.mu.Unlock()
	s.killChild(e)
	_, _ = s.repo.Emit(context.Background(), runID, event.TypePreviewError, map[string]any{
		"error": "preview readiness timed out",
	})
}

// Stop terminates the run's preview child, gracefully then by force.
// Idempotent for runs whose preview already stopped.
func (s *PreviewSupervisor) Stop(ctx context.Context, runID string) error {
	s.mu.Lock()
	e, ok := s.entries[runID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	if e.state == PreviewStopped {
		s.mu.Unlock()
		return nil
	}
	wasError := e.state == PreviewError
	e.stopping = true
	e.state = PreviewStopped
	now := time.Now().UTC()
	if e.stoppedAt == nil {
		e.stoppedAt = &now
	}
	s.mu.Unlock()

	if !wasError {
		s.killChild(e)
	}
	if _, err := s.repo.Emit(ctx, runID, event.TypePreviewStopped, nil); err != nil {
		s.log.Warn("emit preview.stopped", "run_id", runID, "error", err)
	}
	return nil
}

// StopAll stops every tracked preview child. Used during process shutdown
// so no child outlives the server.
func (s *PreviewSupervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("stop preview", "run_id", id, "error", err)
		}
	}
}

// killChild terminates the child: SIGTERM, bounded wait, then SIGKILL.
func (s *PreviewSupervisor) killChild(e *previewEntry) {
	s.mu.Lock()
	cmd := e.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-e.exited:
		return
	case <-time.After(s.cfg.StopGrace):
	}
	_ = cmd.Process.Kill()
	<-e.exited
}

// Proxy forwards one GET or HEAD request to the run's preview child,
// streaming the response. upstreamPath is the path below the proxied
// prefix, always beginning with "/".
func (s *PreviewSupervisor) Proxy(w http.ResponseWriter, r *http.Request, runID, upstreamPath string) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return ErrMethodNotAllowed
	}

	s.mu.Lock()
	e, ok := s.entries[runID]
	var port int
	alive := false
	if ok {
		port = e.port
		alive = e.state == PreviewStarting || e.state == PreviewReady
	}
	s.mu.Unlock()
	if !ok || port == 0 || !alive {
		return domain.ErrNotFound
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, upstreamPath)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, nil)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	for name, values := range r.Header {
		if isHopByHop(name) || strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := s.proxy.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return nil
}

func isHopByHop(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
		"te", "trailer", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

// allocatePort binds an ephemeral loopback port and releases it.
func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}

// logRing keeps the last N lines of child output.
type logRing struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newLogRing(max int) *logRing {
	if max <= 0 {
		max = 200
	}
	return &logRing{max: max}
}

// Consume scans r line by line into the ring until EOF.
func (lr *logRing) Consume(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 256*1024)
	for sc.Scan() {
		lr.Append(sc.Text())
	}
}

// Append adds one line, evicting the oldest past capacity.
func (lr *logRing) Append(line string) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.lines = append(lr.lines, line)
	if len(lr.lines) > lr.max {
		lr.lines = lr.lines[len(lr.lines)-lr.max:]
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (lr *logRing) Lines() []string {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	out := make([]string, len(lr.lines))
	copy(out, lr.lines)
	return out
}
