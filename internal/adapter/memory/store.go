// Package memory implements the database port with an in-process store.
// It backs the "memory" DSN sentinel and the test suite. A single mutex
// serializes writes so event IDs stay monotonic.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/event"
	"github.com/Strob0t/Conductor/internal/domain/run"
	"github.com/Strob0t/Conductor/internal/port/database"
)

// Store is an in-memory implementation of database.Store.
type Store struct {
	mu          sync.RWMutex
	nextEventID int64
	runs        map[string]*run.Run
	packages    map[string]json.RawMessage
	counters    map[string]*run.Counters
	events      map[string][]event.Event
	tasks       map[string][]*run.Task
	results     map[string][]run.Result
	evidence    map[string][]run.Evidence
	artifacts   map[string][]run.Artifact
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		runs:      make(map[string]*run.Run),
		packages:  make(map[string]json.RawMessage),
		counters:  make(map[string]*run.Counters),
		events:    make(map[string][]event.Event),
		tasks:     make(map[string][]*run.Task),
		results:   make(map[string][]run.Result),
		evidence:  make(map[string][]run.Evidence),
		artifacts: make(map[string][]run.Artifact),
	}
}

var _ database.Store = (*Store)(nil)

func (s *Store) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("create run %s: %w", r.ID, domain.ErrConflict)
	}

	pkgJSON, err := json.Marshal(r.Package)
	if err != nil {
		return fmt.Errorf("marshal package: %w", err)
	}

	cp := *r
	s.runs[r.ID] = &cp
	s.packages[r.ID] = pkgJSON
	s.counters[r.ID] = &run.Counters{}
	return nil
}

func (s *Store) GetRun(_ context.Context, runID string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", runID, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRuns(_ context.Context, filter database.RunFilter) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []run.Run
	for _, r := range s.runs {
		if filter.Status != "" && string(r.Status) != filter.Status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateRunStatus(_ context.Context, runID string, status run.Status, reason string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("update run %s: %w", runID, domain.ErrNotFound)
	}
	if !run.CanTransition(r.Status, status) {
		if r.Status.Terminal() {
			return nil, fmt.Errorf("update run %s from %s to %s: %w", runID, r.Status, status, domain.ErrTerminal)
		}
		return nil, fmt.Errorf("update run %s from %s to %s: %w", runID, r.Status, status, domain.ErrConflict)
	}

	now := time.Now().UTC()
	r.Status = status
	r.Reason = reason
	r.UpdatedAt = now
	if status == run.StatusRunning && r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	if status.Terminal() {
		t := now
		r.FinishedAt = &t
	}
	cp := *r
	return &cp, nil
}

func (s *Store) RequestCancel(_ context.Context, runID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("cancel run %s: %w", runID, domain.ErrNotFound)
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("cancel run %s: %w", runID, domain.ErrTerminal)
	}
	r.CancelRequested = true
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	return &cp, nil
}

func (s *Store) SetRunSession(_ context.Context, runID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("set session on run %s: %w", runID, domain.ErrNotFound)
	}
	if r.SessionID != "" {
		return fmt.Errorf("set session on run %s: session already set: %w", runID, domain.ErrConflict)
	}
	r.SessionID = sessionID
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) AddBudget(_ context.Context, runID string, tokens int64, costUSD float64) (int64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return 0, 0, fmt.Errorf("add budget on run %s: %w", runID, domain.ErrNotFound)
	}
	r.BudgetTokensUsed += tokens
	r.BudgetCostUsed += costUSD
	r.UpdatedAt = time.Now().UTC()
	return r.BudgetTokensUsed, r.BudgetCostUsed, nil
}

func (s *Store) IncrementIterations(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[runID]
	if !ok {
		return fmt.Errorf("iterations on run %s: %w", runID, domain.ErrNotFound)
	}
	c.OrchestratorIterations++
	return nil
}

func (s *Store) AppendEvent(_ context.Context, runID, eventType string, data map[string]any) (*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("append event on run %s: %w", runID, domain.ErrNotFound)
	}

	s.nextEventID++
	ev := event.Event{
		RunID: runID,
		ID:    s.nextEventID,
		Type:  eventType,
		Data:  data,
		TS:    time.Now().UTC(),
	}
	s.events[runID] = append(s.events[runID], ev)
	s.counters[runID].LatestEventID = ev.ID
	return &ev, nil
}

func (s *Store) ListRunEvents(_ context.Context, runID string, sinceEventID int64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("list events on run %s: %w", runID, domain.ErrNotFound)
	}

	var out []event.Event
	for _, ev := range s.events[runID] {
		if ev.ID > sinceEventID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) LatestEventID(_ context.Context, runID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.counters[runID]
	if !ok {
		return 0, fmt.Errorf("latest event on run %s: %w", runID, domain.ErrNotFound)
	}
	return c.LatestEventID, nil
}

func (s *Store) RecordTask(_ context.Context, t *run.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[t.RunID]; !ok {
		return fmt.Errorf("record task on run %s: %w", t.RunID, domain.ErrNotFound)
	}
	cp := *t
	s.tasks[t.RunID] = append(s.tasks[t.RunID], &cp)
	s.counters[t.RunID].WorkersSpawned++
	return nil
}

func (s *Store) UpdateTask(_ context.Context, runID, taskID string, status run.TaskStatus, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks[runID] {
		if t.TaskID != taskID {
			continue
		}
		if status == run.TaskFailed && t.Status != run.TaskFailed {
			s.counters[runID].WorkerFailures++
		}
		t.Status = status
		t.Attempts = attempts
		t.LastError = lastError
		t.UpdatedAt = time.Now().UTC()
		return nil
	}
	return fmt.Errorf("update task %s on run %s: %w", taskID, runID, domain.ErrNotFound)
}

func (s *Store) ListTasks(_ context.Context, runID string) ([]run.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]run.Task, 0, len(s.tasks[runID]))
	for _, t := range s.tasks[runID] {
		out = append(out, *t)
	}
	return out, nil
}

func (s *Store) RecordResult(_ context.Context, r *run.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.RunID]; !ok {
		return fmt.Errorf("record result on run %s: %w", r.RunID, domain.ErrNotFound)
	}
	s.results[r.RunID] = append(s.results[r.RunID], *r)
	return nil
}

func (s *Store) ListResults(_ context.Context, runID string, limit int) ([]run.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs := s.results[runID]
	out := make([]run.Result, len(rs))
	copy(out, rs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecordEvidence(_ context.Context, e *run.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[e.RunID]; !ok {
		return fmt.Errorf("record evidence on run %s: %w", e.RunID, domain.ErrNotFound)
	}
	s.evidence[e.RunID] = append(s.evidence[e.RunID], *e)
	s.counters[e.RunID].EvidenceItems++
	return nil
}

func (s *Store) ListEvidence(_ context.Context, runID string) ([]run.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]run.Evidence, len(s.evidence[runID]))
	copy(out, s.evidence[runID])
	return out, nil
}

func (s *Store) RecordArtifact(_ context.Context, a *run.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[a.RunID]; !ok {
		return fmt.Errorf("record artifact on run %s: %w", a.RunID, domain.ErrNotFound)
	}
	s.artifacts[a.RunID] = append(s.artifacts[a.RunID], *a)
	return nil
}

func (s *Store) ListArtifacts(_ context.Context, runID string) ([]run.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]run.Artifact, len(s.artifacts[runID]))
	copy(out, s.artifacts[runID])
	return out, nil
}

func (s *Store) GetRunCounters(_ context.Context, runID string) (*run.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.counters[runID]
	if !ok {
		return nil, fmt.Errorf("counters on run %s: %w", runID, domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) PackageJSON(_ context.Context, runID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packages[runID]
	if !ok {
		return nil, fmt.Errorf("package on run %s: %w", runID, domain.ErrNotFound)
	}
	return p, nil
}
