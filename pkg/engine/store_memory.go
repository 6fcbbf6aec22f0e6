package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// ListFilter narrows and pages an execution list query.
type ListFilter struct {
	UserID     string
	WorkflowID string
	Status     Status
	Page       int
	Limit      int
}

func (f *ListFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 20
	}
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	Create(ctx context.Context, e *Execution) error
	Update(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	List(ctx context.Context, filter ListFilter) ([]*Execution, error)
	HasActiveExecutions(ctx context.Context, workflowID string) (bool, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// CheckpointStore persists run checkpoints. Only the latest checkpoint is
// needed for resume; earlier ones remain for audit until purged.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Latest(ctx context.Context, execID string) (*Checkpoint, error)
	DeleteForExecution(ctx context.Context, execID string) error
}

// MemoryExecutionStore is an in-process ExecutionStore.
type MemoryExecutionStore struct {
	mu    sync.RWMutex
	items map[string]*Execution
}

// NewMemoryExecutionStore creates an empty store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{items: make(map[string]*Execution)}
}

func cloneExecution(e *Execution) *Execution {
	b, _ := json.Marshal(e)
	var cp Execution
	_ = json.Unmarshal(b, &cp)
	return &cp
}

func (s *MemoryExecutionStore) Create(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[e.ID] = cloneExecution(e)
	return nil
}

func (s *MemoryExecutionStore) Update(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[e.ID]; !ok {
		return ErrExecutionNotFound
	}
	s.items[e.ID] = cloneExecution(e)
	return nil
}

func (s *MemoryExecutionStore) Get(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(e), nil
}

func (s *MemoryExecutionStore) List(_ context.Context, filter ListFilter) ([]*Execution, error) {
	filter.normalize()
	s.mu.RLock()
	var all []*Execution
	for _, e := range s.items {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		all = append(all, cloneExecution(e))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	start := (filter.Page - 1) * filter.Limit
	if start >= len(all) {
		return nil, nil
	}
	end := start + filter.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (s *MemoryExecutionStore) HasActiveExecutions(_ context.Context, workflowID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.items {
		if e.WorkflowID == workflowID && !e.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryExecutionStore) ListTerminalBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, e := range s.items {
		if e.Status.Terminal() && e.FinishedAt != nil && e.FinishedAt.Before(cutoff) {
			out = append(out, e.ID)
		}
	}
	return out, nil
}

// MemoryCheckpointStore is an in-process CheckpointStore.
type MemoryCheckpointStore struct {
	mu    sync.RWMutex
	items map[string][]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{items: make(map[string][]*Checkpoint)}
}

func (s *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, _ := json.Marshal(cp)
	var stored Checkpoint
	_ = json.Unmarshal(b, &stored)
	s.items[cp.ExecutionID] = append(s.items[cp.ExecutionID], &stored)
	return nil
}

func (s *MemoryCheckpointStore) Latest(_ context.Context, execID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.items[execID]
	if len(cps) == 0 {
		return nil, ErrExecutionNotFound
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.Number > latest.Number {
			latest = cp
		}
	}
	return latest, nil
}

func (s *MemoryCheckpointStore) DeleteForExecution(_ context.Context, execID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, execID)
	return nil
}
