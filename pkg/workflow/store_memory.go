package workflow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node dev setups.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Workflow
	slugs map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Workflow),
		slugs: make(map[string]string),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.items[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return w.Clone(), nil
}

func (s *MemoryStore) GetBySlug(_ context.Context, slug string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.slugs[slug]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return s.items[id].Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Workflow, error) {
	filter.normalize()
	s.mu.RLock()
	all := make([]*Workflow, 0, len(s.items))
	for _, w := range s.items {
		if filter.OwnerID != "" && w.OwnerID != filter.OwnerID {
			continue
		}
		if filter.PublicOnly && !w.IsPublic {
			continue
		}
		all = append(all, w.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
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

func (s *MemoryStore) Create(_ context.Context, w *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slugs[w.Slug]; ok {
		return ErrSlugTaken
	}
	s.items[w.ID] = w.Clone()
	s.slugs[w.Slug] = w.ID
	return nil
}

func (s *MemoryStore) Update(_ context.Context, w *Workflow, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[w.ID]
	if !ok {
		return ErrWorkflowNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	s.items[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.items[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	delete(s.slugs, w.Slug)
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) IncrementRunCount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.items[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	w.RunCount++
	return nil
}
