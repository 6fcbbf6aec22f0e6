package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Record // keyed by source + "/" + slug
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Record)}
}

func dedupKey(source Source, slug string) string {
	return string(source) + "/" + slug
}

func (s *MemoryStore) Upsert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey(rec.Source, rec.Slug)
	cp := *rec
	if existing, ok := s.items[key]; ok {
		cp.ID = existing.ID
		cp.DiscoveredAt = existing.DiscoveredAt
	} else if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.UpdatedAt = time.Now().UTC()
	s.items[key] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, source Source, slug string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[dedupKey(source, slug)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Exists(_ context.Context, source Source, slug string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[dedupKey(source, slug)]
	return ok, nil
}

func (s *MemoryStore) ListSyncPending(_ context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	var out []*Record
	for _, rec := range s.items {
		if rec.Status == StatusReady && rec.SyncPending {
			cp := *rec
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkSynced(_ context.Context, ids []string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.items {
		if want[rec.ID] {
			rec.SyncPending = false
		}
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}
