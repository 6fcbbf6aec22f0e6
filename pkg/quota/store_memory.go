package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Quota
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Quota), now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Ensure(_ context.Context, userID string, limit, offsetMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[userID]; ok {
		return nil
	}
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	s.items[userID] = &Quota{
		UserID:          userID,
		LimitPerDay:     limit,
		ResetsAt:        NextReset(s.now().UTC(), offsetMinutes),
		TZOffsetMinutes: offsetMinutes,
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.items[userID]
	if !ok {
		return nil, ErrQuotaNotFound
	}
	s.rollover(q)
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) Admit(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.items[userID]
	if !ok {
		return ErrQuotaNotFound
	}
	s.rollover(q)
	if q.UsedToday >= q.LimitPerDay {
		return ErrQuotaExceeded
	}
	q.UsedToday++
	return nil
}

func (s *MemoryStore) Release(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.items[userID]
	if !ok {
		return ErrQuotaNotFound
	}
	if q.UsedToday > 0 {
		q.UsedToday--
	}
	return nil
}

// rollover resets the window when resets_at has passed. Caller holds the lock.
func (s *MemoryStore) rollover(q *Quota) {
	now := s.now().UTC()
	if !now.Before(q.ResetsAt) {
		q.UsedToday = 0
		q.ResetsAt = NextReset(now, q.TZOffsetMinutes)
	}
}
