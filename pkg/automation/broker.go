package automation

import (
	"context"
	"sync"
	"time"
)

// Broker moves tasks between producers and queue workers. A leased task is
// invisible to other workers until acked, requeued, or its lease expires.
type Broker interface {
	Enqueue(ctx context.Context, queue string, t *Task) error
	// Lease pops the next due task and holds it for leaseTimeout. Returns
	// ErrNoTask when the queue is empty.
	Lease(ctx context.Context, queue string, leaseTimeout time.Duration) (*Task, error)
	// Ack drops a leased task for good.
	Ack(ctx context.Context, queue string, t *Task) error
	// Requeue returns a leased task to the queue after the given delay,
	// incrementing its attempt counter.
	Requeue(ctx context.Context, queue string, t *Task, delay time.Duration) error
	// DeadLetter parks a leased task in the queue's dead letter slot.
	DeadLetter(ctx context.Context, queue string, t *Task) error
	// DeadLetters lists the parked tasks of a queue.
	DeadLetters(ctx context.Context, queue string) ([]*Task, error)
	// ReapExpired returns tasks whose lease lapsed to their queue.
	ReapExpired(ctx context.Context, queue string) (int, error)
}

type memoryLease struct {
	task      *Task
	expiresAt time.Time
}

// MemoryBroker is an in-process Broker for tests and single-node runs.
type MemoryBroker struct {
	mu      sync.Mutex
	queues  map[string][]*Task
	delayed map[string][]*Task
	leased  map[string]map[string]*memoryLease // queue → task id → lease
	dead    map[string][]*Task
	now     func() time.Time
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:  make(map[string][]*Task),
		delayed: make(map[string][]*Task),
		leased:  make(map[string]map[string]*memoryLease),
		dead:    make(map[string][]*Task),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (b *MemoryBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBroker) Enqueue(_ context.Context, queue string, t *Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *t
	if !cp.NotBefore.IsZero() && cp.NotBefore.After(b.now()) {
		b.delayed[queue] = append(b.delayed[queue], &cp)
		return nil
	}
	b.queues[queue] = append(b.queues[queue], &cp)
	return nil
}

// promote moves due delayed tasks to the ready queue. Caller holds the lock.
func (b *MemoryBroker) promote(queue string) {
	now := b.now()
	var still []*Task
	for _, t := range b.delayed[queue] {
		if t.NotBefore.After(now) {
			still = append(still, t)
			continue
		}
		b.queues[queue] = append(b.queues[queue], t)
	}
	b.delayed[queue] = still
}

func (b *MemoryBroker) Lease(_ context.Context, queue string, leaseTimeout time.Duration) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promote(queue)
	q := b.queues[queue]
	if len(q) == 0 {
		return nil, ErrNoTask
	}
	t := q[0]
	b.queues[queue] = q[1:]
	if b.leased[queue] == nil {
		b.leased[queue] = make(map[string]*memoryLease)
	}
	b.leased[queue][t.ID] = &memoryLease{task: t, expiresAt: b.now().Add(leaseTimeout)}
	cp := *t
	return &cp, nil
}

func (b *MemoryBroker) Ack(_ context.Context, queue string, t *Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.leased[queue][t.ID]; !ok {
		return ErrLeaseLost
	}
	delete(b.leased[queue], t.ID)
	return nil
}

func (b *MemoryBroker) Requeue(_ context.Context, queue string, t *Task, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.leased[queue][t.ID]; !ok {
		return ErrLeaseLost
	}
	delete(b.leased[queue], t.ID)
	cp := *t
	cp.Attempt++
	cp.NotBefore = b.now().Add(delay)
	if delay <= 0 {
		b.queues[queue] = append(b.queues[queue], &cp)
	} else {
		b.delayed[queue] = append(b.delayed[queue], &cp)
	}
	return nil
}

func (b *MemoryBroker) DeadLetter(_ context.Context, queue string, t *Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.leased[queue], t.ID)
	cp := *t
	b.dead[queue] = append(b.dead[queue], &cp)
	return nil
}

func (b *MemoryBroker) DeadLetters(_ context.Context, queue string) ([]*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Task, 0, len(b.dead[queue]))
	for _, t := range b.dead[queue] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (b *MemoryBroker) ReapExpired(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	n := 0
	for id, l := range b.leased[queue] {
		if l.expiresAt.After(now) {
			continue
		}
		delete(b.leased[queue], id)
		cp := *l.task
		cp.Attempt++
		b.queues[queue] = append(b.queues[queue], &cp)
		n++
	}
	return n, nil
}

// Depth reports ready tasks in a queue. Tests only.
func (b *MemoryBroker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promote(queue)
	return len(b.queues[queue])
}
