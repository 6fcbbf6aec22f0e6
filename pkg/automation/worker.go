package automation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PoolConfig tunes one queue's worker pool.
type PoolConfig struct {
	Queue        string        `yaml:"queue"`
	Concurrency  int           `yaml:"concurrency"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// SetDefaults fills zero values.
func (c *PoolConfig) SetDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
}

// Pool runs one queue: workers lease tasks, dispatch them through the
// registry and settle them by the task's retry policy. A reaper returns
// expired leases to the queue.
type Pool struct {
	cfg      PoolConfig
	broker   Broker
	registry *Registry
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewPool creates a pool for one queue.
func NewPool(cfg PoolConfig, broker Broker, registry *Registry, logger *slog.Logger) *Pool {
	cfg.SetDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		broker:   broker,
		registry: registry,
		logger:   logger.With("queue", cfg.Queue),
	}
}

// Start launches the workers and the lease reaper. They stop when ctx is
// cancelled; Wait blocks until they drain.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.workLoop(ctx)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reapLoop(ctx)
	}()
}

// Wait blocks until all workers exit.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) workLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		// Drain available work before sleeping.
		for p.processOne(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processOne leases and settles a single task. Returns false when the queue
// was empty.
func (p *Pool) processOne(ctx context.Context) bool {
	t, err := p.broker.Lease(ctx, p.cfg.Queue, p.cfg.LeaseTimeout)
	if err == ErrNoTask {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("lease failed", "error", err)
		}
		return false
	}

	reg, err := p.registry.Resolve(t.Kind)
	if err != nil {
		p.logger.Error("task kind unroutable, dead lettering", "kind", t.Kind, "task_id", t.ID)
		if derr := p.broker.DeadLetter(ctx, p.cfg.Queue, t); derr != nil {
			p.logger.Error("dead letter failed", "task_id", t.ID, "error", derr)
		}
		return true
	}

	start := time.Now()
	herr := reg.Handler(ctx, t)
	if herr == nil {
		if aerr := p.broker.Ack(ctx, p.cfg.Queue, t); aerr != nil {
			p.logger.Warn("ack failed", "task_id", t.ID, "error", aerr)
		}
		p.logger.Debug("task done", "kind", t.Kind, "task_id", t.ID,
			"attempt", t.Attempt+1, "elapsed", time.Since(start))
		return true
	}

	attempt := t.Attempt + 1
	if attempt >= reg.Policy.MaxAttempts {
		p.logger.Error("task exhausted retries", "kind", t.Kind, "task_id", t.ID,
			"attempts", attempt, "cause", herr)
		if derr := p.broker.DeadLetter(ctx, p.cfg.Queue, t); derr != nil {
			p.logger.Error("dead letter failed", "task_id", t.ID, "error", derr)
		}
		return true
	}

	delay := reg.Policy.NextDelay(attempt)
	p.logger.Warn("task failed, retrying", "kind", t.Kind, "task_id", t.ID,
		"attempt", attempt, "retry_in", delay, "cause", herr)
	if rerr := p.broker.Requeue(ctx, p.cfg.Queue, t, delay); rerr != nil {
		p.logger.Error("requeue failed", "task_id", t.ID, "error", rerr)
	}
	return true
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.broker.ReapExpired(ctx, p.cfg.Queue)
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("lease reap failed", "error", err)
			}
			if n > 0 {
				p.logger.Info("requeued expired leases", "count", n)
			}
		}
	}
}
