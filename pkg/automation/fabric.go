package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// FabricConfig tunes the queues and schedules.
type FabricConfig struct {
	Crawlers   PoolConfig        `yaml:"crawlers"`
	Enrichment PoolConfig        `yaml:"enrichment"`
	Indexing   PoolConfig        `yaml:"indexing"`
	Schedules  map[string]string `yaml:"schedules"`
}

// SetDefaults fills zero values.
func (c *FabricConfig) SetDefaults() {
	c.Crawlers.Queue = QueueCrawlers
	c.Enrichment.Queue = QueueEnrichment
	c.Indexing.Queue = QueueIndexing
	c.Crawlers.SetDefaults()
	c.Enrichment.SetDefaults()
	c.Indexing.SetDefaults()
	if c.Schedules == nil {
		c.Schedules = DefaultSchedules
	}
}

// Fabric runs the automation subsystem: the registry, one pool per queue and
// the cron scheduler.
type Fabric struct {
	cfg       FabricConfig
	registry  *Registry
	broker    Broker
	pools     []*Pool
	scheduler *Scheduler
	logger    *slog.Logger
	cancel    context.CancelFunc
}

// NewFabric wires the fabric. The pipeline's handlers are registered here.
func NewFabric(cfg FabricConfig, broker Broker, pipeline *Pipeline, logger *slog.Logger) (*Fabric, error) {
	cfg.SetDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	registry := NewRegistry()
	if err := pipeline.RegisterAll(registry); err != nil {
		return nil, err
	}

	f := &Fabric{
		cfg:       cfg,
		registry:  registry,
		broker:    broker,
		scheduler: NewScheduler(broker, logger),
		logger:    logger,
	}
	for _, pc := range []PoolConfig{cfg.Crawlers, cfg.Enrichment, cfg.Indexing} {
		f.pools = append(f.pools, NewPool(pc, broker, registry, logger))
	}
	for source, spec := range cfg.Schedules {
		if err := f.scheduler.AddSource(spec, source); err != nil {
			return nil, fmt.Errorf("scheduling %s: %w", source, err)
		}
	}
	return f, nil
}

// Start launches the pools and the scheduler.
func (f *Fabric) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	for _, p := range f.pools {
		p.Start(ctx)
	}
	f.scheduler.Start()
	f.logger.Info("automation fabric started", "kinds", f.registry.Kinds())
}

// Stop halts the scheduler and drains the pools.
func (f *Fabric) Stop() {
	f.scheduler.Stop()
	if f.cancel != nil {
		f.cancel()
	}
	for _, p := range f.pools {
		p.Wait()
	}
	f.logger.Info("automation fabric stopped")
}

// RunTask triggers a registered task kind out of band, bypassing the
// schedule. Operators use this through the CLI.
func (f *Fabric) RunTask(ctx context.Context, kind string, payload any) (*Task, error) {
	reg, err := f.registry.Resolve(kind)
	if err != nil {
		return nil, err
	}
	t, err := NewTask(kind, payload)
	if err != nil {
		return nil, err
	}
	if err := f.broker.Enqueue(ctx, reg.Queue, t); err != nil {
		return nil, err
	}
	f.logger.Info("task triggered out of band", "kind", kind, "task_id", t.ID)
	return t, nil
}

// DrainQueue processes ready tasks of one queue inline until it is empty.
// The CLI task runner uses this instead of standing pools up.
func (f *Fabric) DrainQueue(ctx context.Context, queue string) error {
	pc := PoolConfig{Queue: queue, Concurrency: 1, PollInterval: 10 * time.Millisecond}
	pool := NewPool(pc, f.broker, f.registry, f.logger)
	for pool.processOne(ctx) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return ctx.Err()
}
