package config

import (
	"fmt"
	"time"
)

// EngineConfig tunes the graph execution engine.
type EngineConfig struct {
	// MaxConcurrency bounds node evaluations in flight per execution.
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`
	// ReentryCap bounds loop iterations per node.
	ReentryCap int `yaml:"reentry_cap,omitempty"`
	// StreamBuffer sizes the per-execution event ring buffer.
	StreamBuffer int `yaml:"stream_buffer,omitempty"`
	// CheckpointRetention keeps checkpoints of terminal executions this long
	// before garbage collection.
	CheckpointRetention time.Duration `yaml:"checkpoint_retention,omitempty"`
}

func (c *EngineConfig) SetDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.ReentryCap <= 0 {
		c.ReentryCap = 32
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 1024
	}
	if c.CheckpointRetention <= 0 {
		c.CheckpointRetention = 24 * time.Hour
	}
}

func (c *EngineConfig) Validate() error {
	if c.MaxConcurrency > 256 {
		return fmt.Errorf("max_concurrency %d is out of range (1-256)", c.MaxConcurrency)
	}
	return nil
}

// QuotaConfig sets the default per-user execution budget.
type QuotaConfig struct {
	DailyLimit int `yaml:"daily_limit,omitempty"`
}

func (c *QuotaConfig) SetDefaults() {
	if c.DailyLimit <= 0 {
		c.DailyLimit = 50
	}
}

func (c *QuotaConfig) Validate() error { return nil }
