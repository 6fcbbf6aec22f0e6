package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// WorkerConfig tunes one queue's worker pool.
type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency,omitempty"`
	LeaseTimeout time.Duration `yaml:"lease_timeout,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	ReapInterval time.Duration `yaml:"reap_interval,omitempty"`
}

func (c *WorkerConfig) SetDefaults() {
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

// SourceConfig describes one discovery upstream. MinScore gates Product Hunt
// votes; Keywords gate GitHub Trending; Categories gate arXiv.
type SourceConfig struct {
	BaseURL    string   `yaml:"base_url,omitempty"`
	APIToken   string   `yaml:"api_token,omitempty"`
	MinScore   int      `yaml:"min_score,omitempty"`
	Keywords   []string `yaml:"keywords,omitempty"`
	Categories []string `yaml:"categories,omitempty"`
}

// IndexConfig points the indexing task at the external search index.
type IndexConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
}

// AutomationConfig tunes the task fabric: worker pools, cron schedules,
// discovery sources and the search index sync.
type AutomationConfig struct {
	Crawlers   WorkerConfig `yaml:"crawlers"`
	Enrichment WorkerConfig `yaml:"enrichment"`
	Indexing   WorkerConfig `yaml:"indexing"`

	// Schedules maps a source name to a cron expression.
	Schedules map[string]string `yaml:"schedules,omitempty"`

	Sources map[string]*SourceConfig `yaml:"sources,omitempty"`
	Index   IndexConfig              `yaml:"index"`

	// EnrichModel names the model used for catalogue enrichment.
	EnrichModel string `yaml:"enrich_model,omitempty"`
}

func (c *AutomationConfig) SetDefaults() {
	c.Crawlers.SetDefaults()
	c.Enrichment.SetDefaults()
	c.Indexing.SetDefaults()
	if c.Sources == nil {
		c.Sources = map[string]*SourceConfig{}
	}
	if c.EnrichModel == "" {
		c.EnrichModel = "gpt-4o-mini"
	}
}

func (c *AutomationConfig) Validate() error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for source, spec := range c.Schedules {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("schedule for %s: %w", source, err)
		}
		if _, ok := c.Sources[source]; !ok {
			return fmt.Errorf("schedule for %s has no matching source", source)
		}
	}
	return nil
}
