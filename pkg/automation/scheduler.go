package automation

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/nexhub-ai/nexhub/pkg/catalog"
)

// Default per-source schedules. Product Hunt and arXiv run daily, GitHub
// Trending twice a day.
var DefaultSchedules = map[string]string{
	string(catalog.SourceProductHunt):    "0 6 * * *",
	string(catalog.SourceGitHubTrending): "0 6,18 * * *",
	string(catalog.SourceArxiv):          "30 6 * * *",
}

// Scheduler emits discovery tasks on per-source cron expressions.
type Scheduler struct {
	cron   *cron.Cron
	broker Broker
	logger *slog.Logger
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(broker Broker, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		broker: broker,
		logger: logger,
	}
}

// AddSource schedules discovery for a source on the given cron expression.
func (s *Scheduler) AddSource(spec, source string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		t, err := NewTask(KindDiscover, DiscoverPayload{Source: source})
		if err != nil {
			s.logger.Error("building discovery task", "source", source, "error", err)
			return
		}
		if err := s.broker.Enqueue(ctx, QueueCrawlers, t); err != nil {
			s.logger.Error("enqueueing discovery task", "source", source, "error", err)
			return
		}
		s.logger.Info("discovery scheduled", "source", source, "task_id", t.ID)
	})
	return err
}

// Start begins firing jobs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
