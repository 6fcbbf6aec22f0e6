package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/nexhub-ai/nexhub/pkg/automation"
	"github.com/nexhub-ai/nexhub/pkg/config"
)

// TaskCmd groups the automation task subcommands.
type TaskCmd struct {
	Run TaskRunCmd `cmd:"" help:"Trigger a task out of band."`
}

// TaskRunCmd enqueues one task and optionally drains its queue inline.
type TaskRunCmd struct {
	Kind    string `arg:"" help:"Task kind: discover, enrich or index."`
	Payload string `help:"JSON payload, e.g. '{\"source\":\"producthunt\"}'."`
	Drain   bool   `help:"Process the queue inline instead of leaving the task for workers."`
}

func (c *TaskRunCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	cleanup, err := setupLogger(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	app, err := buildApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer app.Close()

	var payload any
	if c.Payload != "" {
		if err := json.Unmarshal([]byte(c.Payload), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
	}

	task, err := app.fabric.RunTask(ctx, c.Kind, payload)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s task %s\n", task.Kind, task.ID)

	if c.Drain {
		queue, err := queueForKind(c.Kind)
		if err != nil {
			return err
		}
		if err := app.fabric.DrainQueue(ctx, queue); err != nil {
			return err
		}
		// Downstream tasks land on the other queues; drain those too so a
		// discover run carries through enrichment and indexing.
		for _, q := range []string{automation.QueueEnrichment, automation.QueueIndexing} {
			if q == queue {
				continue
			}
			if err := app.fabric.DrainQueue(ctx, q); err != nil {
				return err
			}
		}
		fmt.Println("queues drained")
	}
	return nil
}

func queueForKind(kind string) (string, error) {
	switch kind {
	case automation.KindDiscover:
		return automation.QueueCrawlers, nil
	case automation.KindEnrich:
		return automation.QueueEnrichment, nil
	case automation.KindIndex:
		return automation.QueueIndexing, nil
	}
	return "", fmt.Errorf("unknown task kind %q", kind)
}
