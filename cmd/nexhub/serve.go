package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexhub-ai/nexhub/pkg/config"
)

// ServeCmd starts the HTTP server and the automation fabric.
type ServeCmd struct {
	Port       int           `help:"Override the configured listen port."`
	GCInterval time.Duration `name:"gc-interval" help:"Checkpoint GC interval." default:"1h"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	cleanup, err := setupLogger(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := slog.Default()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	app.fabric.Start(ctx)
	defer app.fabric.Stop()

	go c.runGC(ctx, app)

	if err := app.server.Start(ctx); err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.obs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// runGC prunes checkpoints of old terminal executions on a fixed interval.
func (c *ServeCmd) runGC(ctx context.Context, app *app) {
	if c.GCInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := app.engine.GC(ctx); err != nil {
				app.logger.Warn("checkpoint gc", "error", err)
			}
		}
	}
}
