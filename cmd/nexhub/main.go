// Command nexhub runs the agent orchestration service.
//
// Usage:
//
//	nexhub serve --config config.yaml
//	nexhub validate --config config.yaml
//	nexhub task run discover --payload '{"source":"producthunt"}' --drain
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/nexhub-ai/nexhub/pkg/config"
	"github.com/nexhub-ai/nexhub/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server and task fabric."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Task     TaskCmd     `cmd:"" help:"Work with automation tasks."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("nexhub version %s\n", version)
	return nil
}

// setupLogger installs the default logger from the CLI flags and, once the
// config is loaded, its logger section. The returned cleanup closes the log
// file, if any.
func setupLogger(cli *CLI, cfg *config.Config) (func(), error) {
	level := cli.LogLevel
	file := cli.LogFile
	format := cli.LogFormat
	if cfg != nil {
		if level == "info" && cfg.Logger.Level != "" {
			level = cfg.Logger.Level
		}
		if file == "" {
			file = cfg.Logger.File
		}
		if format == "simple" && cfg.Logger.Format != "" {
			format = cfg.Logger.Format
		}
	}

	output := os.Stderr
	cleanup := func() {}
	if file != "" {
		f, done, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		output = f
		cleanup = done
	}
	logger.Init(logger.ParseLevel(level), output, format)
	return cleanup, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("nexhub"),
		kong.Description("Agent workflow orchestration service."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
