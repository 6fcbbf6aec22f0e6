package main

import (
	"fmt"

	"github.com/nexhub-ai/nexhub/pkg/config"
)

// ValidateCmd loads the config file and reports the first problem found.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("no config file given, pass --config")
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("%s is valid: server on %s, database %s, %d llm provider(s), %d source(s)\n",
		cli.Config, cfg.Server.Address(), cfg.Database.Driver,
		len(cfg.LLM.Providers), len(cfg.Automation.Sources))
	return nil
}
