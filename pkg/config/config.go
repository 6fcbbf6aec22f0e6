// Package config loads and validates the service configuration from a YAML
// file plus environment overrides. Every section implements SetDefaults and
// Validate; Load runs both.
package config

import (
	"fmt"
)

// Config is the root configuration document.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Logger     LoggerConfig     `yaml:"logger"`
	Engine     EngineConfig     `yaml:"engine"`
	Quota      QuotaConfig      `yaml:"quota"`
	LLM        LLMConfig        `yaml:"llm"`
	Automation AutomationConfig `yaml:"automation"`
}

// SetDefaults fills every zero-valued field section by section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	c.Auth.SetDefaults()
	c.Logger.SetDefaults()
	c.Engine.SetDefaults()
	c.Quota.SetDefaults()
	c.LLM.SetDefaults()
	c.Automation.SetDefaults()
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"database", c.Database.Validate},
		{"redis", c.Redis.Validate},
		{"auth", c.Auth.Validate},
		{"logger", c.Logger.Validate},
		{"engine", c.Engine.Validate},
		{"quota", c.Quota.Validate},
		{"llm", c.LLM.Validate},
		{"automation", c.Automation.Validate},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			return fmt.Errorf("%s: %w", check.name, err)
		}
	}
	return nil
}

// LoggerConfig controls the slog setup.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`
	// File receives the log output; empty means stderr.
	File string `yaml:"file,omitempty"`
	// Format is "simple" (level + message) or "verbose" (time + level + message).
	Format string `yaml:"format,omitempty"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggerConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
}
