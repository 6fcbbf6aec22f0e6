package config

import (
	"fmt"
	"time"
)

// LLMProviderConfig describes one OpenAI-compatible endpoint.
type LLMProviderConfig struct {
	BaseURL string `yaml:"base_url,omitempty"`
	// APIKey usually comes from the environment, e.g. "${OPENAI_API_KEY}".
	APIKey     string        `yaml:"api_key,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

func (c *LLMProviderConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	return nil
}

// LLMConfig maps provider names to endpoints. A model routes to the provider
// registered under its name; unmatched models fall back to Default.
type LLMConfig struct {
	Default   string                        `yaml:"default,omitempty"`
	Providers map[string]*LLMProviderConfig `yaml:"providers,omitempty"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Providers == nil {
		c.Providers = map[string]*LLMProviderConfig{}
	}
	if len(c.Providers) == 0 {
		c.Providers["openai"] = &LLMProviderConfig{}
	}
	if c.Default == "" {
		for name := range c.Providers {
			c.Default = name
			break
		}
		if len(c.Providers) > 1 {
			if _, ok := c.Providers["openai"]; ok {
				c.Default = "openai"
			}
		}
	}
	for _, p := range c.Providers {
		p.SetDefaults()
	}
}

func (c *LLMConfig) Validate() error {
	if _, ok := c.Providers[c.Default]; !ok {
		return fmt.Errorf("default provider %q is not configured", c.Default)
	}
	for name, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	return nil
}
