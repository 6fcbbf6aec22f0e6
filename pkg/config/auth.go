package config

import (
	"fmt"
	"time"
)

// AuthConfig configures bearer-token validation. Tokens are verified against
// a JWKS endpoint when JWKSURL is set, otherwise against the shared HMAC
// secret.
type AuthConfig struct {
	// Enabled turns token validation on. Nil means enabled.
	Enabled *bool `yaml:"enabled,omitempty"`

	JWKSURL string `yaml:"jwks_url,omitempty"`
	Secret  string `yaml:"secret,omitempty"`

	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`

	// TokenTTL bounds accepted token age for issuers that omit exp.
	TokenTTL time.Duration `yaml:"token_ttl,omitempty"`

	// JWKSRefreshInterval controls key-set refresh.
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval,omitempty"`
}

func (c *AuthConfig) SetDefaults() {
	if c.Enabled == nil {
		// Auth turns on as soon as a key source is configured.
		enabled := c.JWKSURL != "" || c.Secret != ""
		c.Enabled = &enabled
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.JWKSRefreshInterval == 0 {
		c.JWKSRefreshInterval = 15 * time.Minute
	}
}

func (c *AuthConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if c.JWKSURL == "" && c.Secret == "" {
		return fmt.Errorf("jwks_url or secret is required when auth is enabled")
	}
	return nil
}

// IsEnabled resolves the tri-state flag.
func (c *AuthConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return c.JWKSURL != "" || c.Secret != ""
	}
	return *c.Enabled
}
