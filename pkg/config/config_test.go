package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nexhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, 4, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 32, cfg.Engine.ReentryCap)
	assert.Equal(t, 50, cfg.Quota.DailyLimit)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.False(t, cfg.Auth.IsEnabled(), "auth stays off until a key source is configured")
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9001
  write_timeout: 5m
database:
  driver: postgres
  dsn: postgres://nexhub@localhost/nexhub
redis:
  addr: localhost:6379
auth:
  secret: test-secret
engine:
  max_concurrency: 8
quota:
  daily_limit: 10
llm:
  default: openai
  providers:
    openai:
      base_url: https://llm.internal/v1
automation:
  enrich_model: gpt-4o
  sources:
    producthunt:
      base_url: https://api.producthunt.com/v2/api/graphql
      min_score: 250
  schedules:
    producthunt: "0 6 * * *"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Server.WriteTimeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 8, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 10, cfg.Quota.DailyLimit)
	assert.Equal(t, "https://llm.internal/v1", cfg.LLM.Providers["openai"].BaseURL)
	assert.Equal(t, "gpt-4o", cfg.Automation.EnrichModel)
	assert.Equal(t, 250, cfg.Automation.Sources["producthunt"].MinScore)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("NEXHUB_TEST_SECRET", "from-env")
	t.Setenv("NEXHUB_TEST_PORT", "7070")

	path := writeConfig(t, `
server:
  port: ${NEXHUB_TEST_PORT}
auth:
  secret: ${NEXHUB_TEST_SECRET}
database:
  dsn: ${NEXHUB_TEST_DSN:-file:fallback.db}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, "file:fallback.db", cfg.Database.DSN)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad driver", "database:\n  driver: oracle\n", "unsupported driver"},
		{"bad level", "logger:\n  level: loud\n", "invalid log level"},
		{"auth without keys", "auth:\n  enabled: true\n", "jwks_url or secret"},
		{"bad schedule", "automation:\n  sources:\n    arxiv: {}\n  schedules:\n    arxiv: often\n", "schedule for arxiv"},
		{"orphan schedule", "automation:\n  schedules:\n    producthunt: \"0 6 * * *\"\n", "no matching source"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
