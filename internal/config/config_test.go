package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Registry.CacheTTL)
	assert.Equal(t, 2, cfg.Queue.MaxRetries)
	assert.Equal(t, 200, cfg.Queue.MaxFinished)
	assert.Equal(t, 49, cfg.Ingest.BulkThreshold)
}

func TestLoad_YAML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.yaml", `
server:
  port: 9090
registry:
  cache_ttl: 2m
  pool: [a, b]
ingest:
  base_url: https://photos.example.com
  session_id: evt-1
  bulk_threshold: 10
webhooks:
  endpoints:
    - url: https://hooks.example.com/x
      events: [job_status_changed]
logging:
  level: debug
  format: console
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Registry.CacheTTL)
	assert.Equal(t, []string{"a", "b"}, cfg.Registry.Pool)
	assert.Equal(t, "https://photos.example.com", cfg.Ingest.BaseURL)
	assert.Equal(t, 10, cfg.Ingest.BulkThreshold)
	require.Len(t, cfg.Webhooks.Endpoints, 1)
	assert.Equal(t, []string{"job_status_changed"}, cfg.Webhooks.Endpoints[0].Events)
	// untouched sections keep defaults
	assert.Equal(t, 3, cfg.Ingest.AckAttempts)
	require.NoError(t, cfg.Validate())
}

func TestLoad_JSON(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.json", `{"server":{"port":7070},"queue":{"max_retries":4}}`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Queue.MaxRetries)
}

func TestLoad_TOML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.toml", "[server]\nport = 8181\n\n[database]\npath = \"/var/lib/spool.db\"\n")
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "/var/lib/spool.db", cfg.Database.Path)
}

func TestLoad_Errors(t *testing.T) {
	d := t.TempDir()

	_, err := Load(writeTempFile(t, d, "cfg.txt", "nope"))
	assert.Error(t, err)

	_, err = Load(writeTempFile(t, d, "bad.yaml", "server: [\n"))
	assert.Error(t, err)

	_, err = Load(writeTempFile(t, d, "bad.json", `{"server":`))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("BOOTHSPOOL_PORT", "9999")
	t.Setenv("BOOTHSPOOL_POOL", "a, b ,,c")
	t.Setenv("BOOTHSPOOL_SESSION_ID", "evt-9")

	cfg := LoadFromEnv()
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Registry.Pool)
	assert.Equal(t, "evt-9", cfg.Ingest.SessionID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"db path", func(c *Config) { c.Database.Path = "" }},
		{"pool size", func(c *Config) { c.Registry.Pool = []string{"a", "b", "c", "d", "e"} }},
		{"max finished", func(c *Config) { c.Queue.MaxFinished = 0 }},
		{"health interval", func(c *Config) { c.Health.Interval = 0 }},
		{"bulk threshold", func(c *Config) { c.Ingest.BulkThreshold = 0 }},
		{"ack attempts", func(c *Config) { c.Ingest.AckAttempts = 0 }},
		{"webhook url", func(c *Config) { c.Webhooks.Endpoints = []WebhookEndpoint{{}} }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
