package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, `
upstream:
  primary_host: apply.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "redis", cfg.Coordinator.Backend)
	require.Equal(t, "localhost:6379", cfg.Coordinator.Redis.Addr)
	require.Equal(t, "https", cfg.Upstream.Scheme)
	require.Equal(t, 15*time.Second, cfg.UpstreamTimeout())
	require.Equal(t, float64(10), cfg.RateLimit.CandidateRPS)
	require.Equal(t, 50, cfg.RateLimit.CandidateBurst)
	require.Equal(t, float64(200), cfg.RateLimit.GlobalRPS)
	require.Equal(t, 500, cfg.RateLimit.GlobalBurst)
	require.Equal(t, 168*time.Hour, cfg.SessionTTL())
}

func TestLoadRequiresUpstreamHost(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "primary_host")
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
coordinator:
  backend: memory
upstream:
  primary_host: apply.example.com
  eu_host: apply-eu.example.com
  timeout_seconds: 10
ratelimit:
  candidate_rps: 5
  candidate_burst: 20
worker:
  poll_interval_ms: 250
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Coordinator.Backend)
	require.Equal(t, "apply-eu.example.com", cfg.Upstream.EUHost)
	require.Equal(t, 10*time.Second, cfg.UpstreamTimeout())
	require.Equal(t, float64(5), cfg.RateLimit.CandidateRPS)
	require.Equal(t, 20, cfg.RateLimit.CandidateBurst)
	require.Equal(t, 250, cfg.Worker.PollIntervalMs)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Server:      ServerConfig{Port: 8080},
			Coordinator: CoordinatorConfig{Backend: "memory"},
			Upstream:    UpstreamConfig{PrimaryHost: "apply.example.com", TimeoutSeconds: 15},
			RateLimit:   RateLimitConfig{WindowMs: 1000},
			Worker:      WorkerConfig{PollDelayMinMs: 2000, PollDelayMaxMs: 3500},
		}
	}

	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown backend", func(c *Config) { c.Coordinator.Backend = "etcd" }},
		{"redis without addr", func(c *Config) {
			c.Coordinator.Backend = "redis"
			c.Coordinator.Redis.Addr = ""
		}},
		{"no upstream host", func(c *Config) { c.Upstream.PrimaryHost = "" }},
		{"bad timeout", func(c *Config) { c.Upstream.TimeoutSeconds = 0 }},
		{"bad window", func(c *Config) { c.RateLimit.WindowMs = 0 }},
		{"inverted poll delays", func(c *Config) {
			c.Worker.PollDelayMinMs = 3000
			c.Worker.PollDelayMaxMs = 2000
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("APPLYFLEET_SERVER_PORT", "7070")

	path := writeConfigFile(t, `
upstream:
  primary_host: apply.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}
