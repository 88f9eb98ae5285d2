// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Session     SessionConfig     `mapstructure:"session"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CoordinatorConfig selects and addresses the shared coordination store.
type CoordinatorConfig struct {
	// Backend is "redis" for fleet deployments or "memory" for a single
	// standalone instance.
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig addresses the coordination store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// UpstreamConfig routes and bounds upstream connectivity.
type UpstreamConfig struct {
	Scheme              string `mapstructure:"scheme"`
	PrimaryHost         string `mapstructure:"primary_host"`
	EUHost              string `mapstructure:"eu_host"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	MaxIdleConns        int    `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int    `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeoutSec  int    `mapstructure:"idle_conn_timeout_seconds"`
}

// RateLimitConfig holds the fleet budgets.
type RateLimitConfig struct {
	CandidateRPS   float64 `mapstructure:"candidate_rps"`
	CandidateBurst int     `mapstructure:"candidate_burst"`
	GlobalRPS      float64 `mapstructure:"global_rps"`
	GlobalBurst    int     `mapstructure:"global_burst"`
	WindowMs       int     `mapstructure:"window_ms"`
	IdleTTLSeconds int     `mapstructure:"idle_ttl_seconds"`
	FallbackRPS    float64 `mapstructure:"fallback_rps"`
	FallbackBurst  int     `mapstructure:"fallback_burst"`
}

// WorkerConfig controls the consumer loop and state-machine cadence.
type WorkerConfig struct {
	PollIntervalMs     int `mapstructure:"poll_interval_ms"`
	CreateRetryDelayMs int `mapstructure:"create_retry_delay_ms"`
	PollDelayMinMs     int `mapstructure:"poll_delay_min_ms"`
	PollDelayMaxMs     int `mapstructure:"poll_delay_max_ms"`
}

// SessionConfig governs session lifetimes and the SSE heartbeat.
type SessionConfig struct {
	DefaultTTLHours  int `mapstructure:"default_ttl_hours"`
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APPLYFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("coordinator.backend", "redis")
	v.SetDefault("coordinator.redis.addr", "localhost:6379")
	v.SetDefault("coordinator.redis.db", 0)
	v.SetDefault("upstream.scheme", "https")
	v.SetDefault("upstream.timeout_seconds", 15)
	v.SetDefault("upstream.max_idle_conns", 100)
	v.SetDefault("upstream.max_idle_conns_per_host", 32)
	v.SetDefault("upstream.idle_conn_timeout_seconds", 90)
	v.SetDefault("ratelimit.candidate_rps", 10)
	v.SetDefault("ratelimit.candidate_burst", 50)
	v.SetDefault("ratelimit.global_rps", 200)
	v.SetDefault("ratelimit.global_burst", 500)
	v.SetDefault("ratelimit.window_ms", 1000)
	v.SetDefault("ratelimit.idle_ttl_seconds", 60)
	v.SetDefault("ratelimit.fallback_rps", 50)
	v.SetDefault("ratelimit.fallback_burst", 100)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.create_retry_delay_ms", 5000)
	v.SetDefault("worker.poll_delay_min_ms", 2000)
	v.SetDefault("worker.poll_delay_max_ms", 3500)
	v.SetDefault("session.default_ttl_hours", 168)
	v.SetDefault("session.heartbeat_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Coordinator.Backend {
	case "redis":
		if c.Coordinator.Redis.Addr == "" {
			return fmt.Errorf("coordinator.redis.addr must be set when backend is redis")
		}
	case "memory":
	default:
		return fmt.Errorf("coordinator.backend must be redis or memory")
	}
	if c.Upstream.PrimaryHost == "" {
		return fmt.Errorf("upstream.primary_host must be set")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be > 0")
	}
	if c.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("ratelimit.window_ms must be > 0")
	}
	if c.Worker.PollDelayMaxMs < c.Worker.PollDelayMinMs {
		return fmt.Errorf("worker.poll_delay_max_ms must be >= worker.poll_delay_min_ms")
	}
	return nil
}

// UpstreamTimeout converts the configured upstream budget into a duration.
func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// SessionTTL converts the configured default session lifetime.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.DefaultTTLHours) * time.Hour
}
