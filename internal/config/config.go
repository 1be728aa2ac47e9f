// Package config loads orchestrator settings. Precedence is defaults,
// then the optional qgjob.yaml file, then environment variables, then
// validation. The result is immutable after Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment selects the deployment profile.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds all orchestrator settings.
type Config struct {
	// Host and Port form the HTTP listen address.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Debug enables verbose logging regardless of environment.
	Debug bool `yaml:"debug"`

	// Environment is "development" or "production". Development defaults
	// to the in-memory store; production defaults to Redis.
	Environment string `yaml:"environment"`

	// UseRedis enables the remote key-value backend.
	UseRedis bool   `yaml:"use_redis"`
	RedisURL string `yaml:"redis_url"`

	// UseSQLite enables the persistent local backend. Ignored when
	// UseRedis is set.
	UseSQLite  bool   `yaml:"use_sqlite"`
	SQLitePath string `yaml:"sqlite_path"`

	// MaxRetries is the retry cap stamped on new jobs.
	MaxRetries int `yaml:"max_retries"`

	// WorkerTimeoutSeconds is how long a worker may go without a
	// heartbeat before the liveness sweep marks it offline.
	WorkerTimeoutSeconds int `yaml:"worker_timeout"`

	// ScheduleIntervalSeconds is the scheduler sweep cadence.
	ScheduleIntervalSeconds int `yaml:"schedule_interval"`

	// RetentionHours is how long terminal jobs are kept after completion.
	RetentionHours int `yaml:"retention_hours"`

	// CleanupSchedule is the cron expression for the retention sweep.
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

// Default returns the development-profile defaults.
func Default() *Config {
	return &Config{
		Host:                    "0.0.0.0",
		Port:                    5000,
		Environment:             EnvDevelopment,
		RedisURL:                "redis://localhost:6379/0",
		SQLitePath:              "qgjob.db",
		MaxRetries:              3,
		WorkerTimeoutSeconds:    300,
		ScheduleIntervalSeconds: 5,
		RetentionHours:          24,
		CleanupSchedule:         "@hourly",
	}
}

// Load builds the configuration. path names an optional yaml file; a
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	redisPinned := false
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
			// A plain bool cannot tell "absent" from "false", and an
			// explicit use_redis in the file must survive the backend
			// default below.
			var pin struct {
				UseRedis *bool `yaml:"use_redis"`
			}
			if err := yaml.Unmarshal(data, &pin); err == nil && pin.UseRedis != nil {
				redisPinned = true
			}
		}
	}

	// The effective environment decides the default backend: production
	// means Redis unless the file pinned use_redis. USE_REDIS still wins
	// over either in the override pass.
	envString("ENVIRONMENT", &cfg.Environment)
	if !redisPinned {
		cfg.UseRedis = cfg.Environment == EnvProduction
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envString("HOST", &cfg.Host)
	envInt("PORT", &cfg.Port)
	envBool("DEBUG", &cfg.Debug)
	envBool("USE_REDIS", &cfg.UseRedis)
	envString("REDIS_URL", &cfg.RedisURL)
	envBool("USE_SQLITE", &cfg.UseSQLite)
	envString("SQLITE_PATH", &cfg.SQLitePath)
	envInt("MAX_RETRIES", &cfg.MaxRetries)
	envInt("WORKER_TIMEOUT", &cfg.WorkerTimeoutSeconds)
	envInt("SCHEDULE_INTERVAL", &cfg.ScheduleIntervalSeconds)
	envInt("RETENTION_HOURS", &cfg.RetentionHours)
	envString("CLEANUP_SCHEDULE", &cfg.CleanupSchedule)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate checks invariants that would otherwise surface as runtime
// misbehavior.
func (c *Config) Validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("invalid environment: %q", c.Environment)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative: %d", c.MaxRetries)
	}
	if c.WorkerTimeoutSeconds <= 0 {
		return fmt.Errorf("worker_timeout must be positive: %d", c.WorkerTimeoutSeconds)
	}
	if c.ScheduleIntervalSeconds <= 0 {
		return fmt.Errorf("schedule_interval must be positive: %d", c.ScheduleIntervalSeconds)
	}
	if c.RetentionHours <= 0 {
		return fmt.Errorf("retention_hours must be positive: %d", c.RetentionHours)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerTimeout returns the heartbeat expiry window.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutSeconds) * time.Second
}

// ScheduleInterval returns the sweep cadence.
func (c *Config) ScheduleInterval() time.Duration {
	return time.Duration(c.ScheduleIntervalSeconds) * time.Second
}

// Retention returns the terminal-job retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}
