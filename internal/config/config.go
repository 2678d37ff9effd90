// Package config loads the scheduler configuration from a YAML or JSON
// file, layers environment overrides on top, and watches the file for
// hot-reloadable changes.
package config

import (
	"fmt"
	"strings"
	"time"

	"agentsched/pkg/logx"
)

// Config is the root configuration document. Durations are strings in
// Go time.ParseDuration syntax ("30s", "5m").
type Config struct {
	Log       LogConfig       `json:"log"`
	Database  DatabaseConfig  `json:"database"`
	LockStore LockStoreConfig `json:"lock_store"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Events    EventsConfig    `json:"events"`
	Control   ControlConfig   `json:"control"`
	Executors ExecutorsConfig `json:"executors"`
}

type LogConfig struct {
	Level string        `json:"level"`
	File  LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type DatabaseConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type LockStoreConfig struct {
	// Driver selects the lock store backend: "redis" or "memory".
	Driver string `json:"driver"`
	// URL is the redis connection string (redis://host:port/db or host:port).
	URL string `json:"url"`
	// TTL is the lock lease duration.
	TTL string `json:"ttl"`
	// AutoRenew keeps long executions covered by renewing the lease.
	AutoRenew bool `json:"auto_renew"`
}

type SchedulerConfig struct {
	InstanceID      string `json:"instance_id"`
	DefaultTimezone string `json:"default_timezone"`
	ReloadInterval  string `json:"reload_interval"`
	ExecutorTimeout string `json:"executor_timeout"`
}

type EventsConfig struct {
	Publish bool   `json:"publish"`
	Channel string `json:"channel"`
}

type ControlConfig struct {
	Host          string  `json:"host"`
	Port          int     `json:"port"`
	RatePerSecond float64 `json:"rate_per_second"`
}

type ExecutorsConfig struct {
	AgentAPIURL    string `json:"agent_api_url"`
	WorkflowAPIURL string `json:"workflow_api_url"`
	ActivityAPIURL string `json:"activity_api_url"`
}

// Default returns the baseline configuration a bare deployment runs
// with before file and environment overrides.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Path:        "data/scheduler.db",
			BusyTimeout: "5s",
		},
		LockStore: LockStoreConfig{
			Driver:    "redis",
			URL:       "localhost:6379",
			TTL:       "5m",
			AutoRenew: true,
		},
		Scheduler: SchedulerConfig{
			DefaultTimezone: "UTC",
			ReloadInterval:  "5m",
			ExecutorTimeout: "5m",
		},
		Events: EventsConfig{Publish: true},
		Control: ControlConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// Validate rejects configs that cannot produce a working service.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LockStore.Driver)) {
	case "", "redis", "memory":
	default:
		return fmt.Errorf("lock_store.driver: unknown driver %q", c.LockStore.Driver)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path: must not be empty")
	}
	if c.Control.Port < 0 || c.Control.Port > 65535 {
		return fmt.Errorf("control.port: %d out of range", c.Control.Port)
	}
	if c.Scheduler.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.DefaultTimezone); err != nil {
			return fmt.Errorf("scheduler.default_timezone: %w", err)
		}
	}
	for path, raw := range map[string]string{
		"database.busy_timeout":      c.Database.BusyTimeout,
		"lock_store.ttl":             c.LockStore.TTL,
		"scheduler.reload_interval":  c.Scheduler.ReloadInterval,
		"scheduler.executor_timeout": c.Scheduler.ExecutorTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}

// LogxConfig maps the log section onto the logging service's config.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Log.Level,
		Console: true,
		File: logx.FileConfig{
			Enabled: c.Log.File.Enabled,
			Path:    c.Log.File.Path,
		},
	}
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Duration resolves a duration field at use time, falling back to def
// when the field is empty or malformed. Validate has already surfaced
// malformed values at load; this keeps accessors total.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
