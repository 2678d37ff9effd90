package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file into the process environment when one
// exists next to the working directory. Missing files are not an error;
// existing environment variables win over .env entries.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// ApplyEnv layers environment variable overrides onto cfg. Variables
// take precedence over both defaults and the config file so container
// deployments can run without one.
func ApplyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				*dst = f
			}
		}
	}

	setStr("LOG_LEVEL", &cfg.Log.Level)
	setStr("SCHEDULER_DB_PATH", &cfg.Database.Path)

	setStr("LOCKSTORE_DRIVER", &cfg.LockStore.Driver)
	setStr("REDIS_URL", &cfg.LockStore.URL)
	setStr("LOCK_TTL", &cfg.LockStore.TTL)
	setBool("LOCK_AUTO_RENEW", &cfg.LockStore.AutoRenew)

	setStr("SCHEDULER_INSTANCE_ID", &cfg.Scheduler.InstanceID)
	setStr("DEFAULT_TIMEZONE", &cfg.Scheduler.DefaultTimezone)
	setStr("RELOAD_INTERVAL", &cfg.Scheduler.ReloadInterval)
	setStr("EXECUTOR_TIMEOUT", &cfg.Scheduler.ExecutorTimeout)

	setBool("PUBLISH_EVENTS", &cfg.Events.Publish)
	setStr("EVENT_CHANNEL", &cfg.Events.Channel)

	setStr("HEALTH_HOST", &cfg.Control.Host)
	setInt("HEALTH_PORT", &cfg.Control.Port)
	setFloat("CONTROL_RATE_PER_SECOND", &cfg.Control.RatePerSecond)

	setStr("AGENT_API_URL", &cfg.Executors.AgentAPIURL)
	setStr("WORKFLOW_API_URL", &cfg.Executors.WorkflowAPIURL)
	setStr("ACTIVITY_API_URL", &cfg.Executors.ActivityAPIURL)
}
