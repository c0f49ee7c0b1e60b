package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv returns the default configuration with environment overrides applied.
// Validation is deferred so the caller can apply flag overrides first.
func FromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("REMOTE_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if d, ok := envDuration("REMOTE_TIMEOUT"); ok {
		cfg.Remote.Timeout = d
	}
	if d, ok := envDuration("SYNC_INTERVAL"); ok {
		cfg.Sync.Interval = d
	}
	if n, ok := envInt("SYNC_MAX_RETRIES"); ok {
		cfg.Sync.MaxRetries = n
	}
	if d, ok := envDuration("SESSION_FRESHNESS_WINDOW"); ok {
		cfg.Session.FreshnessWindow = d
	}
	if d, ok := envDuration("SESSION_ACTIVE_WINDOW"); ok {
		cfg.Session.ActiveWindow = d
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ENV"); v == "dev" {
		cfg.DevMode = true
	}

	return cfg
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
