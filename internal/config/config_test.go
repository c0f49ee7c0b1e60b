package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidateWithBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrMissingRemoteBaseURL)

	cfg.Remote.BaseURL = "https://api.example.com"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Session.FreshnessWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.Session.ActiveWindow)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Remote.BaseURL = "https://api.example.com"
		return cfg
	}

	cfg := base()
	cfg.Sync.MaxRetries = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidMaxRetries)

	cfg = base()
	cfg.Sync.Interval = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidSyncInterval)

	cfg = base()
	cfg.Session.ActiveWindow = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidSessionWindow)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("REMOTE_BASE_URL", "https://api.example.com")
	t.Setenv("SYNC_INTERVAL", "30s")
	t.Setenv("SYNC_MAX_RETRIES", "5")
	t.Setenv("SESSION_FRESHNESS_WINDOW", "12h")
	t.Setenv("DB_PATH", "/tmp/test.db")
	t.Setenv("HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("ENV", "dev")

	cfg := FromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://api.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 12*time.Hour, cfg.Session.FreshnessWindow)
	assert.Equal(t, "/tmp/test.db", cfg.Store.Path)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	assert.True(t, cfg.DevMode)
}

func TestFromEnvIgnoresMalformed(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "not-a-duration")
	t.Setenv("SYNC_MAX_RETRIES", "many")

	cfg := FromEnv()
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
}
