package config

import "time"

// Config holds all configuration for the offline core
type Config struct {
	Remote   RemoteConfig  `json:"remote"`
	Sync     SyncConfig    `json:"sync"`
	Session  SessionConfig `json:"session"`
	Store    StoreConfig   `json:"store"`
	HTTPAddr string        `json:"httpAddr"` // operator surface bind address
	LogLevel string        `json:"logLevel"`
	DevMode  bool          `json:"devMode"` // pretty console logging, relaxed timeouts
}

// RemoteConfig describes the remote authority the sync engine pushes to
type RemoteConfig struct {
	BaseURL      string        `json:"baseUrl"`
	Timeout      time.Duration `json:"timeout"`      // per-call timeout for pushes and auth
	ProbeTimeout time.Duration `json:"probeTimeout"` // link quality probe timeout
}

// SyncConfig tunes the sync engine scheduler and retry policy
type SyncConfig struct {
	Interval          time.Duration `json:"interval"`          // periodic sweep cadence
	MaxRetries        int           `json:"maxRetries"`        // attempts beyond the first before an item stalls
	HighPriorityDelay time.Duration `json:"highPriorityDelay"` // debounce before an out-of-band push
	PoorBackoff       int           `json:"poorBackoff"`       // cadence multiplier while the link is poor
}

// SessionConfig holds the recovery policy constants.
// The windows are product policy, not invariants, so they stay configurable.
type SessionConfig struct {
	FreshnessWindow time.Duration `json:"freshnessWindow"` // legacy token/user pair acceptance window
	ActiveWindow    time.Duration `json:"activeWindow"`    // persistent session snapshot acceptance window
}

// StoreConfig locates the embedded record database. An empty Path means
// the per-user default location.
type StoreConfig struct {
	Path string `json:"path"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return ErrMissingRemoteBaseURL
	}
	if c.Sync.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if c.Sync.Interval <= 0 {
		return ErrInvalidSyncInterval
	}
	if c.Session.FreshnessWindow <= 0 || c.Session.ActiveWindow <= 0 {
		return ErrInvalidSessionWindow
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			Timeout:      30 * time.Second,
			ProbeTimeout: 5 * time.Second,
		},
		Sync: SyncConfig{
			Interval:          2 * time.Minute,
			MaxRetries:        3,
			HighPriorityDelay: 2 * time.Second,
			PoorBackoff:       3,
		},
		Session: SessionConfig{
			FreshnessWindow: 24 * time.Hour,
			ActiveWindow:    7 * 24 * time.Hour,
		},
		Store: StoreConfig{},
		HTTPAddr: "127.0.0.1:8732",
		LogLevel: "info",
		DevMode:  false,
	}
}
