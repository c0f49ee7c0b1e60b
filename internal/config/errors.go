package config

import "errors"

var (
	// ErrMissingRemoteBaseURL indicates that the remote API base URL is not configured
	ErrMissingRemoteBaseURL = errors.New("remote.baseUrl is required in configuration")

	// ErrInvalidMaxRetries indicates a negative retry budget
	ErrInvalidMaxRetries = errors.New("sync.maxRetries must be zero or positive")

	// ErrInvalidSyncInterval indicates a non-positive periodic sweep interval
	ErrInvalidSyncInterval = errors.New("sync.interval must be positive")

	// ErrInvalidSessionWindow indicates a non-positive session acceptance window
	ErrInvalidSessionWindow = errors.New("session windows must be positive")
)
