// Package config resolves client configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

const (
	// DefaultAPIAddr is the Snappy backend used when nothing else is set.
	DefaultAPIAddr = "https://api.snappy.do"

	// DefaultRequestTimeout bounds every outbound request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultSessionWindow is the sliding session expiry extended on
	// every successful authenticated response.
	DefaultSessionWindow = 30 * time.Minute

	// DefaultStaleAfter is how long a cache entry stays fresh before a
	// background refetch is permitted.
	DefaultStaleAfter = 30 * time.Second
)

// Config holds resolved client settings.
type Config struct {
	APIAddr        string
	ConfigDir      string
	RequestTimeout time.Duration
	SessionWindow  time.Duration
	StaleAfter     time.Duration
}

// Load resolves configuration: a .env file in the working directory
// (if present), then environment variables, then defaults.
func Load() (*Config, error) {
	// Missing .env is fine; explicit env vars win either way.
	_ = godotenv.Load()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := os.Getenv("SNAPPY_CONFIG_DIR")
	if configDir == "" {
		configDir = filepath.Join(homeDir, ".config", "snappy")
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	apiAddr := os.Getenv("SNAPPY_API")
	if apiAddr == "" {
		apiAddr = DefaultAPIAddr
	}

	return &Config{
		APIAddr:        apiAddr,
		ConfigDir:      configDir,
		RequestTimeout: DefaultRequestTimeout,
		SessionWindow:  DefaultSessionWindow,
		StaleAfter:     DefaultStaleAfter,
	}, nil
}

// CredentialsPath returns the path of the persisted credentials file.
func (c *Config) CredentialsPath() string {
	return filepath.Join(c.ConfigDir, "credentials.json")
}

// SnapshotDBPath returns the path of the offline snapshot database.
func (c *Config) SnapshotDBPath() string {
	return filepath.Join(c.ConfigDir, "snapshot.db")
}
