// Package config loads the client configuration from a YAML file,
// falling back to defaults when no file exists.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/chainmail-im/chainmail/internal/transport"
)

// Config holds the client process configuration.
type Config struct {
	// VaultPath is the SQLite database file holding all encrypted state.
	VaultPath string `yaml:"vault_path"`

	// LogLevel is a zerolog level name (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// NATS configuration for the network transport.
	NATS transport.NATSConfig `yaml:"nats"`
}

// LoadConfig loads configuration from a YAML file. A missing file is not
// an error; defaults are used.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		VaultPath: filepath.Join(home, ".chainmail", "vault.db"),
		LogLevel:  "info",
		NATS: transport.NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			ReconnectWaitMS: 2000,
			MaxReconnects:   -1, // Unlimited
			LookupTimeoutMS: 5000,
		},
	}
}
