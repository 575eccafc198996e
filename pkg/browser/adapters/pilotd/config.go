// Package pilotd adapts the pilotd headless-browser daemon to the browser
// runtime port. Each session gets its own daemon process reached over a unix
// socket carrying length-prefixed JSON frames.
package pilotd

import (
	"errors"
	"strings"
	"time"
)

// Config controls how the adapter launches pilotd.
type Config struct {
	PilotdPath       string
	SocketDir        string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	MaxReconnects    int
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		PilotdPath:       "pilotd",
		ConnectTimeout:   5 * time.Second,
		OperationTimeout: 30 * time.Second,
		MaxReconnects:    3,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.PilotdPath) != "" {
		defaults.PilotdPath = c.PilotdPath
	}
	if strings.TrimSpace(c.SocketDir) != "" {
		defaults.SocketDir = c.SocketDir
	}
	if c.ConnectTimeout != 0 {
		defaults.ConnectTimeout = c.ConnectTimeout
	}
	if c.OperationTimeout != 0 {
		defaults.OperationTimeout = c.OperationTimeout
	}
	if c.MaxReconnects >= 0 {
		defaults.MaxReconnects = c.MaxReconnects
	}
	return defaults
}

// Validate checks whether the config is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.PilotdPath) == "" {
		return errors.New("pilotd_path is required")
	}
	if c.ConnectTimeout < 0 {
		return errors.New("connect_timeout must be zero or positive")
	}
	return nil
}
