// Package config loads webpilot configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all tunables for the webpilot server.
type Config struct {
	// BindAddress is the host:port the HTTP/WebSocket server listens on.
	BindAddress string

	// AllowedOrigins lists origins accepted for agent WebSocket upgrades.
	AllowedOrigins []string

	// SessionTimeout is how long a session may sit without activity before
	// the sweep marks it expired.
	SessionTimeout time.Duration

	// SweepInterval is how often the registry scans for expired sessions.
	SweepInterval time.Duration

	// MaxSessions caps concurrently live sessions.
	MaxSessions int

	// CommandTimeout is the default per-command timeout when the caller
	// does not supply one.
	CommandTimeout time.Duration

	// QueueDepth caps queued commands per session; further submissions
	// are rejected.
	QueueDepth int

	// HeartbeatInterval is how often liveness probes are sent on each
	// agent connection.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a connection may go without a liveness
	// response before it is force-closed.
	HeartbeatTimeout time.Duration

	// DBPath is the SQLite path for the command audit log. Empty disables
	// audit persistence.
	DBPath string

	// PilotdBin is the path to the pilotd headless-browser daemon binary.
	// Empty disables the local execution backend.
	PilotdBin string

	// PilotdSocketDir is where per-session pilotd control sockets live.
	PilotdSocketDir string

	// TracingEnabled turns on the OpenTelemetry stdout trace exporter.
	TracingEnabled bool
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		BindAddress:       "127.0.0.1:4499",
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		SessionTimeout:    30 * time.Minute,
		SweepInterval:     time.Minute,
		MaxSessions:       100,
		CommandTimeout:    30 * time.Second,
		QueueDepth:        8,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		PilotdSocketDir:   os.TempDir(),
	}
}

// FromEnv returns the defaults overridden by WEBPILOT_* environment variables.
func FromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("WEBPILOT_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("WEBPILOT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if err := durationEnv("WEBPILOT_SESSION_TIMEOUT", &cfg.SessionTimeout); err != nil {
		return cfg, err
	}
	if err := durationEnv("WEBPILOT_SWEEP_INTERVAL", &cfg.SweepInterval); err != nil {
		return cfg, err
	}
	if err := intEnv("WEBPILOT_MAX_SESSIONS", &cfg.MaxSessions); err != nil {
		return cfg, err
	}
	if err := durationEnv("WEBPILOT_COMMAND_TIMEOUT", &cfg.CommandTimeout); err != nil {
		return cfg, err
	}
	if err := intEnv("WEBPILOT_QUEUE_DEPTH", &cfg.QueueDepth); err != nil {
		return cfg, err
	}
	if err := durationEnv("WEBPILOT_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval); err != nil {
		return cfg, err
	}
	if err := durationEnv("WEBPILOT_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout); err != nil {
		return cfg, err
	}
	if v := os.Getenv("WEBPILOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WEBPILOT_PILOTD_BIN"); v != "" {
		cfg.PilotdBin = v
	}
	if v := os.Getenv("WEBPILOT_PILOTD_SOCKET_DIR"); v != "" {
		cfg.PilotdSocketDir = v
	}
	if v := os.Getenv("WEBPILOT_TRACING"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("WEBPILOT_TRACING: %w", err)
		}
		cfg.TracingEnabled = enabled
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BindAddress) == "" {
		return fmt.Errorf("bind address cannot be empty")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive, got %s", c.SessionTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive, got %s", c.CommandTimeout)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue depth must be positive, got %d", c.QueueDepth)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %s must be at least the interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	return nil
}

func durationEnv(name string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func intEnv(name string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
