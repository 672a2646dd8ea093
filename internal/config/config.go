// Package config provides agent and relay configuration loaded from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Browser drivers selectable with BROWSER_DRIVER.
const (
	DriverChrome = "chrome"
	DriverMemory = "memory"
)

// Config holds browser-agent and browser-relay configuration.
type Config struct {
	// Agent transport. The URL scheme picks the mode: ws/wss push, http/https poll, nats/tls NATS.
	EndpointURL       string        `envconfig:"BROWSER_ENDPOINT_URL" default:"ws://127.0.0.1:9999/ws"`
	AgentName         string        `envconfig:"AGENT_NAME" default:"browser-agent"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	ReconnectDelay    time.Duration `envconfig:"RECONNECT_DELAY" default:"5s"`
	SendTimeout       time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`

	// Command execution
	CommandTimeout time.Duration `envconfig:"COMMAND_TIMEOUT" default:"30s"`
	SelectorCap    int           `envconfig:"SELECTOR_CAP" default:"50"`
	PayloadCap     int           `envconfig:"PAYLOAD_CAP" default:"100000"`
	QueueDepth     int           `envconfig:"QUEUE_DEPTH" default:"64"`

	// Browser
	Driver            string `envconfig:"BROWSER_DRIVER" default:"chrome"`
	ChromeRemoteURL   string `envconfig:"CHROME_REMOTE_URL"`
	ChromeHeadless    bool   `envconfig:"CHROME_HEADLESS" default:"true"`
	ChromeExecPath    string `envconfig:"CHROME_EXEC_PATH"`
	VersionConstraint string `envconfig:"BROWSER_VERSION_CONSTRAINT" default:">= 100.0.0"`

	// Agent health/metrics endpoint
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Relay
	RelayHTTPAddr   string        `envconfig:"RELAY_HTTP_ADDR" default:":9999"`
	ResultRetention int           `envconfig:"RELAY_RESULT_RETENTION" default:"100"`
	LivenessWindow  time.Duration `envconfig:"RELAY_LIVENESS_WINDOW" default:"30s"`

	// Database (optional; empty keeps relay results in memory)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	// MigrationPath overrides the embedded migrations when set.
	MigrationPath string `envconfig:"MIGRATION_PATH"`

	// COMMS: result events are published to NATS at COMMSURL when set.
	COMMSURL           string `envconfig:"COMMS_URL"`
	COMMSName          string `envconfig:"SERVICE_NAME" default:"browser-relay"`
	ResultEventSubject string `envconfig:"RESULT_EVENT_SUBJECT" default:"browser.results"`

	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForAgent checks config required to run browser-agent.
func (c *Config) ValidateForAgent() error {
	u, err := url.Parse(c.EndpointURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s - BROWSER_ENDPOINT_URL %q is not a valid URL", logPrefix, c.EndpointURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https", "nats", "tls":
	default:
		return fmt.Errorf("%s - BROWSER_ENDPOINT_URL scheme %q is not supported", logPrefix, u.Scheme)
	}
	if strings.TrimSpace(c.AgentName) == "" {
		return fmt.Errorf("%s - AGENT_NAME is required", logPrefix)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"POLL_INTERVAL", c.PollInterval},
		{"RECONNECT_DELAY", c.ReconnectDelay},
		{"SEND_TIMEOUT", c.SendTimeout},
		{"COMMAND_TIMEOUT", c.CommandTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s - %s must be positive", logPrefix, d.name)
		}
	}
	if c.SelectorCap <= 0 || c.PayloadCap <= 0 || c.QueueDepth <= 0 {
		return fmt.Errorf("%s - SELECTOR_CAP, PAYLOAD_CAP and QUEUE_DEPTH must be positive", logPrefix)
	}
	switch c.Driver {
	case DriverChrome, DriverMemory:
	default:
		return fmt.Errorf("%s - BROWSER_DRIVER must be %q or %q, got %q", logPrefix, DriverChrome, DriverMemory, c.Driver)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%s - HTTP_PORT %d out of range", logPrefix, c.HTTPPort)
	}
	return nil
}

// ValidateForRelay checks config required to run browser-relay.
func (c *Config) ValidateForRelay() error {
	if strings.TrimSpace(c.RelayHTTPAddr) == "" {
		return fmt.Errorf("%s - RELAY_HTTP_ADDR is required", logPrefix)
	}
	if c.ResultRetention <= 0 {
		return fmt.Errorf("%s - RELAY_RESULT_RETENTION must be positive", logPrefix)
	}
	if c.LivenessWindow <= 0 {
		return fmt.Errorf("%s - RELAY_LIVENESS_WINDOW must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.RunMigrations && c.DatabaseURL == "" {
		return fmt.Errorf("%s - RUN_MIGRATIONS requires DATABASE_URL", logPrefix)
	}
	if c.COMMSURL != "" && strings.TrimSpace(c.ResultEventSubject) == "" {
		return fmt.Errorf("%s - RESULT_EVENT_SUBJECT is required when COMMS_URL is set", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
