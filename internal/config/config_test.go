package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

var configEnvVars = []string{
	"BROWSER_ENDPOINT_URL", "AGENT_NAME", "HEARTBEAT_INTERVAL", "POLL_INTERVAL",
	"RECONNECT_DELAY", "SEND_TIMEOUT", "COMMAND_TIMEOUT", "SELECTOR_CAP", "PAYLOAD_CAP",
	"QUEUE_DEPTH", "BROWSER_DRIVER", "CHROME_REMOTE_URL", "CHROME_HEADLESS", "CHROME_EXEC_PATH",
	"BROWSER_VERSION_CONSTRAINT", "HTTP_PORT", "RELAY_HTTP_ADDR", "RELAY_RESULT_RETENTION",
	"RELAY_LIVENESS_WINDOW", "DATABASE_URL", "RUN_MIGRATIONS", "MIGRATION_PATH", "COMMS_URL",
	"SERVICE_NAME", "RESULT_EVENT_SUBJECT", "HEALTH_CHECK_TIMEOUT", "LOG_LEVEL",
}

// clearEnv unsets every variable LoadConfig reads and restores them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range configEnvVars {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.EndpointURL != "ws://127.0.0.1:9999/ws" {
		t.Errorf("config:config_test - EndpointURL = %q, want ws://127.0.0.1:9999/ws", cfg.EndpointURL)
	}
	if cfg.AgentName != "browser-agent" {
		t.Errorf("config:config_test - AgentName = %q, want browser-agent", cfg.AgentName)
	}
	if cfg.HeartbeatInterval != 30*time.Second || cfg.PollInterval != time.Second ||
		cfg.ReconnectDelay != 5*time.Second || cfg.SendTimeout != 10*time.Second {
		t.Errorf("config:config_test - unexpected transport timings %+v", cfg)
	}
	if cfg.CommandTimeout != 30*time.Second {
		t.Errorf("config:config_test - CommandTimeout = %v, want 30s", cfg.CommandTimeout)
	}
	if cfg.SelectorCap != 50 || cfg.PayloadCap != 100000 || cfg.QueueDepth != 64 {
		t.Errorf("config:config_test - caps = %d/%d/%d, want 50/100000/64", cfg.SelectorCap, cfg.PayloadCap, cfg.QueueDepth)
	}
	if cfg.Driver != DriverChrome || !cfg.ChromeHeadless || cfg.ChromeRemoteURL != "" {
		t.Errorf("config:config_test - unexpected browser defaults %q headless=%v remote=%q", cfg.Driver, cfg.ChromeHeadless, cfg.ChromeRemoteURL)
	}
	if cfg.VersionConstraint != ">= 100.0.0" {
		t.Errorf("config:config_test - VersionConstraint = %q", cfg.VersionConstraint)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("config:config_test - HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.RelayHTTPAddr != ":9999" || cfg.ResultRetention != 100 || cfg.LivenessWindow != 30*time.Second {
		t.Errorf("config:config_test - unexpected relay defaults %q/%d/%v", cfg.RelayHTTPAddr, cfg.ResultRetention, cfg.LivenessWindow)
	}
	if cfg.DatabaseURL != "" || cfg.RunMigrations || cfg.MigrationPath != "" {
		t.Error("config:config_test - database must be disabled by default")
	}
	if cfg.COMMSURL != "" || cfg.ResultEventSubject != "browser.results" {
		t.Errorf("config:config_test - COMMSURL = %q subject = %q", cfg.COMMSURL, cfg.ResultEventSubject)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("config:config_test - LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.ValidateForAgent(); err != nil {
		t.Errorf("config:config_test - defaults should validate for agent: %v", err)
	}
	if err := cfg.ValidateForRelay(); err != nil {
		t.Errorf("config:config_test - defaults should validate for relay: %v", err)
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	overrides := map[string]string{
		"BROWSER_ENDPOINT_URL":   "https://relay.example:8443",
		"AGENT_NAME":             "agent-7",
		"POLL_INTERVAL":          "250ms",
		"COMMAND_TIMEOUT":        "5s",
		"BROWSER_DRIVER":         "memory",
		"CHROME_HEADLESS":        "false",
		"RELAY_RESULT_RETENTION": "10",
		"DATABASE_URL":           "postgres://test@localhost/test",
		"RUN_MIGRATIONS":         "true",
		"COMMS_URL":              "nats://custom:4222",
		"RESULT_EVENT_SUBJECT":   "agents.done",
		"LOG_LEVEL":              "debug",
	}
	for key, val := range overrides {
		t.Setenv(key, val)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.EndpointURL != "https://relay.example:8443" || cfg.AgentName != "agent-7" {
		t.Errorf("config:config_test - endpoint/name = %q/%q", cfg.EndpointURL, cfg.AgentName)
	}
	if cfg.PollInterval != 250*time.Millisecond || cfg.CommandTimeout != 5*time.Second {
		t.Errorf("config:config_test - PollInterval = %v CommandTimeout = %v", cfg.PollInterval, cfg.CommandTimeout)
	}
	if cfg.Driver != DriverMemory || cfg.ChromeHeadless {
		t.Errorf("config:config_test - Driver = %q headless = %v", cfg.Driver, cfg.ChromeHeadless)
	}
	if cfg.ResultRetention != 10 || !cfg.RunMigrations {
		t.Errorf("config:config_test - retention = %d migrations = %v", cfg.ResultRetention, cfg.RunMigrations)
	}
	if cfg.COMMSURL != "nats://custom:4222" || cfg.ResultEventSubject != "agents.done" {
		t.Errorf("config:config_test - COMMSURL = %q subject = %q", cfg.COMMSURL, cfg.ResultEventSubject)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("config:config_test - SlogLevel = %v, want debug", cfg.SlogLevel())
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("POLL_INTERVAL", "soon")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("config:config_test - expected error for invalid duration")
	}
}

func validConfig() Config {
	return Config{
		EndpointURL:        "ws://127.0.0.1:9999/ws",
		AgentName:          "browser-agent",
		HeartbeatInterval:  30 * time.Second,
		PollInterval:       time.Second,
		ReconnectDelay:     5 * time.Second,
		SendTimeout:        10 * time.Second,
		CommandTimeout:     30 * time.Second,
		SelectorCap:        50,
		PayloadCap:         100000,
		QueueDepth:         64,
		Driver:             DriverChrome,
		HTTPPort:           8080,
		RelayHTTPAddr:      ":9999",
		ResultRetention:    100,
		LivenessWindow:     30 * time.Second,
		ResultEventSubject: "browser.results",
		HealthCheckTimeout: 5 * time.Second,
	}
}

func TestValidateForAgent(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid push", func(*Config) {}, false},
		{"valid poll", func(c *Config) { c.EndpointURL = "http://relay:9999" }, false},
		{"valid nats", func(c *Config) { c.EndpointURL = "nats://127.0.0.1:4222" }, false},
		{"bad scheme", func(c *Config) { c.EndpointURL = "ftp://relay" }, true},
		{"no host", func(c *Config) { c.EndpointURL = "not a url" }, true},
		{"empty name", func(c *Config) { c.AgentName = " " }, true},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, true},
		{"negative timeout", func(c *Config) { c.CommandTimeout = -time.Second }, true},
		{"zero queue", func(c *Config) { c.QueueDepth = 0 }, true},
		{"unknown driver", func(c *Config) { c.Driver = "firefox" }, true},
		{"memory driver", func(c *Config) { c.Driver = DriverMemory }, false},
		{"port out of range", func(c *Config) { c.HTTPPort = 70000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.ValidateForAgent()
			if (err != nil) != tt.wantErr {
				t.Errorf("config:config_test - ValidateForAgent() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateForRelay(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"empty addr", func(c *Config) { c.RelayHTTPAddr = "" }, true},
		{"zero retention", func(c *Config) { c.ResultRetention = 0 }, true},
		{"zero liveness", func(c *Config) { c.LivenessWindow = 0 }, true},
		{"migrations without db", func(c *Config) { c.RunMigrations = true }, true},
		{"migrations with db", func(c *Config) { c.RunMigrations = true; c.DatabaseURL = "postgres://x/y" }, false},
		{"comms without subject", func(c *Config) { c.COMMSURL = "nats://x:4222"; c.ResultEventSubject = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.ValidateForRelay()
			if (err != nil) != tt.wantErr {
				t.Errorf("config:config_test - ValidateForRelay() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateForDB(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateForDB(); err == nil {
		t.Error("config:config_test - expected error for empty DATABASE_URL")
	}
	cfg.DatabaseURL = "postgres://localhost/relay"
	if err := cfg.ValidateForDB(); err != nil {
		t.Errorf("config:config_test - unexpected error: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("config:config_test - SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
