// Package config handles configuration loading from YAML, CLI flags, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Intercept InterceptConfig `yaml:"intercept"`
	Events    EventsConfig    `yaml:"events"`
	Capture   CaptureConfig   `yaml:"capture"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProxyConfig configures the CONNECT proxy and the MITM allow-list.
type ProxyConfig struct {
	Listen string `yaml:"listen"` // e.g., "localhost:3120"

	// InterceptDomains is the fixed allow-list of upstream hostnames that get
	// TLS-terminated and inspected. Entries may use a "*." wildcard prefix
	// for domain-suffix matching. Everything else is tunneled transparently.
	InterceptDomains []string `yaml:"intercept_domains"`

	// SniffPathSubstring gates which requests on an intercepted connection
	// feed the extraction pipeline. Requests whose path does not contain it
	// are relayed untouched.
	SniffPathSubstring string `yaml:"sniff_path_substring"`

	// TunnelIdleTimeoutMs tears down a passthrough tunnel after this long
	// without a read on either side.
	TunnelIdleTimeoutMs int `yaml:"tunnel_idle_timeout_ms"`

	// TunnelBufferBytes sizes each passthrough copy buffer.
	TunnelBufferBytes int `yaml:"tunnel_buffer_bytes"`
}

// InterceptConfig configures the buffering state machine.
type InterceptConfig struct {
	BufferTimeoutMs     int    `yaml:"buffer_timeout_ms"`     // forced-release bound while buffering
	KeepaliveIntervalMs int    `yaml:"keepalive_interval_ms"` // keepalive cadence while buffering
	KeepaliveText       string `yaml:"keepalive_text"`        // synthetic filler emitted each interval
	TickMs              int    `yaml:"tick_ms"`               // timer wake resolution
}

// EventsConfig configures the WebSocket bridge the response layer subscribes to.
type EventsConfig struct {
	Listen string `yaml:"listen"` // e.g., "localhost:3121"; empty disables the bridge
}

// CaptureConfig configures SQLite persistence of completed sessions.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// LoggingConfig configures log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns a Config with working defaults for the upstream
// chat service's domain family.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen: "localhost:3120",
			InterceptDomains: []string{
				"*.google.com",
				"*.googleapis.com",
			},
			SniffPathSubstring:  "GenerateContent",
			TunnelIdleTimeoutMs: 300000,
			TunnelBufferBytes:   32 * 1024,
		},
		Intercept: InterceptConfig{
			BufferTimeoutMs:     2000,
			KeepaliveIntervalMs: 500,
			KeepaliveText:       "[calling tool...]\n",
			TickMs:              100,
		},
		Events: EventsConfig{
			Listen: "localhost:3121",
		},
		Capture: CaptureConfig{
			Enabled: false,
			DBPath:  "", // Set in Load based on platform
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// TunnelIdleTimeout returns the passthrough idle bound as a duration.
func (c *ProxyConfig) TunnelIdleTimeout() time.Duration {
	return time.Duration(c.TunnelIdleTimeoutMs) * time.Millisecond
}

// BufferTimeout returns the buffering timeout as a duration.
func (c *InterceptConfig) BufferTimeout() time.Duration {
	return time.Duration(c.BufferTimeoutMs) * time.Millisecond
}

// KeepaliveInterval returns the keepalive cadence as a duration.
func (c *InterceptConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMs) * time.Millisecond
}

// Tick returns the timer wake resolution as a duration.
func (c *InterceptConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "streamtap"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "streamtap"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the default capture database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "streamtap.db"), nil
}

// Load loads configuration from file, with environment variable overrides.
// A missing config file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default db path: %w", err)
	}
	cfg.Capture.DBPath = dbPath

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Proxy.Listen == "" {
		return fmt.Errorf("proxy.listen must not be empty")
	}
	if c.Proxy.TunnelIdleTimeoutMs <= 0 {
		return fmt.Errorf("proxy.tunnel_idle_timeout_ms must be positive")
	}
	if c.Proxy.TunnelBufferBytes <= 0 {
		return fmt.Errorf("proxy.tunnel_buffer_bytes must be positive")
	}
	if c.Intercept.BufferTimeoutMs <= 0 {
		return fmt.Errorf("intercept.buffer_timeout_ms must be positive")
	}
	if c.Intercept.KeepaliveIntervalMs <= 0 {
		return fmt.Errorf("intercept.keepalive_interval_ms must be positive")
	}
	if c.Intercept.TickMs <= 0 {
		return fmt.Errorf("intercept.tick_ms must be positive")
	}
	if c.Intercept.KeepaliveIntervalMs < c.Intercept.TickMs {
		return fmt.Errorf("intercept.keepalive_interval_ms must be >= intercept.tick_ms")
	}
	return nil
}

// applyEnvOverrides applies STREAMTAP_* environment variables on top of the
// loaded configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STREAMTAP_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("STREAMTAP_INTERCEPT_DOMAINS"); v != "" {
		parts := strings.Split(v, ",")
		domains := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				domains = append(domains, p)
			}
		}
		if len(domains) > 0 {
			c.Proxy.InterceptDomains = domains
		}
	}
	if v := os.Getenv("STREAMTAP_EVENTS_LISTEN"); v != "" {
		c.Events.Listen = v
	}
	if v := os.Getenv("STREAMTAP_CAPTURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Capture.Enabled = b
		}
	}
	if v := os.Getenv("STREAMTAP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// LogLevel converts the configured level string to a slog level name the
// caller can map. Unknown values fall back to "info".
func (c *LoggingConfig) LogLevel() string {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(c.Level)
	default:
		return "info"
	}
}
