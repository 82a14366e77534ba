// ABOUTME: Configuration loading and parsing for the purl client.
// ABOUTME: YAML with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for timing knobs. All are overridable in the config file; none
// are invariants of the protocol.
const (
	DefaultPollInterval       = 10 * time.Second
	DefaultMinMessageInterval = 2 * time.Second
	DefaultReconnectBaseDelay = time.Second
	DefaultMaxReconnects      = 5
	DefaultReleaseGrace       = 3 * time.Second
	DefaultHistoryLimit       = 50
)

// Config is the complete purl-client configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Chat    ChatConfig    `yaml:"chat"`
	Socket  SocketConfig  `yaml:"socket"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig locates the hosted agent service.
type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKey is sent as the X-API-Key header on every call. The server
	// rejects absent or mismatched keys; the client only surfaces that.
	APIKey string `yaml:"api_key"`
}

// ChatConfig tunes the session client and polling loop.
type ChatConfig struct {
	AgentID   string `yaml:"agent_id"`
	AgentName string `yaml:"agent_name"`

	PollInterval       time.Duration `yaml:"-"`
	MinMessageInterval time.Duration `yaml:"-"`
	HistoryLimit       int           `yaml:"history_limit"`

	PollIntervalRaw       string `yaml:"poll_interval"`
	MinMessageIntervalRaw string `yaml:"min_message_interval"`
}

// SocketConfig tunes the realtime transport and its reconnection policy.
type SocketConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"-"`
	ReleaseGrace       time.Duration `yaml:"-"`
	MaxReconnects      int           `yaml:"max_reconnects"`

	ReconnectBaseDelayRaw string `yaml:"reconnect_base_delay"`
	ReleaseGraceRaw       string `yaml:"release_grace"`
}

// CacheConfig holds the local transcript cache location.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.base_url %q is not a valid URL", c.Server.BaseURL)
	}

	if c.Chat.AgentID == "" {
		return fmt.Errorf("chat.agent_id is required")
	}

	if c.Chat.PollInterval < time.Second {
		return fmt.Errorf("chat.poll_interval must be at least 1s (the service rate-limits aggressive polling)")
	}

	if c.Socket.MaxReconnects < 1 {
		return fmt.Errorf("socket.max_reconnects must be at least 1")
	}

	return nil
}

// applyDefaults fills zero-valued timing fields with defaults.
func (c *Config) applyDefaults() {
	if c.Chat.PollInterval == 0 {
		c.Chat.PollInterval = DefaultPollInterval
	}
	if c.Chat.MinMessageInterval == 0 {
		c.Chat.MinMessageInterval = DefaultMinMessageInterval
	}
	if c.Chat.HistoryLimit == 0 {
		c.Chat.HistoryLimit = DefaultHistoryLimit
	}
	if c.Socket.ReconnectBaseDelay == 0 {
		c.Socket.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Socket.ReleaseGrace == 0 {
		c.Socket.ReleaseGrace = DefaultReleaseGrace
	}
	if c.Socket.MaxReconnects == 0 {
		c.Socket.MaxReconnects = DefaultMaxReconnects
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Chat.PollIntervalRaw, &cfg.Chat.PollInterval, "poll_interval"},
		{cfg.Chat.MinMessageIntervalRaw, &cfg.Chat.MinMessageInterval, "min_message_interval"},
		{cfg.Socket.ReconnectBaseDelayRaw, &cfg.Socket.ReconnectBaseDelay, "reconnect_base_delay"},
		{cfg.Socket.ReleaseGraceRaw, &cfg.Socket.ReleaseGrace, "release_grace"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
