// ABOUTME: Configuration loading and parsing for storechat sessions.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete session configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Cache    CacheConfig    `yaml:"cache"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the endpoints the engine talks to.
type ServerConfig struct {
	// ChannelURL is the ws:// or wss:// URL of the real-time channel.
	ChannelURL string `yaml:"channel_url"`
	// APIBaseURL is the REST base URL used for the agent roster bootstrap.
	APIBaseURL string `yaml:"api_base_url"`
}

// SessionConfig identifies the local participant and tunes sync timing.
type SessionConfig struct {
	ParticipantID string `yaml:"participant_id"`
	Role          string `yaml:"role"` // "customer" or "agent"

	MatchWindow  time.Duration `yaml:"-"`
	SendTimeout  time.Duration `yaml:"-"`
	ReconnectMin time.Duration `yaml:"-"`
	ReconnectMax time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	MatchWindowRaw  string `yaml:"match_window"`
	SendTimeoutRaw  string `yaml:"send_timeout"`
	ReconnectMinRaw string `yaml:"reconnect_min"`
	ReconnectMaxRaw string `yaml:"reconnect_max"`
}

// CacheConfig bounds the agent conversation cache.
type CacheConfig struct {
	// MaxConversations is the LRU bound; 0 retains every preloaded
	// conversation for the session.
	MaxConversations int `yaml:"max_conversations"`
}

// SnapshotConfig holds the local snapshot database location.
type SnapshotConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Server.ChannelURL == "" {
		return fmt.Errorf("server.channel_url is required")
	}
	if c.Session.ParticipantID == "" {
		return fmt.Errorf("session.participant_id is required")
	}
	switch c.Session.Role {
	case "customer":
	case "agent":
		if c.Server.APIBaseURL == "" {
			return fmt.Errorf("server.api_base_url is required for the agent role")
		}
	default:
		return fmt.Errorf("session.role must be %q or %q", "customer", "agent")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"match_window", cfg.Session.MatchWindowRaw, &cfg.Session.MatchWindow},
		{"send_timeout", cfg.Session.SendTimeoutRaw, &cfg.Session.SendTimeout},
		{"reconnect_min", cfg.Session.ReconnectMinRaw, &cfg.Session.ReconnectMin},
		{"reconnect_max", cfg.Session.ReconnectMaxRaw, &cfg.Session.ReconnectMax},
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
