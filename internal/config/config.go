// ABOUTME: Configuration loading and parsing for coven-link
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-link configuration
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Client   ClientConfig   `yaml:"client"`
	Identity IdentityConfig `yaml:"identity"`
	Link     LinkConfig     `yaml:"link"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig holds the gateway endpoint and the credentials presented
// during the handshake
type GatewayConfig struct {
	URL      string   `yaml:"url"`
	Role     string   `yaml:"role"`
	Scopes   []string `yaml:"scopes"`
	Caps     []string `yaml:"caps"`
	Password string   `yaml:"password"`
}

// ClientConfig describes this client to the gateway
type ClientConfig struct {
	ID       string `yaml:"id"`
	Version  string `yaml:"version"`
	Platform string `yaml:"platform"`
	Mode     string `yaml:"mode"`
	Locale   string `yaml:"locale"`
}

// IdentityConfig holds the on-disk location of the device identity and
// token files
type IdentityConfig struct {
	Dir string `yaml:"dir"`
}

// LinkConfig holds connection timing configuration
type LinkConfig struct {
	KeepaliveInterval time.Duration `yaml:"-"`
	ReconnectFloor    time.Duration `yaml:"-"`
	ReconnectCeiling  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	KeepaliveIntervalRaw string `yaml:"keepalive_interval"`
	ReconnectFloorRaw    string `yaml:"reconnect_floor"`
	ReconnectCeilingRaw  string `yaml:"reconnect_ceiling"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultIdentityDir returns the directory used for identity and token
// files when identity.dir is not configured.
func DefaultIdentityDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coven-link"
	}
	return filepath.Join(home, ".config", "coven", "link")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Gateway.Role == "" {
		c.Gateway.Role = "operator"
	}
	if c.Client.ID == "" {
		c.Client.ID = "coven-link"
	}
	if c.Client.Mode == "" {
		c.Client.Mode = "cli"
	}
	if c.Identity.Dir == "" {
		c.Identity.Dir = DefaultIdentityDir()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return fmt.Errorf("gateway.url must be a ws:// or wss:// URL, got %q", c.Gateway.URL)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Link.ReconnectFloor > 0 && c.Link.ReconnectCeiling > 0 &&
		c.Link.ReconnectFloor > c.Link.ReconnectCeiling {
		return fmt.Errorf("link.reconnect_floor must not exceed link.reconnect_ceiling")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Link.KeepaliveIntervalRaw != "" {
		cfg.Link.KeepaliveInterval, err = time.ParseDuration(cfg.Link.KeepaliveIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing keepalive_interval %q: %w", cfg.Link.KeepaliveIntervalRaw, err)
		}
	}

	if cfg.Link.ReconnectFloorRaw != "" {
		cfg.Link.ReconnectFloor, err = time.ParseDuration(cfg.Link.ReconnectFloorRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_floor %q: %w", cfg.Link.ReconnectFloorRaw, err)
		}
	}

	if cfg.Link.ReconnectCeilingRaw != "" {
		cfg.Link.ReconnectCeiling, err = time.ParseDuration(cfg.Link.ReconnectCeilingRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_ceiling %q: %w", cfg.Link.ReconnectCeilingRaw, err)
		}
	}

	return nil
}
