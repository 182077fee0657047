// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Session SessionConfig `yaml:"session"`
	Usage   UsageConfig   `yaml:"usage"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// PublicURL overrides the connect URI scheme and host handed out by
	// the credential issuer (e.g. "wss://relay.example.com"). If not set,
	// it's derived from the incoming request's Host header.
	PublicURL string `yaml:"public_url"`
}

// AuthConfig holds credential issuance configuration
type AuthConfig struct {
	// JWTSecret enables the operator bypass when set. Requests carrying a
	// valid bearer token signed with it skip the per-source rate window.
	JWTSecret string `yaml:"jwt_secret"`
	// TrustProxyHeaders makes the issuer read the source identity from
	// X-Forwarded-For. Only enable behind a trusted reverse proxy.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`

	GrantTTL   time.Duration `yaml:"-"`
	RateWindow time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	GrantTTLRaw   string `yaml:"grant_ttl"`
	RateWindowRaw string `yaml:"rate_window"`
}

// SessionConfig holds per-connection protocol engine configuration
type SessionConfig struct {
	MaxConnections int `yaml:"max_connections"`
	MaxInFlight    int `yaml:"max_in_flight"`

	IdleTimeout time.Duration `yaml:"-"`
	CallTimeout time.Duration `yaml:"-"`
	CloseGrace  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw string `yaml:"idle_timeout"`
	CallTimeoutRaw string `yaml:"call_timeout"`
	CloseGraceRaw  string `yaml:"close_grace"`
}

// UsageConfig holds the tool usage sink configuration
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

// Default returns the configuration used when no config file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Usage.Enabled && c.Usage.Path == "" {
		return fmt.Errorf("usage.path is required when usage is enabled")
	}

	if c.Session.MaxConnections < 0 {
		return fmt.Errorf("session.max_connections must not be negative")
	}
	if c.Session.MaxInFlight < 0 {
		return fmt.Errorf("session.max_in_flight must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.grant_ttl", cfg.Auth.GrantTTLRaw, &cfg.Auth.GrantTTL},
		{"auth.rate_window", cfg.Auth.RateWindowRaw, &cfg.Auth.RateWindow},
		{"session.idle_timeout", cfg.Session.IdleTimeoutRaw, &cfg.Session.IdleTimeout},
		{"session.call_timeout", cfg.Session.CallTimeoutRaw, &cfg.Session.CallTimeout},
		{"session.close_grace", cfg.Session.CloseGraceRaw, &cfg.Session.CloseGrace},
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
