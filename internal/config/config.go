// ABOUTME: Configuration loading and parsing for localhands-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted in addition to the config file.
const (
	EnvConfigPath = "LOCALHANDS_CONFIG"
	EnvDBPath     = "LOCALHANDS_DB_PATH"
)

// Config represents the complete localhands-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Messaging MessagingConfig `yaml:"messaging" toml:"messaging"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // health service only; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTPS on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path        string        `yaml:"path" toml:"path"`
	BusyTimeout time.Duration `yaml:"-" toml:"-"`

	BusyTimeoutRaw string `yaml:"busy_timeout" toml:"busy_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens. Empty runs the gateway in
	// dev mode, trusting the X-User-ID header.
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	// RequireKnownUser rejects tokens whose subject is not in the user directory.
	RequireKnownUser bool `yaml:"require_known_user" toml:"require_known_user"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// DevMode reports whether requests are authenticated by header instead of token.
func (a AuthConfig) DevMode() bool {
	return a.JWTSecret == ""
}

// MessagingConfig holds limits for the messaging service
type MessagingConfig struct {
	MaxContentLength      int           `yaml:"max_content_length" toml:"max_content_length"`
	HistoryPageLimit      int           `yaml:"history_page_limit" toml:"history_page_limit"`
	RequireKnownReceiver  bool          `yaml:"require_known_receiver" toml:"require_known_receiver"`
	IdempotencyTTL        time.Duration `yaml:"-" toml:"-"`
	IdempotencyMaxEntries int           `yaml:"idempotency_max_entries" toml:"idempotency_max_entries"`

	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// RealtimeConfig holds live connection tuning
type RealtimeConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
	TypingRate       float64       `yaml:"typing_rate" toml:"typing_rate"` // typing frames per second per connection
	PingInterval     time.Duration `yaml:"-" toml:"-"`
	WriteTimeout     time.Duration `yaml:"-" toml:"-"`

	// AllowedOrigins are host patterns accepted on cross-origin WebSocket upgrades.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults for fields left empty in the file.
const (
	DefaultHTTPAddr              = "127.0.0.1:8080"
	DefaultBusyTimeout           = 5 * time.Second
	DefaultTokenTTL              = 30 * 24 * time.Hour
	DefaultMaxContentLength      = 4000
	DefaultHistoryPageLimit      = 50
	MaxHistoryPageLimit          = 500
	DefaultIdempotencyTTL        = 10 * time.Minute
	DefaultIdempotencyMaxEntries = 100_000
	DefaultSubscriberBuffer      = 64
	DefaultTypingRate            = 2
	DefaultPingInterval          = 25 * time.Second
	DefaultWriteTimeout          = 10 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.Database.Path = p
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

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

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = DefaultBusyTimeout
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Messaging.MaxContentLength == 0 {
		c.Messaging.MaxContentLength = DefaultMaxContentLength
	}
	if c.Messaging.HistoryPageLimit == 0 {
		c.Messaging.HistoryPageLimit = DefaultHistoryPageLimit
	}
	if c.Messaging.IdempotencyTTL == 0 {
		c.Messaging.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if c.Messaging.IdempotencyMaxEntries == 0 {
		c.Messaging.IdempotencyMaxEntries = DefaultIdempotencyMaxEntries
	}
	if c.Realtime.SubscriberBuffer == 0 {
		c.Realtime.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Realtime.TypingRate == 0 {
		c.Realtime.TypingRate = DefaultTypingRate
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = DefaultPingInterval
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = DefaultWriteTimeout
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
	// HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Messaging.MaxContentLength < 0 {
		return fmt.Errorf("messaging.max_content_length must not be negative")
	}

	if c.Messaging.HistoryPageLimit < 0 || c.Messaging.HistoryPageLimit > MaxHistoryPageLimit {
		return fmt.Errorf("messaging.history_page_limit must be between 1 and %d", MaxHistoryPageLimit)
	}

	if c.Realtime.SubscriberBuffer < 0 {
		return fmt.Errorf("realtime.subscriber_buffer must not be negative")
	}

	if c.Realtime.TypingRate < 0 {
		return fmt.Errorf("realtime.typing_rate must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"database.busy_timeout", cfg.Database.BusyTimeoutRaw, &cfg.Database.BusyTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"messaging.idempotency_ttl", cfg.Messaging.IdempotencyTTLRaw, &cfg.Messaging.IdempotencyTTL},
		{"realtime.ping_interval", cfg.Realtime.PingIntervalRaw, &cfg.Realtime.PingInterval},
		{"realtime.write_timeout", cfg.Realtime.WriteTimeoutRaw, &cfg.Realtime.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
