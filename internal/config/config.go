// ABOUTME: Configuration loading and parsing for qai-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete qai-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	CORS      CORSConfig      `yaml:"cors" toml:"cors"`
	IPFilter  IPFilterConfig  `yaml:"ip_filter" toml:"ip_filter"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Staging   StagingConfig   `yaml:"staging" toml:"staging"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText implements encoding.TextUnmarshaler, which TOML uses.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", value.Line)
	}
	if err := d.UnmarshalText([]byte(value.Value)); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

// ServerConfig holds listener and per-connection transport settings
type ServerConfig struct {
	Addr             string   `yaml:"addr" toml:"addr"`
	Path             string   `yaml:"path" toml:"path"`
	MaxConnections   int      `yaml:"max_connections" toml:"max_connections"`
	MaxMessageSize   int64    `yaml:"max_message_size" toml:"max_message_size"`
	SendQueueSize    int      `yaml:"send_queue_size" toml:"send_queue_size"`
	HandshakeTimeout Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	PingInterval     Duration `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeout     Duration `yaml:"write_timeout" toml:"write_timeout"`
	FlushTimeout     Duration `yaml:"flush_timeout" toml:"flush_timeout"`
	AcceptRate       float64  `yaml:"accept_rate" toml:"accept_rate"` // upgrades per second, 0 disables
	AcceptBurst      int      `yaml:"accept_burst" toml:"accept_burst"`
	TrustProxy       bool     `yaml:"trust_proxy" toml:"trust_proxy"` // honor X-Forwarded-For
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration. An empty path disables
// persistence of the block list and the connection audit log.
type DatabaseConfig struct {
	Path           string   `yaml:"path" toml:"path"`
	AuditRetention Duration `yaml:"audit_retention" toml:"audit_retention"` // 0 keeps entries forever
}

// AuthConfig holds token configuration
type AuthConfig struct {
	JWTSecret      string   `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL       Duration `yaml:"token_ttl" toml:"token_ttl"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	AllowAnonymous bool     `yaml:"allow_anonymous" toml:"allow_anonymous"`
	CacheTTL       Duration `yaml:"cache_ttl" toml:"cache_ttl"`
	CacheSize      int      `yaml:"cache_size" toml:"cache_size"`
}

// CORSConfig holds the origin allow-list applied at handshake
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled" toml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AllowEmptyOrigin bool     `yaml:"allow_empty_origin" toml:"allow_empty_origin"`
}

// IPFilterConfig seeds the block list
type IPFilterConfig struct {
	Blocked []string `yaml:"blocked" toml:"blocked"`
}

// RateLimitConfig holds sliding-window limiter settings
type RateLimitConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled"`
	MaxRequests     int      `yaml:"max_requests" toml:"max_requests"`
	Window          Duration `yaml:"window" toml:"window"`
	Burst           int      `yaml:"burst" toml:"burst"`
	BurstPeriod     Duration `yaml:"burst_period" toml:"burst_period"`
	IdleEviction    Duration `yaml:"idle_eviction" toml:"idle_eviction"`
	CleanupInterval Duration `yaml:"cleanup_interval" toml:"cleanup_interval"`
}

// SessionsConfig holds idle sweep timing and duplicate chat detection
type SessionsConfig struct {
	IdleTimeout   Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	DedupeWindow  Duration `yaml:"dedupe_window" toml:"dedupe_window"` // 0 disables
	DedupeSize    int      `yaml:"dedupe_size" toml:"dedupe_size"`
}

// StagingConfig holds attachment staging settings
type StagingConfig struct {
	Dir                string   `yaml:"dir" toml:"dir"`
	Retention          Duration `yaml:"retention" toml:"retention"`
	PurgeInterval      Duration `yaml:"purge_interval" toml:"purge_interval"`
	MaxAttachmentBytes int64    `yaml:"max_attachment_bytes" toml:"max_attachment_bytes"`
}

// AgentConfig selects and configures the agent backend
type AgentConfig struct {
	Backend     string   `yaml:"backend" toml:"backend"` // echo, http, redis
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
	HTTPURL     string   `yaml:"http_url" toml:"http_url"`
	RedisURL    string   `yaml:"redis_url" toml:"redis_url"`
	RedisStream string   `yaml:"redis_stream" toml:"redis_stream"`
	ReplyPrefix string   `yaml:"reply_prefix" toml:"reply_prefix"`
	Stream      bool     `yaml:"stream" toml:"stream"` // stream answers when the backend supports it
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns the configuration used when a file leaves a field unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             "localhost:8765",
			Path:             "/ws",
			MaxConnections:   100,
			MaxMessageSize:   1 << 20,
			SendQueueSize:    32,
			HandshakeTimeout: Duration(10 * time.Second),
			PingInterval:     Duration(20 * time.Second),
			WriteTimeout:     Duration(10 * time.Second),
			FlushTimeout:     Duration(5 * time.Second),
			AcceptRate:       50,
			AcceptBurst:      100,
		},
		Tailscale: TailscaleConfig{
			Hostname: "qai-gateway",
		},
		Database: DatabaseConfig{
			AuditRetention: Duration(30 * 24 * time.Hour),
		},
		Auth: AuthConfig{
			TokenTTL:  Duration(time.Hour),
			Issuer:    "qai-gateway",
			CacheTTL:  Duration(5 * time.Minute),
			CacheSize: 1024,
		},
		CORS: CORSConfig{
			Enabled:          true,
			AllowedOrigins:   []string{"http://localhost:3000"},
			AllowEmptyOrigin: true,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			MaxRequests:     60,
			Window:          Duration(time.Minute),
			BurstPeriod:     Duration(time.Second),
			IdleEviction:    Duration(5 * time.Minute),
			CleanupInterval: Duration(5 * time.Minute),
		},
		Sessions: SessionsConfig{
			IdleTimeout:   Duration(5 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
			DedupeWindow:  Duration(2 * time.Minute),
			DedupeSize:    4096,
		},
		Staging: StagingConfig{
			Dir:                filepath.Join(os.TempDir(), "websocket_uploads"),
			Retention:          Duration(6 * time.Hour),
			PurgeInterval:      Duration(30 * time.Minute),
			MaxAttachmentBytes: 10 << 20,
		},
		Agent: AgentConfig{
			Backend:     "echo",
			Timeout:     Duration(60 * time.Second),
			RedisStream: "agent:requests",
			ReplyPrefix: "agent:reply:",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Fields the file leaves out keep their Default() values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Format names a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes raw configuration content of the given format.
func Parse(data []byte, format Format) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.Addr == "" {
		return errors.New("server.addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /, got %q", c.Server.Path)
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must not be negative")
	}
	if c.Server.MaxMessageSize <= 0 {
		return errors.New("server.max_message_size must be positive")
	}
	if c.Server.SendQueueSize <= 0 {
		return errors.New("server.send_queue_size must be positive")
	}

	if !c.Auth.AllowAnonymous && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required unless auth.allow_anonymous is set")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes, got %d", len(c.Auth.JWTSecret))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 {
			return errors.New("rate_limit.max_requests must be positive")
		}
		if c.RateLimit.Burst < 0 {
			return errors.New("rate_limit.burst must not be negative")
		}
	}

	if c.Database.AuditRetention < 0 {
		return errors.New("database.audit_retention must not be negative")
	}
	if c.Sessions.DedupeWindow < 0 {
		return errors.New("sessions.dedupe_window must not be negative")
	}
	if c.Sessions.DedupeWindow > 0 && c.Sessions.DedupeSize <= 0 {
		return errors.New("sessions.dedupe_size must be positive when sessions.dedupe_window is set")
	}

	positive := []struct {
		name string
		d    Duration
	}{
		{"server.handshake_timeout", c.Server.HandshakeTimeout},
		{"server.ping_interval", c.Server.PingInterval},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.flush_timeout", c.Server.FlushTimeout},
		{"rate_limit.window", c.RateLimit.Window},
		{"sessions.idle_timeout", c.Sessions.IdleTimeout},
		{"sessions.sweep_interval", c.Sessions.SweepInterval},
		{"staging.retention", c.Staging.Retention},
		{"staging.purge_interval", c.Staging.PurgeInterval},
		{"agent.timeout", c.Agent.Timeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	if c.Staging.Dir == "" {
		return errors.New("staging.dir is required")
	}

	switch c.Agent.Backend {
	case "echo":
	case "http":
		if c.Agent.HTTPURL == "" {
			return errors.New("agent.http_url is required for the http backend")
		}
	case "redis":
		if c.Agent.RedisURL == "" {
			return errors.New("agent.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("agent.backend must be echo, http or redis, got %q", c.Agent.Backend)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	return nil
}
