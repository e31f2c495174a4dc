// ABOUTME: Configuration loading and parsing for coven-runs
// ABOUTME: Reads YAML or TOML files with environment variable expansion and duration parsing

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

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr          = "localhost:8080"
	DefaultStopTimeout       = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultCredentialTTL     = 5 * time.Minute
	DefaultMaxPending        = 1024
	DefaultMessagesPerSecond = 20
	DefaultBurst             = 40
	DefaultReadLimit         = 1 << 20
	DefaultRedisChannel      = "coven-runs:project_structure"
	DefaultMetricsPath       = "/metrics"
)

// Config represents the complete coven-runs configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Runs        RunsConfig        `yaml:"runs" toml:"runs"`
	Credentials CredentialsConfig `yaml:"credentials" toml:"credentials"`
	Sockets     SocketsConfig     `yaml:"sockets" toml:"sockets"`
	Redis       RedisConfig       `yaml:"redis" toml:"redis"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Toolsets    []ToolsetConfig   `yaml:"toolsets" toml:"toolsets"`
	Profiles    []ProfileTemplate `yaml:"profiles" toml:"profiles"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret leaves
// credential issuance open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// RunsConfig holds run lifecycle timing
type RunsConfig struct {
	StopTimeout      time.Duration `yaml:"-" toml:"-"`
	WriteTimeout     time.Duration `yaml:"-" toml:"-"`
	ChunkDelay       time.Duration `yaml:"-" toml:"-"`
	CompactThreshold int           `yaml:"compact_threshold" toml:"compact_threshold"`

	// Raw string values for unmarshaling
	StopTimeoutRaw  string `yaml:"stop_timeout" toml:"stop_timeout"`
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	ChunkDelayRaw   string `yaml:"chunk_delay" toml:"chunk_delay"`
}

// CredentialsConfig bounds the pending credential set
type CredentialsConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxPending int           `yaml:"max_pending" toml:"max_pending"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// SocketsConfig limits inbound socket traffic
type SocketsConfig struct {
	MessagesPerSecond float64  `yaml:"messages_per_second" toml:"messages_per_second"`
	Burst             int      `yaml:"burst" toml:"burst"`
	ReadLimit         int64    `yaml:"read_limit" toml:"read_limit"`
	AllowOrigins      []string `yaml:"allow_origins" toml:"allow_origins"`
}

// RedisConfig enables the cross-process broadcast relay when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	Channel  string `yaml:"channel" toml:"channel"`
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

// ToolsetConfig describes one toolset offered to clients
type ToolsetConfig struct {
	Name        string   `yaml:"name" toml:"name" json:"name"`
	Description string   `yaml:"description" toml:"description" json:"description,omitempty"`
	Scope       string   `yaml:"scope" toml:"scope" json:"scope,omitempty"`
	Tools       []string `yaml:"tools" toml:"tools" json:"tools"`
}

// ProfileTemplate is a global profile template seeded into the store on startup
type ProfileTemplate struct {
	Name string         `yaml:"name" toml:"name"`
	Type string         `yaml:"type" toml:"type"`
	Body map[string]any `yaml:"body" toml:"body"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if dbPath := os.Getenv("COVEN_RUNS_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills every unset tunable.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Runs.StopTimeout == 0 {
		c.Runs.StopTimeout = DefaultStopTimeout
	}
	if c.Runs.WriteTimeout == 0 {
		c.Runs.WriteTimeout = DefaultWriteTimeout
	}
	if c.Credentials.TTL == 0 {
		c.Credentials.TTL = DefaultCredentialTTL
	}
	if c.Credentials.MaxPending == 0 {
		c.Credentials.MaxPending = DefaultMaxPending
	}
	if c.Sockets.MessagesPerSecond == 0 {
		c.Sockets.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if c.Sockets.Burst == 0 {
		c.Sockets.Burst = DefaultBurst
	}
	if c.Sockets.ReadLimit == 0 {
		c.Sockets.ReadLimit = DefaultReadLimit
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRedisChannel
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
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
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Runs.StopTimeout < 0 || c.Runs.WriteTimeout < 0 || c.Runs.ChunkDelay < 0 {
		return fmt.Errorf("runs timings must not be negative")
	}
	if c.Credentials.TTL < 0 {
		return fmt.Errorf("credentials.ttl must not be negative")
	}
	if c.Credentials.MaxPending < 0 {
		return fmt.Errorf("credentials.max_pending must not be negative")
	}
	if c.Sockets.MessagesPerSecond < 0 || c.Sockets.Burst < 0 {
		return fmt.Errorf("sockets rate limits must not be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	seen := make(map[string]bool, len(c.Toolsets))
	for i, ts := range c.Toolsets {
		if ts.Name == "" {
			return fmt.Errorf("toolsets[%d].name is required", i)
		}
		if seen[ts.Name] {
			return fmt.Errorf("toolsets[%d]: duplicate name %q", i, ts.Name)
		}
		seen[ts.Name] = true
	}

	for i, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profiles[%d].name is required", i)
		}
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
		{"runs.stop_timeout", cfg.Runs.StopTimeoutRaw, &cfg.Runs.StopTimeout},
		{"runs.write_timeout", cfg.Runs.WriteTimeoutRaw, &cfg.Runs.WriteTimeout},
		{"runs.chunk_delay", cfg.Runs.ChunkDelayRaw, &cfg.Runs.ChunkDelay},
		{"credentials.ttl", cfg.Credentials.TTLRaw, &cfg.Credentials.TTL},
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
