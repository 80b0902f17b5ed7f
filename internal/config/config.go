// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

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

// Defaults applied by Load when a value is not set.
const (
	DefaultHTTPAddr           = "0.0.0.0:8080"
	DefaultDatabaseDriver     = "sqlite"
	DefaultMaxConcurrent      = 5
	DefaultServiceLevelTarget = 2 * time.Minute
	DefaultPollInterval       = 5 * time.Second
	DefaultDirectoryCacheTTL  = 30 * time.Second
	DefaultDirectoryCacheSize = 1024
	DefaultBufferSize         = 256
	DefaultDedupeTTL          = 5 * time.Minute
	DefaultAMQPPoolSize       = 4
)

// Config represents the complete switchboard configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Routing       RoutingConfig       `yaml:"routing" toml:"routing"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service; empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
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
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// RoutingConfig holds routing and queue tuning
type RoutingConfig struct {
	MaxConcurrentDefault int `yaml:"max_concurrent_default" toml:"max_concurrent_default"`
	DirectoryCacheSize   int `yaml:"directory_cache_size" toml:"directory_cache_size"`

	ServiceLevelTarget time.Duration `yaml:"-" toml:"-"`
	PollInterval       time.Duration `yaml:"-" toml:"-"`
	DirectoryCacheTTL  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ServiceLevelTargetRaw string `yaml:"service_level_target" toml:"service_level_target"`
	PollIntervalRaw       string `yaml:"poll_interval" toml:"poll_interval"`
	DirectoryCacheTTLRaw  string `yaml:"directory_cache_ttl" toml:"directory_cache_ttl"`
}

// NotificationsConfig holds notification delivery configuration
type NotificationsConfig struct {
	BufferSize int        `yaml:"buffer_size" toml:"buffer_size"`
	AMQP       AMQPConfig `yaml:"amqp" toml:"amqp"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// AMQPConfig holds the analytics channel configuration. An empty URL disables it.
type AMQPConfig struct {
	URL        string `yaml:"url" toml:"url"`
	Exchange   string `yaml:"exchange" toml:"exchange"`
	RoutingKey string `yaml:"routing_key" toml:"routing_key"`
	Producer   string `yaml:"producer" toml:"producer"`
	PoolSize   int    `yaml:"pool_size" toml:"pool_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
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
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and the
// database at path. Used when no config file is present.
func Default(path string) *Config {
	cfg := &Config{Database: DatabaseConfig{Path: path}}
	cfg.ApplyDefaults()
	return cfg
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

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	r := &c.Routing
	if r.MaxConcurrentDefault == 0 {
		r.MaxConcurrentDefault = DefaultMaxConcurrent
	}
	if r.ServiceLevelTarget == 0 {
		r.ServiceLevelTarget = DefaultServiceLevelTarget
	}
	if r.PollInterval == 0 {
		r.PollInterval = DefaultPollInterval
	}
	if r.DirectoryCacheTTL == 0 {
		r.DirectoryCacheTTL = DefaultDirectoryCacheTTL
	}
	if r.DirectoryCacheSize == 0 {
		r.DirectoryCacheSize = DefaultDirectoryCacheSize
	}

	n := &c.Notifications
	if n.BufferSize == 0 {
		n.BufferSize = DefaultBufferSize
	}
	if n.DedupeTTL == 0 {
		n.DedupeTTL = DefaultDedupeTTL
	}
	if n.AMQP.PoolSize == 0 {
		n.AMQP.PoolSize = DefaultAMQPPoolSize
	}
	if n.AMQP.Producer == "" {
		n.AMQP.Producer = "switchboard"
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
	// An HTTP address is required unless Tailscale is enabled
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
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Routing.MaxConcurrentDefault < 0 {
		return fmt.Errorf("routing.max_concurrent_default must be positive")
	}
	if c.Routing.ServiceLevelTarget < 0 || c.Routing.PollInterval < 0 || c.Routing.DirectoryCacheTTL < 0 {
		return fmt.Errorf("routing durations must be positive")
	}
	if c.Routing.DirectoryCacheSize < 0 {
		return fmt.Errorf("routing.directory_cache_size must be positive")
	}
	if c.Notifications.BufferSize < 0 {
		return fmt.Errorf("notifications.buffer_size must be positive")
	}
	if c.Notifications.AMQP.PoolSize < 0 {
		return fmt.Errorf("notifications.amqp.pool_size must be positive")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
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
		{"routing.service_level_target", cfg.Routing.ServiceLevelTargetRaw, &cfg.Routing.ServiceLevelTarget},
		{"routing.poll_interval", cfg.Routing.PollIntervalRaw, &cfg.Routing.PollInterval},
		{"routing.directory_cache_ttl", cfg.Routing.DirectoryCacheTTLRaw, &cfg.Routing.DirectoryCacheTTL},
		{"notifications.dedupe_ttl", cfg.Notifications.DedupeTTLRaw, &cfg.Notifications.DedupeTTL},
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
