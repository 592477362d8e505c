package cmd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// jwtSecretEnv overrides api.jwt_secret so the secret can stay out of the file.
const jwtSecretEnv = "BLAZECATCH_JWT_SECRET"

// minSecretLength is the shortest accepted HS256 secret.
const minSecretLength = 32

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Settings  SettingsConfig  `yaml:"settings"`
	Session   SessionConfig   `yaml:"session"`
	Persister PersisterConfig `yaml:"persister"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
	Verbose   bool            `yaml:"-"` // set via CLI flag
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	HTTPAddress     string        `yaml:"http_address"`     // HTTP listen address (default: :8080)
	MetricsAddress  string        `yaml:"metrics_address"`  // Prometheus listen address, empty disables
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Graceful shutdown bound (default: 10s)
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig contains TLS settings for the HTTP API.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APIConfig contains HTTP API settings.
type APIConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`          // Empty disables authentication
	TokenTTL          time.Duration `yaml:"token_ttl"`           // Lifetime of minted tokens (default: 24h)
	CaptureRate       int           `yaml:"capture_rate"`        // Capture requests per minute per client (default: 6000)
	StreamMaxDuration time.Duration `yaml:"stream_max_duration"` // default: 30m
	StreamHeartbeat   time.Duration `yaml:"stream_heartbeat"`    // default: 15s
	StreamBuffer      int           `yaml:"stream_buffer"`       // Notices buffered per stream (default: 256)
	StreamRetry       time.Duration `yaml:"stream_retry"`        // Reconnect delay sent to clients (default: 3s)
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"` // default: ./data/blazecatch.db
}

// SettingsConfig points at an optional settings document on disk.
type SettingsConfig struct {
	File  string `yaml:"file"`  // YAML or JSON settings document
	Watch bool   `yaml:"watch"` // Reload the file when it changes
}

// SessionConfig contains pipeline timing settings.
type SessionConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"` // Cooldown check interval (default: 250ms)
}

// PersisterConfig contains persistence worker settings.
type PersisterConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	Retries      int           `yaml:"retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ArchiveConfig contains the optional event archive settings.
type ArchiveConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig contains ClickHouse settings. The archive is disabled
// unless at least one address is set.
type ClickHouseConfig struct {
	Addresses     []string      `yaml:"addresses"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Compression   bool          `yaml:"compression"`
	RetentionDays int           `yaml:"retention_days"` // default: 30
	BatchSize     int           `yaml:"batch_size"`     // default: 500
	FlushInterval time.Duration `yaml:"flush_interval"` // default: 5s
}

// Enabled reports whether the archive is configured.
func (c ClickHouseConfig) Enabled() bool {
	return len(c.Addresses) > 0
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: info)
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.setDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if secret := os.Getenv(jwtSecretEnv); secret != "" {
		c.API.JWTSecret = secret
	}
}

// setDefaults sets default values for missing config fields.
func (c *Config) setDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.API.TokenTTL == 0 {
		c.API.TokenTTL = 24 * time.Hour
	}
	if c.API.CaptureRate == 0 {
		c.API.CaptureRate = 6000
	}
	if c.API.StreamMaxDuration == 0 {
		c.API.StreamMaxDuration = 30 * time.Minute
	}
	if c.API.StreamHeartbeat == 0 {
		c.API.StreamHeartbeat = 15 * time.Second
	}
	if c.API.StreamBuffer == 0 {
		c.API.StreamBuffer = 256
	}
	if c.API.StreamRetry == 0 {
		c.API.StreamRetry = 3 * time.Second
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/blazecatch.db"
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = 250 * time.Millisecond
	}
	if c.Archive.ClickHouse.Database == "" {
		c.Archive.ClickHouse.Database = "default"
	}
	if c.Archive.ClickHouse.RetentionDays == 0 {
		c.Archive.ClickHouse.RetentionDays = 30
	}
	if c.Archive.ClickHouse.BatchSize == 0 {
		c.Archive.ClickHouse.BatchSize = 500
	}
	if c.Archive.ClickHouse.FlushInterval == 0 {
		c.Archive.ClickHouse.FlushInterval = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.HTTPAddress == "" {
		return fmt.Errorf("server.http_address is required")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}
	if c.Server.MetricsAddress != "" && c.Server.MetricsAddress == c.Server.HTTPAddress {
		return fmt.Errorf("server.metrics_address must differ from server.http_address")
	}
	if c.API.JWTSecret != "" && len(c.API.JWTSecret) < minSecretLength {
		return fmt.Errorf("api.jwt_secret must be at least %d bytes", minSecretLength)
	}
	if c.API.CaptureRate < 0 {
		return fmt.Errorf("api.capture_rate must not be negative")
	}
	if c.API.StreamHeartbeat < 0 || c.API.StreamMaxDuration < 0 || c.API.StreamRetry < 0 {
		return fmt.Errorf("api stream durations must not be negative")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Settings.Watch && c.Settings.File == "" {
		return fmt.Errorf("settings.file is required when settings.watch is enabled")
	}
	if c.Session.SweepInterval < 0 {
		return fmt.Errorf("session.sweep_interval must not be negative")
	}
	if c.Archive.ClickHouse.Enabled() && c.Archive.ClickHouse.RetentionDays < 1 {
		return fmt.Errorf("archive.clickhouse.retention_days must be at least 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}
