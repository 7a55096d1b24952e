// Package config provides configuration management for the Netherbrain runtime.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Store       StoreConfig       `mapstructure:"store"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds durable-index configuration. Driver selects the
// backend: "sqlite" (default, path-based) or "postgres" (DSN-based).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// PostgresDSN builds a pgx connection string from the database section.
func (d *DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StoreConfig holds blob-store configuration for session state and
// compressed display messages.
type StoreConfig struct {
	DataRoot  string `mapstructure:"dataRoot"`
	Prefix    string `mapstructure:"prefix"`
	StreamTTL int    `mapstructure:"streamTTL"` // seconds a finished event stream stays resumable
}

// StreamTTLDuration returns the post-terminal stream retention as a Duration.
func (s *StoreConfig) StreamTTLDuration() time.Duration {
	return time.Duration(s.StreamTTL) * time.Second
}

// DockerConfig holds Docker client configuration for containerized
// execution environments.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// EngineConfig holds agent execution engine configuration.
type EngineConfig struct {
	// CredentialPrefix is prepended when resolving credentials from the
	// process environment (presets never contain secrets).
	CredentialPrefix string `mapstructure:"credentialPrefix"`

	// MaxConcurrentRuns caps the number of simultaneously executing
	// sessions. Zero means unlimited.
	MaxConcurrentRuns int `mapstructure:"maxConcurrentRuns"`
}

// AuthConfig holds authentication configuration. A single shared bearer
// token guards every endpoint except health.
type AuthConfig struct {
	BearerToken string `mapstructure:"bearerToken"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("NETHERBRAIN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "netherbrain.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "netherbrain")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "netherbrain")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "netherbrain-runtime")
	v.SetDefault("nats.maxReconnects", 10)

	// Store defaults
	v.SetDefault("store.dataRoot", defaultDataRoot())
	v.SetDefault("store.prefix", "")
	v.SetDefault("store.streamTTL", 300)

	// Docker defaults
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")

	// Engine defaults
	v.SetDefault("engine.credentialPrefix", "NETHERBRAIN_")
	v.SetDefault("engine.maxConcurrentRuns", 0)

	// Auth defaults
	v.SetDefault("auth.bearerToken", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".netherbrain"
	}
	return filepath.Join(home, ".netherbrain")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix NETHERBRAIN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/netherbrain/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("NETHERBRAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/netherbrain/")
	}

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; env vars and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
