// Package config loads the application configuration from environment
// variables (KEYFORT_ prefix) with an optional YAML file underneath.
// Environment values win over file values; defaults live in struct tags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Signing  SigningConfig  `yaml:"signing" envconfig:"SIGNING"`
	Offline  OfflineConfig  `yaml:"offline" envconfig:"OFFLINE"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig selects and tunes the license record store backend.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER" default:"sqlite"`
	DSN             string        `yaml:"dsn" envconfig:"DSN" default:"file:keyfort.db?_pragma=busy_timeout(5000)"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME" default:"30m"`
}

// SigningConfig configures the cryptographic signer.
type SigningConfig struct {
	// KeyDir holds private.pem/public.pem; when the private key is
	// missing an ephemeral pair is generated and loudly logged.
	KeyDir string `yaml:"key_dir" envconfig:"KEY_DIR" default:"keys"`
	// Secret is the shared HMAC secret and the hwid-hash key source.
	Secret string `yaml:"secret" envconfig:"SECRET" default:""`
	Issuer string `yaml:"issuer" envconfig:"ISSUER" default:"keyfort"`
}

// OfflineConfig tunes the offline protocol time windows.
type OfflineConfig struct {
	RequestTTL time.Duration `yaml:"request_ttl" envconfig:"REQUEST_TTL" default:"168h"`
	ProofTTL   time.Duration `yaml:"proof_ttl" envconfig:"PROOF_TTL" default:"8760h"`
}

// SecurityConfig contains transport-level protections.
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// AdminToken guards the administrative revoke endpoint. Empty
	// disables the endpoint entirely.
	AdminToken string `yaml:"admin_token" envconfig:"ADMIN_TOKEN" default:""`
	// CacheTTL bounds staleness of license status reads.
	CacheTTL     time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" default:"5m"`
	CacheEntries int           `yaml:"cache_entries" envconfig:"CACHE_ENTRIES" default:"10000"`
}

// RateLimitConfig contains rate limiting configuration for the
// activation and offline-submission endpoints.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	Requests int           `yaml:"requests" envconfig:"REQUESTS" default:"30"`
	Window   time.Duration `yaml:"window" envconfig:"WINDOW" default:"1m"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keyfort.log"`
}

// Load loads configuration from environment variables and, if present,
// the YAML file at path (empty path checks KEYFORT_CONFIG then
// keyfort.yaml).
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = os.Getenv("KEYFORT_CONFIG")
	}
	if path == "" {
		path = "keyfort.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	// Environment overrides file values.
	if err := envconfig.Process("KEYFORT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("unsupported database driver: %q (want sqlite or pgx)", c.Database.Driver)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}

	if c.Offline.RequestTTL <= 0 || c.Offline.ProofTTL <= 0 {
		return fmt.Errorf("offline TTLs must be positive")
	}

	return nil
}

// ListenAddr returns the server bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
