package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Quantix Connect.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP API server settings.
type ServerConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// DatabaseConfig contains relational database settings.
//
// Type selects the backing store: "sqlite" (default, file-based) or
// "mysql" (networked). Host, Port, User and Password apply to MySQL only;
// Name is the SQLite file path or the MySQL schema name.
type DatabaseConfig struct {
	Type        string `yaml:"type"`
	Name        string `yaml:"name"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// AuthConfig contains control-plane authentication settings.
//
// APIKey is the pre-shared key checked on /api routes and the WebSocket
// endpoint. An empty key disables authentication; the gateway logs a
// warning at startup when that is the case.
type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// GatewayConfig contains device-gateway behaviour settings.
type GatewayConfig struct {
	// SimulateOnConnectFail makes Modbus drivers fall back to a synthetic
	// weight source when the physical connection cannot be established.
	// Intended for development without hardware.
	SimulateOnConnectFail bool `yaml:"simulate_on_connect_fail"`
}

// WebSocketConfig contains WebSocket fan-out settings.
type WebSocketConfig struct {
	Path         string `yaml:"path"`
	PingInterval int    `yaml:"ping_interval"`
	WriteTimeout int    `yaml:"write_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// The YAML file is optional: a missing file leaves the defaults in place,
// so a bare environment-driven deployment needs no config file at all.
//
// Environment variables use the legacy flat names shared with the rest of
// the Quantix deployment tooling: DB_TYPE, DB_NAME, DB_USER, DB_PASSWORD,
// DB_HOST, DB_PORT, API_KEY, LOG_LEVEL, BACKEND_HOST, BACKEND_PORT and
// SIMULATE_ON_CONNECT_FAIL.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be parsed or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// No file: defaults plus environment.
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Database: DatabaseConfig{
			Type:        "sqlite",
			Name:        "quantix.db",
			Host:        "127.0.0.1",
			Port:        3306,
			BusyTimeout: 5000,
		},
		Auth: AuthConfig{
			APIKey: "quantix-dev-key",
		},
		Gateway: GatewayConfig{
			SimulateOnConnectFail: true,
		},
		WebSocket: WebSocketConfig{
			Path:         "/ws",
			PingInterval: 30,
			WriteTimeout: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("DB_TYPE"); v != "" {
		cfg.Database.Type = strings.ToLower(v)
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}

	// Auth
	if v, ok := os.LookupEnv("API_KEY"); ok {
		cfg.Auth.APIKey = v
	}

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Server
	if v := os.Getenv("BACKEND_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BACKEND_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Gateway
	if v := os.Getenv("SIMULATE_ON_CONNECT_FAIL"); v != "" {
		cfg.Gateway.SimulateOnConnectFail = parseBool(v)
	}
}

// parseBool interprets the truthy spellings accepted by the deployment
// tooling: 1, true, yes, on (case-insensitive). Everything else is false.
func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch c.Database.Type {
	case "sqlite", "mysql":
	default:
		errs = append(errs, "database.type must be sqlite or mysql")
	}
	if c.Database.Name == "" {
		errs = append(errs, "database.name is required")
	}
	if c.Database.Type == "mysql" {
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if c.Database.Host == "" {
			errs = append(errs, "database.host is required for mysql")
		}
	}

	// WebSocket validation
	if c.WebSocket.PingInterval < 1 {
		errs = append(errs, "websocket.ping_interval must be at least 1 second")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Idle) * time.Second
}

// PingInterval returns the WebSocket keepalive interval as a Duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.WebSocket.PingInterval) * time.Second
}

// WSWriteTimeout returns the WebSocket write deadline as a Duration.
func (c *Config) WSWriteTimeout() time.Duration {
	return time.Duration(c.WebSocket.WriteTimeout) * time.Second
}
