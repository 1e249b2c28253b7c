package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Platform    PlatformConfig
	Provisioner ProvisionerConfig
	Auth        AuthConfig
	Lock        LockConfig
	Events      EventsConfig
	Log         LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"SERVER_PORT" envDefault:"8788"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9091"` // Empty disables the metrics listener
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"DB_DSN" envDefault:"data/provisioner.db"`
}

// PlatformConfig holds the hosting platform API configuration.
type PlatformConfig struct {
	APIURL          string        `env:"PLATFORM_API_URL"`
	APIToken        string        `env:"PLATFORM_API_TOKEN"`
	ServerUUID      string        `env:"PLATFORM_SERVER_UUID"`
	DestinationUUID string        `env:"PLATFORM_DESTINATION_UUID"`
	Environment     string        `env:"PLATFORM_ENVIRONMENT" envDefault:"production"`
	Timeout         time.Duration `env:"PLATFORM_TIMEOUT" envDefault:"30s"`
	RateLimit       float64       `env:"PLATFORM_RATE_LIMIT" envDefault:"5"` // Requests per second, 0 disables pacing
	ShimDir         string        `env:"PLATFORM_SHIM_DIR"`                  // Directory for the local shim (disables real API)
}

// ProvisionerConfig holds stack lifecycle behavior.
type ProvisionerConfig struct {
	BaseDomain       string        `env:"BASE_DOMAIN" envDefault:"agents.cloudfreedom.de"`
	ProjectPrefix    string        `env:"PROJECT_PREFIX" envDefault:"tenant-"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	PollMaxAttempts  int           `env:"POLL_MAX_ATTEMPTS" envDefault:"30"`
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT" envDefault:"2m"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	AdminSecret string `env:"ADMIN_SECRET_KEY"`
	JWTSecret   string `env:"AUTH_JWT_SECRET"`
}

// LockConfig selects the per-stack lock backend.
type LockConfig struct {
	RedisURL string        `env:"REDIS_URL"` // Empty uses the in-process lock
	TTL      time.Duration `env:"LOCK_TTL" envDefault:"5m"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	AMQPURL  string `env:"AMQP_URL"` // Empty disables publishing
	Exchange string `env:"AMQP_EXCHANGE" envDefault:"stack.lifecycle"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load loads configuration from environment variables.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.Platform); err != nil {
		return nil, fmt.Errorf("parsing platform config: %w", err)
	}
	if err := env.Parse(&cfg.Provisioner); err != nil {
		return nil, fmt.Errorf("parsing provisioner config: %w", err)
	}
	if err := env.Parse(&cfg.Auth); err != nil {
		return nil, fmt.Errorf("parsing auth config: %w", err)
	}
	if err := env.Parse(&cfg.Lock); err != nil {
		return nil, fmt.Errorf("parsing lock config: %w", err)
	}
	if err := env.Parse(&cfg.Events); err != nil {
		return nil, fmt.Errorf("parsing events config: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// If using the shim, platform credentials are not required
	if c.Platform.ShimDir == "" {
		if c.Platform.APIURL == "" {
			return fmt.Errorf("PLATFORM_API_URL is required (or set PLATFORM_SHIM_DIR for testing)")
		}
		if c.Platform.APIToken == "" {
			return fmt.Errorf("PLATFORM_API_TOKEN is required (or set PLATFORM_SHIM_DIR for testing)")
		}
		if c.Platform.ServerUUID == "" {
			return fmt.Errorf("PLATFORM_SERVER_UUID is required")
		}
	}

	if c.Provisioner.BaseDomain == "" {
		return fmt.Errorf("BASE_DOMAIN is required")
	}
	if c.Provisioner.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.Provisioner.PollMaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}
	if c.Platform.RateLimit < 0 {
		return fmt.Errorf("PLATFORM_RATE_LIMIT must not be negative")
	}

	if c.Auth.AdminSecret == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("ADMIN_SECRET_KEY or AUTH_JWT_SECRET is required")
	}

	return nil
}

// UseShim returns true if the local shim should be used instead of the real API.
func (c *Config) UseShim() bool {
	return c.Platform.ShimDir != ""
}
