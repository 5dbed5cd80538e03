// Package config loads server settings from the environment, reading a .env
// file first when one is present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every setting of the server.
type Config struct {
	Port int `env:"PORT,default=8080,strict"`

	// BackendURL may be empty; forwarded requests then fail with a configuration error.
	BackendURL       string        `env:"URL_BACKEND"`
	PublicBackendURL string        `env:"PUBLIC_URL_BACKEND"`
	APIPrefix        string        `env:"API_PREFIX,default=/api/v1"`
	UpstreamTimeout  time.Duration `env:"UPSTREAM_TIMEOUT,default=30s,strict"`

	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT,default=60s,strict"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s,strict"`

	DatabaseURL   string `env:"DATABASE_URL"`
	AuditCapacity int    `env:"AUDIT_CAPACITY,default=1000,strict"`

	GuardsFile string `env:"GUARDS_FILE"`

	// AdminToken guards the /internal endpoints. They are not served when it is empty.
	AdminToken string `env:"ADMIN_TOKEN"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS,default=20,strict"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST,default=40,strict"`

	// CORSAllowedOrigins is ;-separated in the environment.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:3000"`

	LogLevel        string `env:"LOG_LEVEL,default=INFO"`
	ErrorSampleRate int    `env:"ERROR_SAMPLE_RATE,default=1,strict"`
	OTELEnabled     bool   `env:"OTEL_ENABLED,default=false,strict"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME,default=loanbff"`
}

// Load reads the given .env files (".env" when none are given), then decodes
// the environment. Missing .env files are ignored; variables already set in
// the environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	cfg.BackendURL = strings.TrimSpace(cfg.BackendURL)
	cfg.PublicBackendURL = strings.TrimSpace(cfg.PublicBackendURL)
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges. An unset backend URL is not an error here.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %s", c.UpstreamTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	if c.AuditCapacity <= 0 {
		return fmt.Errorf("AUDIT_CAPACITY must be positive, got %d", c.AuditCapacity)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS cannot be negative, got %v", c.RateLimitRPS)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled, got %d", c.RateLimitBurst)
	}
	if c.ErrorSampleRate < 1 {
		return fmt.Errorf("ERROR_SAMPLE_RATE must be at least 1, got %d", c.ErrorSampleRate)
	}
	return nil
}

// AdminEnabled reports whether the /internal endpoints are served.
func (c *Config) AdminEnabled() bool {
	return c.AdminToken != ""
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
