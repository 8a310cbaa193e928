// Package config loads the host process configuration from environment
// variables, with defaults, and validates it before anything is started.
//
// Environment Variables:
//
// Identity server:
//   - FRONTEND_API_URL: Base URL of the frontend API (required)
//   - TOKEN_FETCH_TIMEOUT: Per-request timeout for token requests (default: 10s)
//   - TOKEN_FETCH_RPS: Token requests per second per session (default: 2)
//
// Refresh:
//   - ENABLE_POLLING: Run the background refresh (default: true)
//   - POLL_INTERVAL: Time between refresh ticks, at least 1s (default: 5s)
//   - REFRESH_MAX_RETRIES: Attempts per refresh (default: 5)
//   - REFRESH_INITIAL_DELAY: First backoff delay (default: 125ms)
//   - REFRESH_MAX_DELAY: Backoff cap (default: 3s)
//   - MAX_CONSECUTIVE_FAILURES: Report after this many failed refreshes in a
//     row, 0 never reports (default: 0)
//
// Coordination:
//   - LOCK_BACKEND: "redis" or "local" (default: local)
//   - LOCK_NAME: Name of the refresh lock (default: session-token-refresh)
//   - LOCK_WAIT: How long a tick queues for the lock (default: 5s)
//   - LOCK_EXPIRY: Lock hold TTL (default: 30s)
//   - COOKIE_BACKEND: "memory" or "redis" (default: memory)
//   - COOKIE_PREFIX: Key prefix for the shared cookie (default: identity-session:)
//
// Redis:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Bootstrap:
//   - SESSION_ID: Session to activate on start
//   - SESSION_TOKEN: Last known token of that session
//   - ORGANIZATION_ID: Last active organization of that session
//
// Process:
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FORMAT: "console" or "json" (default: console)
//   - STATUS_ADDRESS: Listen address of the status endpoint serving
//     /healthz, /metrics and /session; empty disables it (default: empty)
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"identity-session/internal/common/errors"
	"identity-session/internal/common/validation"
)

const (
	LockBackendRedis   = "redis"
	LockBackendLocal   = "local"
	CookieBackendMem   = "memory"
	CookieBackendRedis = "redis"
)

// Config holds all configuration values for the host process. Struct tags
// name the environment variable behind each field and its constraints.
type Config struct {
	LogLevel      string `env:"LOG_LEVEL"`
	LogFormat     string `env:"LOG_FORMAT" validate:"oneof=console json"`
	StatusAddress string `env:"STATUS_ADDRESS"`

	// Identity server
	FrontendAPIURL    string        `env:"FRONTEND_API_URL" validate:"required,url"`
	TokenFetchTimeout time.Duration `env:"TOKEN_FETCH_TIMEOUT" validate:"gt=0"`
	TokenFetchRPS     float64       `env:"TOKEN_FETCH_RPS" validate:"gt=0"`

	// Refresh
	EnablePolling bool `env:"ENABLE_POLLING"`
	// cron schedules in whole seconds
	PollInterval           time.Duration `env:"POLL_INTERVAL" validate:"min=1s"`
	RefreshMaxRetries      int           `env:"REFRESH_MAX_RETRIES" validate:"min=1"`
	RefreshInitialDelay    time.Duration `env:"REFRESH_INITIAL_DELAY" validate:"gt=0"`
	RefreshMaxDelay        time.Duration `env:"REFRESH_MAX_DELAY" validate:"gtefield=RefreshInitialDelay"`
	MaxConsecutiveFailures int           `env:"MAX_CONSECUTIVE_FAILURES" validate:"min=0"`

	// Coordination
	LockBackend   string        `env:"LOCK_BACKEND" validate:"oneof=redis local"`
	LockName      string        `env:"LOCK_NAME" validate:"required"`
	LockWait      time.Duration `env:"LOCK_WAIT" validate:"gt=0"`
	LockExpiry    time.Duration `env:"LOCK_EXPIRY" validate:"gt=0"`
	CookieBackend string        `env:"COOKIE_BACKEND" validate:"oneof=memory redis"`
	CookiePrefix  string        `env:"COOKIE_PREFIX"`

	// Redis
	RedisAddress  string `env:"REDIS_ADDRESS"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" validate:"min=0,max=15"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" validate:"min=1"`

	// Bootstrap session
	SessionID      string `env:"SESSION_ID" validate:"required_with=SessionToken"`
	SessionToken   string `env:"SESSION_TOKEN"`
	OrganizationID string `env:"ORGANIZATION_ID"`

	// invalid collects variables that were set but could not be parsed
	invalid []string
}

// Load reads the configuration from the environment. Call Validate on the
// result before use.
func Load() *Config {
	c := &Config{
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
		StatusAddress: getEnv("STATUS_ADDRESS", ""),

		FrontendAPIURL: getEnv("FRONTEND_API_URL", ""),

		EnablePolling: getBoolEnv("ENABLE_POLLING", true),

		LockBackend:   getEnv("LOCK_BACKEND", LockBackendLocal),
		LockName:      getEnv("LOCK_NAME", "session-token-refresh"),
		CookieBackend: getEnv("COOKIE_BACKEND", CookieBackendMem),
		CookiePrefix:  getEnv("COOKIE_PREFIX", "identity-session:"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		SessionID:      getEnv("SESSION_ID", ""),
		SessionToken:   getEnv("SESSION_TOKEN", ""),
		OrganizationID: getEnv("ORGANIZATION_ID", ""),
	}

	c.TokenFetchTimeout = c.getDurationEnv("TOKEN_FETCH_TIMEOUT", 10*time.Second)
	c.TokenFetchRPS = c.getFloatEnv("TOKEN_FETCH_RPS", 2)
	c.PollInterval = c.getDurationEnv("POLL_INTERVAL", 5*time.Second)
	c.RefreshMaxRetries = c.getIntEnv("REFRESH_MAX_RETRIES", 5)
	c.RefreshInitialDelay = c.getDurationEnv("REFRESH_INITIAL_DELAY", 125*time.Millisecond)
	c.RefreshMaxDelay = c.getDurationEnv("REFRESH_MAX_DELAY", 3*time.Second)
	c.MaxConsecutiveFailures = c.getIntEnv("MAX_CONSECUTIVE_FAILURES", 0)
	c.LockWait = c.getDurationEnv("LOCK_WAIT", 5*time.Second)
	c.LockExpiry = c.getDurationEnv("LOCK_EXPIRY", 30*time.Second)
	c.RedisDB = c.getIntEnv("REDIS_DB", 0)
	c.RedisPoolSize = c.getIntEnv("REDIS_POOL_SIZE", 10)

	return c
}

// NeedsRedis reports whether any configured backend uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.LockBackend == LockBackendRedis || c.CookieBackend == CookieBackendRedis
}

// getEnv retrieves an environment variable value or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv accepts the forms understood by strconv.ParseBool and falls back
// to defaultValue otherwise.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (c *Config) getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		c.invalid = append(c.invalid, fmt.Sprintf("%s must be a valid duration (e.g. '5s', '1m')", key))
		return defaultValue
	}
	return parsed
}

func (c *Config) getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		c.invalid = append(c.invalid, fmt.Sprintf("%s must be an integer", key))
		return defaultValue
	}
	return parsed
}

func (c *Config) getFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.invalid = append(c.invalid, fmt.Sprintf("%s must be a number", key))
		return defaultValue
	}
	return parsed
}

// Validate checks required fields, ranges and cross-field dependencies.
// Every failure is reported, not just the first.
func (c *Config) Validate() error {
	if len(c.invalid) > 0 {
		return errors.ConfigError(strings.Join(c.invalid, "; "))
	}

	if err := validation.New().Struct(c); err != nil {
		return err
	}

	if c.NeedsRedis() && c.RedisAddress == "" {
		return errors.ConfigError("REDIS_ADDRESS is required for the redis backends")
	}
	return nil
}
