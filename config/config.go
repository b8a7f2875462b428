// Package config implements the environment-driven configuration surface
// described in section 6 of the design specification.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every configuration parameter the bridge reads at startup,
// per section 6's enumerated environment variable list.
type Config struct {
	BusURL string // BUS_URL

	S3Region    string // S3_REGION
	S3Endpoint  string // S3_ENDPOINT, optional: non-empty for S3-compatible stores
	S3AccessKey string // S3_ACCESS_KEY
	S3SecretKey string // S3_SECRET_KEY

	DBURL string // DB_URL

	HTTPListen string // HTTP_LISTEN
	LogLevel   string // LOG_LEVEL

	ReconcilerInterval time.Duration // RECONCILER_INTERVAL

	S3RetryMaxAttempts int           // S3_RETRY_MAX_ATTEMPTS
	S3RetryBaseDelay   time.Duration // S3_RETRY_BASE_DELAY
	S3RetryMaxDelay    time.Duration // S3_RETRY_MAX_DELAY
}

// FromEnv reads Config from the process environment, applying the
// defaults section 6 specifies for every optional variable.
func FromEnv() (*Config, error) {
	c := &Config{
		BusURL:             getEnv("BUS_URL", ""),
		S3Region:           getEnv("S3_REGION", ""),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3AccessKey:        getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:        getEnv("S3_SECRET_KEY", ""),
		DBURL:              getEnv("DB_URL", ""),
		HTTPListen:         getEnv("HTTP_LISTEN", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		S3RetryMaxAttempts: 5,
		S3RetryBaseDelay:   100 * time.Millisecond,
		S3RetryMaxDelay:    30 * time.Second,
		ReconcilerInterval: 5 * time.Minute,
	}

	var err error
	if c.ReconcilerInterval, err = getEnvDuration("RECONCILER_INTERVAL", c.ReconcilerInterval); err != nil {
		return nil, err
	}
	if c.S3RetryMaxAttempts, err = getEnvInt("S3_RETRY_MAX_ATTEMPTS", c.S3RetryMaxAttempts); err != nil {
		return nil, err
	}
	if c.S3RetryBaseDelay, err = getEnvDuration("S3_RETRY_BASE_DELAY", c.S3RetryBaseDelay); err != nil {
		return nil, err
	}
	if c.S3RetryMaxDelay, err = getEnvDuration("S3_RETRY_MAX_DELAY", c.S3RetryMaxDelay); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate ensures every required field is present and every bounded
// field is within range, per section 6.
func (c *Config) Validate() error {
	if c.BusURL == "" {
		return fmt.Errorf("BUS_URL is required")
	}
	if c.S3Region == "" {
		return fmt.Errorf("S3_REGION is required")
	}
	if c.S3AccessKey == "" {
		return fmt.Errorf("S3_ACCESS_KEY is required")
	}
	if c.S3SecretKey == "" {
		return fmt.Errorf("S3_SECRET_KEY is required")
	}
	if c.DBURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if c.HTTPListen == "" {
		return fmt.Errorf("HTTP_LISTEN is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	if c.ReconcilerInterval < time.Second {
		return fmt.Errorf("RECONCILER_INTERVAL must be at least 1 second")
	}
	if c.S3RetryMaxAttempts < 1 {
		return fmt.Errorf("S3_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.S3RetryBaseDelay <= 0 {
		return fmt.Errorf("S3_RETRY_BASE_DELAY must be positive")
	}
	if c.S3RetryMaxDelay < c.S3RetryBaseDelay {
		return fmt.Errorf("S3_RETRY_MAX_DELAY must be >= S3_RETRY_BASE_DELAY")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
