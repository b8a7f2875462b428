package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		BusURL:             "nats://localhost:4222",
		S3Region:           "us-west-2",
		S3AccessKey:        "AKIAEXAMPLE",
		S3SecretKey:        "secret",
		DBURL:              "postgres://localhost/nats3",
		HTTPListen:         ":8080",
		LogLevel:           "info",
		ReconcilerInterval: time.Minute,
		S3RetryMaxAttempts: 5,
		S3RetryBaseDelay:   100 * time.Millisecond,
		S3RetryMaxDelay:    30 * time.Second,
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestMissingBusURL(t *testing.T) {
	cfg := validConfig()
	cfg.BusURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing bus URL")
	}
}

func TestMissingS3Credentials(t *testing.T) {
	cfg := validConfig()
	cfg.S3AccessKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing S3 access key")
	}

	cfg = validConfig()
	cfg.S3SecretKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing S3 secret key")
	}
}

func TestMissingDBURL(t *testing.T) {
	cfg := validConfig()
	cfg.DBURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing DB URL")
	}
}

func TestInvalidLogLevel(t *testing.T) {
	testCases := []string{"trace", "INFO", "", "verbose"}
	for _, level := range testCases {
		t.Run(level, func(t *testing.T) {
			cfg := validConfig()
			cfg.LogLevel = level
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid log level: %s", level)
			}
		})
	}
}

func TestValidLogLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			cfg := validConfig()
			cfg.LogLevel = level
			if err := cfg.Validate(); err != nil {
				t.Errorf("expected valid log level %s to pass, got: %v", level, err)
			}
		})
	}
}

func TestInvalidReconcilerInterval(t *testing.T) {
	testCases := []time.Duration{0, 500 * time.Millisecond, -time.Second}
	for _, interval := range testCases {
		t.Run("interval", func(t *testing.T) {
			cfg := validConfig()
			cfg.ReconcilerInterval = interval
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid reconciler interval: %v", interval)
			}
		})
	}
}

func TestInvalidRetryAttempts(t *testing.T) {
	testCases := []int{0, -1}
	for _, attempts := range testCases {
		t.Run("attempts", func(t *testing.T) {
			cfg := validConfig()
			cfg.S3RetryMaxAttempts = attempts
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for invalid retry attempts: %d", attempts)
			}
		})
	}
}

func TestRetryMaxDelayBelowBase(t *testing.T) {
	cfg := validConfig()
	cfg.S3RetryBaseDelay = time.Second
	cfg.S3RetryMaxDelay = 500 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when max delay is below base delay")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("BUS_URL", "nats://localhost:4222")
	t.Setenv("S3_REGION", "us-west-2")
	t.Setenv("S3_ACCESS_KEY", "AKIAEXAMPLE")
	t.Setenv("S3_SECRET_KEY", "secret")
	t.Setenv("DB_URL", "postgres://localhost/nats3")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HTTPListen != ":8080" {
		t.Errorf("expected default HTTP_LISTEN, got %q", cfg.HTTPListen)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default LOG_LEVEL, got %q", cfg.LogLevel)
	}
	if cfg.S3RetryMaxAttempts != 5 {
		t.Errorf("expected default retry attempts 5, got %d", cfg.S3RetryMaxAttempts)
	}
}
