// Package config provides configuration for the Beamline gateway, loaded
// from an optional YAML file with GATEWAY_* environment overrides. The
// environment always wins so deployments can tune a shared file per
// instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	// ErrInvalidListen indicates an empty listen address.
	ErrInvalidListen = errors.New("listen address must not be empty")

	// ErrInvalidLimit indicates a non-positive limit value.
	ErrInvalidLimit = errors.New("limit must be positive")
)

// Config is the root gateway configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	NATS      NATSConfig      `yaml:"nats"`
	Admission AdmissionConfig `yaml:"admission"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// NATSConfig holds message bus settings.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// AdmissionConfig holds admission controller limits.
type AdmissionConfig struct {
	GlobalMax  int `yaml:"globalMax"`
	PerConnMax int `yaml:"perConnMax"`
}

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Burst    int           `yaml:"burst"`
	Redis    RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the optional distributed limiter backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Required bool     `yaml:"required"`
	Keys     []string `yaml:"keys"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds OTLP export settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			RequestTimeout: 5 * time.Second,
		},
		Admission: AdmissionConfig{
			GlobalMax:  1000,
			PerConnMax: 10,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 100,
			Window:   time.Minute,
			Burst:    10,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SampleRatio: 1.0,
		},
	}
}

// Load reads the configuration: defaults, then the YAML file (when path is
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return ErrInvalidListen
	}
	if c.Admission.GlobalMax <= 0 || c.Admission.PerConnMax <= 0 {
		return fmt.Errorf("%w: admission limits", ErrInvalidLimit)
	}
	if c.RateLimit.Enabled && c.RateLimit.Requests <= 0 {
		return fmt.Errorf("%w: rateLimit.requests", ErrInvalidLimit)
	}
	return nil
}

// applyEnv overlays GATEWAY_* environment variables.
func applyEnv(cfg *Config) {
	setString(&cfg.Listen, "GATEWAY_LISTEN")
	setString(&cfg.NATS.URL, "GATEWAY_NATS_URL")
	setDuration(&cfg.NATS.RequestTimeout, "GATEWAY_NATS_REQUEST_TIMEOUT")
	setInt(&cfg.Admission.GlobalMax, "GATEWAY_ADMISSION_GLOBAL_MAX")
	setInt(&cfg.Admission.PerConnMax, "GATEWAY_ADMISSION_PER_CONN_MAX")
	setBool(&cfg.RateLimit.Enabled, "GATEWAY_RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.Requests, "GATEWAY_RATE_LIMIT_REQUESTS")
	setDuration(&cfg.RateLimit.Window, "GATEWAY_RATE_LIMIT_WINDOW")
	setInt(&cfg.RateLimit.Burst, "GATEWAY_RATE_LIMIT_BURST")
	setBool(&cfg.RateLimit.Redis.Enabled, "GATEWAY_RATE_LIMIT_REDIS_ENABLED")
	setString(&cfg.RateLimit.Redis.Addr, "GATEWAY_RATE_LIMIT_REDIS_ADDR")
	setBool(&cfg.Auth.Required, "GATEWAY_AUTH_REQUIRED")
	setString(&cfg.Log.Level, "GATEWAY_LOG_LEVEL")
	setString(&cfg.Log.Format, "GATEWAY_LOG_FORMAT")
	setBool(&cfg.Tracing.Enabled, "GATEWAY_TRACING_ENABLED")
	setString(&cfg.Tracing.OTLPEndpoint, "GATEWAY_OTLP_ENDPOINT")

	if keys := os.Getenv("GATEWAY_AUTH_KEYS"); keys != "" {
		cfg.Auth.Keys = strings.Split(keys, ",")
	}
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
