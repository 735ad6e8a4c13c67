// Package config loads runtime configuration. Values come from an optional
// YAML file named by CONFIG_FILE, then environment variables, then defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Broker modes.
const (
	BrokerMock   = "mock"
	BrokerHTTP   = "http"
	BrokerAlpaca = "alpaca"
)

// Config holds all runtime configuration for the settlement server.
type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	Broker Broker `yaml:"broker"`
	Alpaca Alpaca `yaml:"alpaca"`

	MaxPositionPerSymbol     decimal.Decimal `yaml:"max_position_per_symbol"`
	MaxPositionPerUnderlying decimal.Decimal `yaml:"max_position_per_underlying"`

	ExpiryInterval  time.Duration `yaml:"expiry_interval"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Broker configures the partner broker gateway.
type Broker struct {
	Mode          string        `yaml:"mode"`
	APIURL        string        `yaml:"api_url"`
	APIKey        string        `yaml:"api_key"`
	APISecret     string        `yaml:"api_secret"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	WebhookSecret string        `yaml:"webhook_secret"`
}

// Alpaca holds credentials for the Alpaca trading API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

func defaults() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "info",
		CacheTTL: 30 * time.Second,
		Broker: Broker{
			Mode:       BrokerMock,
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Alpaca:          Alpaca{BaseURL: "https://paper-api.alpaca.markets"},
		ExpiryInterval:  time.Minute,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds the configuration and validates it. It returns an error for
// any unreadable file or invalid value.
func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var err error
	if cfg.Port, err = getInt("PORT", cfg.Port); err != nil {
		return fmt.Errorf("invalid PORT: %w", err)
	}
	cfg.LogLevel = getStr("LOG_LEVEL", cfg.LogLevel)

	cfg.DatabaseURL = getStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = getStr("SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisURL = getStr("REDIS_URL", cfg.RedisURL)
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", cfg.CacheTTL); err != nil {
		return fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	cfg.Broker.Mode = getStr("BROKER_MODE", cfg.Broker.Mode)
	cfg.Broker.APIURL = getStr("BROKER_API_URL", cfg.Broker.APIURL)
	cfg.Broker.APIKey = getStr("BROKER_API_KEY", cfg.Broker.APIKey)
	cfg.Broker.APISecret = getStr("BROKER_API_SECRET", cfg.Broker.APISecret)
	cfg.Broker.WebhookSecret = getStr("BROKER_WEBHOOK_SECRET", cfg.Broker.WebhookSecret)
	if cfg.Broker.Timeout, err = getDuration("BROKER_TIMEOUT", cfg.Broker.Timeout); err != nil {
		return fmt.Errorf("invalid BROKER_TIMEOUT: %w", err)
	}
	if cfg.Broker.MaxRetries, err = getInt("BROKER_MAX_RETRIES", cfg.Broker.MaxRetries); err != nil {
		return fmt.Errorf("invalid BROKER_MAX_RETRIES: %w", err)
	}

	// Standard Alpaca SDK variable names.
	cfg.Alpaca.APIKey = getStr("APCA_API_KEY_ID", cfg.Alpaca.APIKey)
	cfg.Alpaca.APISecret = getStr("APCA_API_SECRET_KEY", cfg.Alpaca.APISecret)
	cfg.Alpaca.BaseURL = getStr("ALPACA_BASE_URL", cfg.Alpaca.BaseURL)

	if cfg.MaxPositionPerSymbol, err = getDecimal("MAX_POSITION_PER_SYMBOL", cfg.MaxPositionPerSymbol); err != nil {
		return fmt.Errorf("invalid MAX_POSITION_PER_SYMBOL: %w", err)
	}
	if cfg.MaxPositionPerUnderlying, err = getDecimal("MAX_POSITION_PER_UNDERLYING", cfg.MaxPositionPerUnderlying); err != nil {
		return fmt.Errorf("invalid MAX_POSITION_PER_UNDERLYING: %w", err)
	}

	if cfg.ExpiryInterval, err = getDuration("EXPIRY_INTERVAL", cfg.ExpiryInterval); err != nil {
		return fmt.Errorf("invalid EXPIRY_INTERVAL: %w", err)
	}
	if cfg.ReadTimeout, err = getDuration("READ_TIMEOUT", cfg.ReadTimeout); err != nil {
		return fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}
	if cfg.WriteTimeout, err = getDuration("WRITE_TIMEOUT", cfg.WriteTimeout); err != nil {
		return fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", c.LogLevel)
	}
	switch c.Broker.Mode {
	case BrokerMock:
	case BrokerHTTP:
		if c.Broker.APIURL == "" {
			return fmt.Errorf("BROKER_API_URL is required when BROKER_MODE=http")
		}
	case BrokerAlpaca:
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required when BROKER_MODE=alpaca")
		}
	default:
		return fmt.Errorf("invalid BROKER_MODE: %q, must be one of: mock, http, alpaca", c.Broker.Mode)
	}
	// Unsigned webhooks are only accepted against the mock broker.
	if c.Broker.Mode != BrokerMock && c.Broker.WebhookSecret == "" {
		return fmt.Errorf("BROKER_WEBHOOK_SECRET is required when BROKER_MODE=%s", c.Broker.Mode)
	}
	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("invalid BROKER_TIMEOUT: %s", c.Broker.Timeout)
	}
	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("invalid BROKER_MAX_RETRIES: %d", c.Broker.MaxRetries)
	}
	if c.MaxPositionPerSymbol.IsNegative() || c.MaxPositionPerUnderlying.IsNegative() {
		return fmt.Errorf("position limits must not be negative")
	}
	if c.ExpiryInterval <= 0 {
		return fmt.Errorf("invalid EXPIRY_INTERVAL: %s", c.ExpiryInterval)
	}
	return nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return decimal.NewFromString(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
