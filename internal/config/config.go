// Package config loads the engine's configuration from a YAML file with
// environment-variable expansion, applies defaults, and validates. Decimal
// settings travel as strings in YAML and are parsed exactly; there is no
// process-wide settings object; the loaded value is passed into the engine.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Default values for optional configuration fields.
const (
	DefaultPort                 = "8080"
	DefaultLiquidityB           = "100"
	DefaultInitialBalance       = "10000.00"
	DefaultSweepIntervalSeconds = 60
	DefaultCacheTTLSeconds      = 30
)

// Config is the root configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Engine EngineConfig `yaml:"engine"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// StoreConfig holds persistence settings. An empty DatabaseURL selects the
// in-memory store; an empty RedisURL disables the cache layer.
type StoreConfig struct {
	DatabaseURL     string `yaml:"database_url"`
	RedisURL        string `yaml:"redis_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// EngineConfig holds the market engine settings.
type EngineConfig struct {
	// DefaultLiquidityB is the LMSR liquidity parameter for new markets.
	DefaultLiquidityB string `yaml:"default_liquidity_b"`

	// AllowSell enables SELL trades.
	AllowSell bool `yaml:"allow_sell"`

	// SweepIntervalSeconds is how often the expiry sweeper runs.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// InitialBalance is the balance seeded for new circle members. The
	// engine itself never reads it; it is consumed by the membership
	// collaborator.
	InitialBalance string `yaml:"initial_balance"`
}

// Load reads a YAML config file, expands ${VAR} environment variables,
// applies defaults, and validates. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if c.Store.DatabaseURL == "" {
		c.Store.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Store.RedisURL == "" {
		c.Store.RedisURL = os.Getenv("REDIS_URL")
	}
	if c.Store.CacheTTLSeconds == 0 {
		c.Store.CacheTTLSeconds = DefaultCacheTTLSeconds
	}
	if c.Engine.DefaultLiquidityB == "" {
		c.Engine.DefaultLiquidityB = DefaultLiquidityB
	}
	if c.Engine.SweepIntervalSeconds == 0 {
		c.Engine.SweepIntervalSeconds = DefaultSweepIntervalSeconds
	}
	if c.Engine.InitialBalance == "" {
		c.Engine.InitialBalance = DefaultInitialBalance
	}
}

// Validate checks that parsed settings are usable.
func (c *Config) Validate() error {
	b, err := decimal.NewFromString(c.Engine.DefaultLiquidityB)
	if err != nil {
		return fmt.Errorf("default_liquidity_b %q is not a decimal: %w", c.Engine.DefaultLiquidityB, err)
	}
	if b.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("default_liquidity_b must be positive, got %s", b)
	}
	if _, err := decimal.NewFromString(c.Engine.InitialBalance); err != nil {
		return fmt.Errorf("initial_balance %q is not a decimal: %w", c.Engine.InitialBalance, err)
	}
	if c.Engine.SweepIntervalSeconds < 1 {
		return fmt.Errorf("sweep_interval_seconds must be at least 1, got %d", c.Engine.SweepIntervalSeconds)
	}
	return nil
}

// LiquidityB returns the parsed default liquidity parameter.
func (c *Config) LiquidityB() decimal.Decimal {
	return decimal.RequireFromString(c.Engine.DefaultLiquidityB)
}

// SweepInterval returns the sweeper interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Engine.SweepIntervalSeconds) * time.Second
}

// CacheTTL returns the Redis cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Store.CacheTTLSeconds) * time.Second
}
