/*
config.go - Server configuration

PURPOSE:
  Loads the server configuration from an optional YAML file, applies
  RENTAL_* environment overrides, fills defaults and validates the result.
  Command-line flags in cmd/server override the loaded values.

EXAMPLE FILE:
  server:
    port: 8080
  database:
    path: ./data/rental.db
  log:
    level: info
    format: json
  engine:
    lock_timeout: 5s
    lost_grace: 72h
    replacement_floor: "25.00"
    allow_deficit_default: false
    due_soon_window: 168h
  scheduler:
    enabled: true
    sweep: "0 0 * * * *"

ENVIRONMENT:
  RENTAL_PORT, RENTAL_DB_PATH, RENTAL_LOG_LEVEL, RENTAL_LOG_FORMAT,
  RENTAL_LOCK_TIMEOUT, RENTAL_LOST_GRACE, RENTAL_REPLACEMENT_FLOOR,
  RENTAL_ALLOW_DEFICIT, RENTAL_DUE_SOON_WINDOW, RENTAL_SCHEDULER_ENABLED,
  RENTAL_SWEEP_SCHEDULE

SEE ALSO:
  - cmd/server/main.go: Applies the config
  - rental/lifecycle.go: Options the engine section maps to
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/warp/rental-engine/rental"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig contains SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"` // ":memory:" for an in-memory database
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// EngineConfig maps onto rental.Options.
type EngineConfig struct {
	LockTimeout         time.Duration `yaml:"lock_timeout"`
	LostGrace           time.Duration `yaml:"lost_grace"`
	ReplacementFloor    string        `yaml:"replacement_floor"`
	AllowDeficitDefault bool          `yaml:"allow_deficit_default"`
	DueSoonWindow       time.Duration `yaml:"due_soon_window"`
}

// SchedulerConfig contains cron schedule settings
type SchedulerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Sweep   string `yaml:"sweep"` // six-field cron spec, seconds first
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080, ShutdownTimeout: 30 * time.Second},
		Database: DatabaseConfig{Path: "rental.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			LockTimeout:      rental.DefaultLockTimeout,
			LostGrace:        rental.DefaultLostGrace,
			ReplacementFloor: "0",
			DueSoonWindow:    rental.DefaultDueSoonWindow,
		},
		Scheduler: SchedulerConfig{Enabled: true, Sweep: "0 0 * * * *"},
	}
}

// Load reads configuration from a YAML file. An empty path starts from the
// defaults, so the server can run on flags and environment alone.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.overrideWithEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// overrideWithEnv overrides config values with environment variables
func (c *Config) overrideWithEnv() error {
	if val := os.Getenv("RENTAL_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("RENTAL_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if val := os.Getenv("RENTAL_DB_PATH"); val != "" {
		c.Database.Path = val
	}

	// Log
	if val := os.Getenv("RENTAL_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("RENTAL_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}

	// Engine
	durations := map[string]*time.Duration{
		"RENTAL_LOCK_TIMEOUT":    &c.Engine.LockTimeout,
		"RENTAL_LOST_GRACE":      &c.Engine.LostGrace,
		"RENTAL_DUE_SOON_WINDOW": &c.Engine.DueSoonWindow,
	}
	for name, dst := range durations {
		if val := os.Getenv(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
	}
	if val := os.Getenv("RENTAL_REPLACEMENT_FLOOR"); val != "" {
		c.Engine.ReplacementFloor = val
	}
	if val := os.Getenv("RENTAL_ALLOW_DEFICIT"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("RENTAL_ALLOW_DEFICIT: %w", err)
		}
		c.Engine.AllowDeficitDefault = b
	}

	// Scheduler
	if val := os.Getenv("RENTAL_SCHEDULER_ENABLED"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("RENTAL_SCHEDULER_ENABLED: %w", err)
		}
		c.Scheduler.Enabled = b
	}
	if val := os.Getenv("RENTAL_SWEEP_SCHEDULE"); val != "" {
		c.Scheduler.Sweep = val
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Log.Format)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Engine.LockTimeout < 0 || c.Engine.LostGrace < 0 || c.Engine.DueSoonWindow < 0 {
		return fmt.Errorf("engine durations must not be negative")
	}
	if _, err := c.replacementFloor(); err != nil {
		return err
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.Sweep == "" {
			c.Scheduler.Sweep = "0 0 * * * *"
		}
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Scheduler.Sweep); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", c.Scheduler.Sweep, err)
		}
	}
	return nil
}

func (c *Config) replacementFloor() (decimal.Decimal, error) {
	if c.Engine.ReplacementFloor == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.Engine.ReplacementFloor)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid replacement floor %q: %w", c.Engine.ReplacementFloor, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("replacement floor must not be negative")
	}
	return d, nil
}

// EngineOptions returns the rental.Options the engine section describes.
// Clock, ids, metrics and logger are left for the caller to wire.
func (c *Config) EngineOptions() rental.Options {
	floor, _ := c.replacementFloor()
	return rental.Options{
		LockTimeout:         c.Engine.LockTimeout,
		LostGrace:           c.Engine.LostGrace,
		ReplacementFloor:    floor,
		AllowDeficitDefault: c.Engine.AllowDeficitDefault,
		DueSoonWindow:       c.Engine.DueSoonWindow,
	}
}

// ServerAddress returns the HTTP listen address
func (c *Config) ServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
