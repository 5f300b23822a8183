// Package config loads Aethelgard's static configuration and watches the
// on-disk DynamicParams override file for hot-reloadable tuning changes.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full static configuration loaded at startup. Only the
// DynamicParams overrides section is reloadable without a restart; every
// other field requires the process to be restarted to take effect.
type Config struct {
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Scanner    ScannerConfig    `mapstructure:"scanner"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	DynamicOverridesPath string `mapstructure:"dynamic_overrides_path"`
}

// PostgresConfig describes the Persistence component's connection.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// BrokerConfig selects and configures a BrokerConnector from the registry.
type BrokerConfig struct {
	Name       string `mapstructure:"name"`
	ConfigJSON string `mapstructure:"config_json"`
}

// ScannerConfig governs the Scanner's cadence loop.
type ScannerConfig struct {
	Symbols       []string      `mapstructure:"symbols"`
	Timeframes    []string      `mapstructure:"timeframes"`
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	WorkerCount   int           `mapstructure:"worker_count"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
}

// RiskConfig holds the static (non-reloadable) risk settings read at
// startup; none of its fields is a DynamicParams field.
type RiskConfig struct {
	StartingEquity        decimal.Decimal `mapstructure:"starting_equity"`
	MaxConsecutiveLosses  int             `mapstructure:"max_consecutive_losses"`
	AutoClearLockdown     bool            `mapstructure:"auto_clear_lockdown"`
	MaxAccountRiskFraction decimal.Decimal `mapstructure:"max_account_risk_fraction"`
}

// LoggingConfig controls the zap logger construction.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Validate checks structural invariants that viper's decode step cannot.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Broker.Name == "" {
		return fmt.Errorf("config: broker.name is required")
	}
	if c.Scanner.CycleInterval <= 0 {
		return fmt.Errorf("config: scanner.cycle_interval must be positive")
	}
	if c.Scanner.WorkerCount <= 0 {
		return fmt.Errorf("config: scanner.worker_count must be positive")
	}
	if len(c.Scanner.Symbols) == 0 {
		return fmt.Errorf("config: scanner.symbols must not be empty")
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("config: risk.max_consecutive_losses must be positive")
	}
	return nil
}

// Load reads path (YAML) via viper, applying AETHELGARD_-prefixed
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("AETHELGARD")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)
	v.SetDefault("scanner.cycle_interval", time.Minute)
	v.SetDefault("scanner.worker_count", 8)
	v.SetDefault("scanner.task_timeout", 30*time.Second)
	v.SetDefault("risk.max_consecutive_losses", 4)
	v.SetDefault("risk.auto_clear_lockdown", false)
	v.SetDefault("logging.level", "info")
}
