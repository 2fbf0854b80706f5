// Package config provides configuration management for the engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Live     LiveConfig     `mapstructure:"live"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	UI       UIConfig       `mapstructure:"ui"`
}

// EngineConfig holds the loop cadences and seams.
type EngineConfig struct {
	SettlementScanInterval      time.Duration `mapstructure:"settlement_scan_interval"`
	MarginScanInterval          time.Duration `mapstructure:"margin_scan_interval"`
	MarginAfterCorporateActions bool          `mapstructure:"margin_after_corporate_actions"`
	SettlementDays              int           `mapstructure:"settlement_days"`
	MaintenanceMarginRatio      float64       `mapstructure:"maintenance_margin_ratio"`
}

// BacktestConfig holds backtest run parameters.
type BacktestConfig struct {
	StartingCash float64 `mapstructure:"starting_cash"`
	DataDir      string  `mapstructure:"data_dir"`
}

// LiveConfig holds live feed parameters.
type LiveConfig struct {
	FeedURL       string        `mapstructure:"feed_url"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
}

// LimitsConfig holds the time limit monitor parameters.
type LimitsConfig struct {
	TimeLoopMaximum time.Duration `mapstructure:"time_loop_maximum"`
	BucketCapacity  int           `mapstructure:"bucket_capacity"`
	RefillPerHour   int           `mapstructure:"refill_per_hour"`
}

// UIConfig holds output-related configuration.
type UIConfig struct {
	ColorEnabled bool   `mapstructure:"color_enabled"`
	TimeFormat   string `mapstructure:"time_format"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/quantloop"
	}
	return filepath.Join(home, ".config", "quantloop")
}

// DefaultDBPath returns the default run store location.
func DefaultDBPath() string {
	return filepath.Join(DefaultConfigDir(), "quantloop.db")
}

// Load loads configuration from the specified directory. If configDir is
// empty, the default config directory is used. A missing file yields the
// defaults rather than an error.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.settlement_scan_interval", 30*time.Minute)
	v.SetDefault("engine.margin_scan_interval", 5*time.Minute)
	v.SetDefault("engine.margin_after_corporate_actions", true)
	v.SetDefault("engine.settlement_days", 1)
	v.SetDefault("engine.maintenance_margin_ratio", 0.25)
	v.SetDefault("backtest.starting_cash", 100000.0)
	v.SetDefault("live.batch_interval", time.Second)
	v.SetDefault("limits.time_loop_maximum", 10*time.Minute)
	v.SetDefault("limits.bucket_capacity", 30)
	v.SetDefault("limits.refill_per_hour", 6)
	v.SetDefault("ui.color_enabled", true)
	v.SetDefault("ui.time_format", "2006-01-02 15:04:05")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUANTLOOP_FEED_URL"); v != "" {
		cfg.Live.FeedURL = v
	}
	if v := os.Getenv("QUANTLOOP_DATA_DIR"); v != "" {
		cfg.Backtest.DataDir = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Engine.SettlementScanInterval <= 0 {
		return fmt.Errorf("engine.settlement_scan_interval must be positive")
	}
	if c.Engine.MarginScanInterval <= 0 {
		return fmt.Errorf("engine.margin_scan_interval must be positive")
	}
	if c.Engine.SettlementDays < 0 {
		return fmt.Errorf("engine.settlement_days cannot be negative")
	}
	if c.Engine.MaintenanceMarginRatio <= 0 || c.Engine.MaintenanceMarginRatio >= 1 {
		return fmt.Errorf("engine.maintenance_margin_ratio must be in (0, 1)")
	}
	if c.Backtest.StartingCash <= 0 {
		return fmt.Errorf("backtest.starting_cash must be positive")
	}
	if c.Limits.TimeLoopMaximum <= 0 {
		return fmt.Errorf("limits.time_loop_maximum must be positive")
	}
	return nil
}
