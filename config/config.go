// Package config reads chime configuration with Viper, layering defaults,
// a TOML config file, and CHIME_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chimeworks/chime/engine"
	"github.com/chimeworks/chime/errors"
	"github.com/chimeworks/chime/retry"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig holds job store settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig holds scheduler and executor settings. Durations are
// expressed in seconds to keep the TOML surface plain.
type EngineConfig struct {
	Workers                int     `mapstructure:"workers"`
	SoftTimeLimitSeconds   int     `mapstructure:"soft_time_limit_seconds"`
	HardTimeLimitSeconds   int     `mapstructure:"hard_time_limit_seconds"`
	DispatchRatePerSecond  float64 `mapstructure:"dispatch_rate_per_second"`
	DispatchBurst          int     `mapstructure:"dispatch_burst"`
	RetryBaseDelaySeconds  int     `mapstructure:"retry_base_delay_seconds"`
	RetryMultiplier        float64 `mapstructure:"retry_multiplier"`
	RetryMaxAttempts       int     `mapstructure:"retry_max_attempts"`
	RecoveryLimit          int     `mapstructure:"recovery_limit"`
	ShutdownTimeoutSeconds int     `mapstructure:"shutdown_timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// Config is the full chime configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Log      LogConfig      `mapstructure:"log"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8642")

	v.SetDefault("database.path", "chime.db")

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.soft_time_limit_seconds", 300)
	v.SetDefault("engine.hard_time_limit_seconds", 360)
	v.SetDefault("engine.dispatch_rate_per_second", 0) // unlimited
	v.SetDefault("engine.dispatch_burst", 1)
	v.SetDefault("engine.retry_base_delay_seconds", 60)
	v.SetDefault("engine.retry_multiplier", 2.0)
	v.SetDefault("engine.retry_max_attempts", 3)
	v.SetDefault("engine.recovery_limit", 1000)
	v.SetDefault("engine.shutdown_timeout_seconds", 30)

	v.SetDefault("log.json", false)
}

// Load reads configuration from defaults, an optional chime.toml in the
// working directory, and CHIME_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	v.SetConfigName("chime")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.chime")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env carry the load.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	return unmarshal(v)
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	return unmarshal(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// EngineConfig translates the flat file settings into the engine's config.
func (c *Config) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Workers = c.Engine.Workers
	cfg.SoftTimeLimit = time.Duration(c.Engine.SoftTimeLimitSeconds) * time.Second
	cfg.HardTimeLimit = time.Duration(c.Engine.HardTimeLimitSeconds) * time.Second
	cfg.DispatchRate = c.Engine.DispatchRatePerSecond
	cfg.DispatchBurst = c.Engine.DispatchBurst
	cfg.RecoveryLimit = c.Engine.RecoveryLimit
	cfg.ShutdownTimeout = time.Duration(c.Engine.ShutdownTimeoutSeconds) * time.Second
	cfg.Retry = retry.Policy{
		BaseDelay:   time.Duration(c.Engine.RetryBaseDelaySeconds) * time.Second,
		Multiplier:  c.Engine.RetryMultiplier,
		MaxAttempts: c.Engine.RetryMaxAttempts,
	}
	return cfg
}
