// Package config defines all configuration for the tick engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TICK_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker           BrokerConfig     `mapstructure:"broker"`
	Pipeline         PipelineConfig   `mapstructure:"pipeline"`
	Backpressure     BackpressureCfg  `mapstructure:"backpressure"`
	MarketHours      MarketHoursCfg   `mapstructure:"market_hours"`
	InstrumentMaster InstrumentMaster `mapstructure:"instrument_master"`
	Logging          LoggingConfig    `mapstructure:"logging"`
	Dashboard        DashboardConfig  `mapstructure:"dashboard"`
}

// BrokerConfig holds the upstream WebSocket endpoint and credentials.
type BrokerConfig struct {
	WSURL       string `mapstructure:"ws_url"`
	APIKey      string `mapstructure:"api_key"`
	AccessToken string `mapstructure:"access_token"`
}

// PipelineConfig tunes the Sharded Tick Processor.
//
//   - Shards: number of shard workers; symbols hash-route to exactly one.
//   - ShardCapacity: bounded ring size per shard.
//   - SlowCallbackMs: callback invocations above this are logged as slow.
//   - EssentialSymbols: allow-list dispatched even under Emergency backpressure.
type PipelineConfig struct {
	Shards           int           `mapstructure:"shards"`
	ShardCapacity    int           `mapstructure:"shard_capacity"`
	SlowCallbackMs   int           `mapstructure:"slow_callback_ms"`
	EssentialSymbols []string      `mapstructure:"essential_symbols"`
	CoalesceInterval time.Duration `mapstructure:"coalesce_ms"`
}

// BackpressureCfg sets the fill-ratio thresholds dividing the four escalation tiers.
type BackpressureCfg struct {
	WarningPct  float64 `mapstructure:"warning_pct"`
	CriticalPct float64 `mapstructure:"critical_pct"`
	EmergencyPct float64 `mapstructure:"emergency_pct"`
}

// MarketHoursCfg gates callback dispatch outside the trading session.
type MarketHoursCfg struct {
	Open                   string   `mapstructure:"market_open"`
	Close                  string   `mapstructure:"market_close"`
	ExtendedHoursPrefixes  []string `mapstructure:"extended_hours_prefixes"`
}

// InstrumentMaster points at the broker's bootstrap instrument dump.
type InstrumentMaster struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the optional coalesced-snapshot web server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TICK_BROKER_API_KEY, TICK_BROKER_ACCESS_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TICK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("TICK_BROKER_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if token := os.Getenv("TICK_BROKER_ACCESS_TOKEN"); token != "" {
		cfg.Broker.AccessToken = token
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.shards", 4)
	v.SetDefault("pipeline.shard_capacity", 16384)
	v.SetDefault("pipeline.slow_callback_ms", 50)
	v.SetDefault("pipeline.coalesce_ms", 500*time.Millisecond)
	v.SetDefault("backpressure.warning_pct", 0.60)
	v.SetDefault("backpressure.critical_pct", 0.80)
	v.SetDefault("backpressure.emergency_pct", 0.90)
	v.SetDefault("market_hours.market_open", "09:15")
	v.SetDefault("market_hours.market_close", "15:30")
	v.SetDefault("instrument_master.timeout", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.WSURL == "" {
		return fmt.Errorf("broker.ws_url is required")
	}
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required (set TICK_BROKER_API_KEY)")
	}
	if c.Pipeline.Shards <= 0 {
		return fmt.Errorf("pipeline.shards must be > 0")
	}
	if c.Pipeline.ShardCapacity <= 0 {
		return fmt.Errorf("pipeline.shard_capacity must be > 0")
	}
	if c.Backpressure.WarningPct <= 0 || c.Backpressure.WarningPct >= c.Backpressure.CriticalPct {
		return fmt.Errorf("backpressure.warning_pct must be > 0 and < critical_pct")
	}
	if c.Backpressure.CriticalPct >= c.Backpressure.EmergencyPct {
		return fmt.Errorf("backpressure.critical_pct must be < emergency_pct")
	}
	if c.Backpressure.EmergencyPct > 1.0 {
		return fmt.Errorf("backpressure.emergency_pct must be <= 1.0")
	}
	if c.Dashboard.Enabled && c.Dashboard.Port <= 0 {
		return fmt.Errorf("dashboard.port must be > 0 when dashboard.enabled is true")
	}
	return nil
}
