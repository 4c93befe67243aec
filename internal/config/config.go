package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the flow pipeline.
type Config struct {
	Mode      string          `yaml:"mode"`
	Filter    FilterConfig    `yaml:"filter"`
	Batch     BatchConfig     `yaml:"batch"`
	Pressure  PressureConfig  `yaml:"pressure"`
	Validator ValidatorConfig `yaml:"validator"`
	Baseline  BaselineConfig  `yaml:"baseline"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	HTTP      HTTPConfig      `yaml:"http"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
}

// FilterConfig controls event admission.
type FilterConfig struct {
	MaxEventsPerSecond  float64 `yaml:"max_events_per_second"`
	MinTradeSize        float64 `yaml:"min_trade_size"`
	MaxSpreadRatio      float64 `yaml:"max_spread_ratio"`
	SessionBlackoutMins int     `yaml:"session_blackout_minutes"`
}

// BatchConfig controls the adaptive batcher and its worker pool.
type BatchConfig struct {
	MinBatchSize    int `yaml:"min_batch_size"`
	MaxBatchSize    int `yaml:"max_batch_size"`
	BatchTimeoutMs  int `yaml:"batch_timeout_ms"`
	TargetLatencyMs int `yaml:"target_latency_ms"`
	QueueCapacity   int `yaml:"queue_capacity"`
	Workers         int `yaml:"workers"`
}

// PressureConfig controls the multi-timeframe aggregator.
type PressureConfig struct {
	TimeframeMinutes []int `yaml:"timeframe_minutes"`
	PriceHistorySize int   `yaml:"price_history_size"`
	SweepAfterMins   int   `yaml:"sweep_after_minutes"`
}

// Timeframes converts the configured minute counts to durations.
func (c PressureConfig) Timeframes() []time.Duration {
	out := make([]time.Duration, 0, len(c.TimeframeMinutes))
	for _, m := range c.TimeframeMinutes {
		out = append(out, time.Duration(m)*time.Minute)
	}
	return out
}

// RuleConfig declares one validation rule.
type RuleConfig struct {
	Name   string  `yaml:"name"`
	Field  string  `yaml:"field"`
	Type   string  `yaml:"type"` // required | range | format | consistency
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
	Regex  string  `yaml:"regex"`
	Weight float64 `yaml:"weight"`
}

// ValidatorConfig controls quality scoring and the circuit breaker.
type ValidatorConfig struct {
	Rules            []RuleConfig `yaml:"rules"`
	AnomalyThreshold float64      `yaml:"anomaly_threshold"`
	HistorySize      int          `yaml:"history_size"`
	FailureThreshold int          `yaml:"failure_threshold"`
	BreakerTimeoutS  int          `yaml:"breaker_timeout_seconds"`
}

// BaselineConfig controls baseline statistics and persistence cadence.
type BaselineConfig struct {
	WindowSize        int `yaml:"window_size"`
	PersistEveryN     int `yaml:"persist_every_n"`
	HistoryRetainDays int `yaml:"history_retain_days"`
	CacheTTLSeconds   int `yaml:"cache_ttl_seconds"`
	InactiveEvictHrs  int `yaml:"inactive_evict_hours"`
}

// PipelineConfig controls the orchestrator.
type PipelineConfig struct {
	MaxErrors          int     `yaml:"max_errors"`
	ReconnectDelayS    int     `yaml:"reconnect_delay_seconds"`
	DailyEventBudget   int64   `yaml:"daily_event_budget"`
	SignalMinSeverity  string  `yaml:"signal_min_severity"`
	SignalMinRatio     float64 `yaml:"signal_min_ratio"`
	MarketHoursBypass  bool    `yaml:"market_hours_bypass"`
	SimulatedSymbols   int     `yaml:"simulated_symbols"`
	SimulatedRateHz    int     `yaml:"simulated_rate_hz"`
	StatusIntervalSecs int     `yaml:"status_interval_seconds"`
}

// HTTPConfig controls the operator endpoint.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// PostgresConfig controls baseline persistence.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RedisConfig controls the shared snapshot cache.
type RedisConfig struct {
	Addr              string `yaml:"addr"`
	DB                int    `yaml:"db"`
	DefaultTTLSeconds int    `yaml:"default_ttl_seconds"`
}

// DefaultTTL returns the cache TTL as a duration.
func (c RedisConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// Default returns a config suitable for development mode.
func Default() *Config {
	return &Config{
		Mode: "development",
		Filter: FilterConfig{
			MaxEventsPerSecond:  500,
			MinTradeSize:        1,
			MaxSpreadRatio:      0.25,
			SessionBlackoutMins: 5,
		},
		Batch: BatchConfig{
			MinBatchSize:    10,
			MaxBatchSize:    200,
			BatchTimeoutMs:  250,
			TargetLatencyMs: 50,
			QueueCapacity:   64,
			Workers:         4,
		},
		Pressure: PressureConfig{
			TimeframeMinutes: []int{1, 5, 15},
			PriceHistorySize: 50,
			SweepAfterMins:   60,
		},
		Validator: ValidatorConfig{
			Rules: []RuleConfig{
				{Name: "bid_present", Field: "bid_price", Type: "required", Weight: 1.0},
				{Name: "ask_present", Field: "ask_price", Type: "required", Weight: 1.0},
				{Name: "bid_range", Field: "bid_price", Type: "range", Min: 0.01, Max: 10000, Weight: 0.8},
				{Name: "ask_range", Field: "ask_price", Type: "range", Min: 0.01, Max: 10000, Weight: 0.8},
				{Name: "trade_size_range", Field: "trade_size", Type: "range", Min: 0, Max: 100000, Weight: 0.5},
				{Name: "event_id_format", Field: "event_id", Type: "format", Weight: 0.2},
				{Name: "quote_consistency", Field: "", Type: "consistency", Weight: 1.0},
			},
			AnomalyThreshold: 2.0,
			HistorySize:      500,
			FailureThreshold: 10,
			BreakerTimeoutS:  30,
		},
		Baseline: BaselineConfig{
			WindowSize:        2000,
			PersistEveryN:     10,
			HistoryRetainDays: 30,
			CacheTTLSeconds:   300,
			InactiveEvictHrs:  24,
		},
		Pipeline: PipelineConfig{
			MaxErrors:          50,
			ReconnectDelayS:    5,
			DailyEventBudget:   5_000_000,
			SignalMinSeverity:  "moderate",
			SignalMinRatio:     2.0,
			SimulatedSymbols:   8,
			SimulatedRateHz:    50,
			StatusIntervalSecs: 30,
		},
		HTTP: HTTPConfig{Addr: ":8090"},
		Postgres: PostgresConfig{
			DSN:            "postgres://localhost:5432/optionsflow?sslmode=disable",
			TimeoutSeconds: 5,
		},
		Redis: RedisConfig{
			Addr:              "localhost:6379",
			DefaultTTLSeconds: 300,
		},
	}
}

// Load reads a yaml config file, layering it over defaults.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Batch.MinBatchSize <= 0 || c.Batch.MaxBatchSize < c.Batch.MinBatchSize {
		return fmt.Errorf("batch sizes invalid: min=%d max=%d", c.Batch.MinBatchSize, c.Batch.MaxBatchSize)
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch workers must be positive, got %d", c.Batch.Workers)
	}
	if len(c.Pressure.TimeframeMinutes) == 0 {
		return fmt.Errorf("at least one pressure timeframe required")
	}
	for _, m := range c.Pressure.TimeframeMinutes {
		if m <= 0 {
			return fmt.Errorf("timeframe minutes must be positive, got %d", m)
		}
	}
	if c.Validator.FailureThreshold <= 0 {
		return fmt.Errorf("validator failure threshold must be positive")
	}
	if c.Baseline.WindowSize <= 0 {
		return fmt.Errorf("baseline window size must be positive")
	}
	if c.Pipeline.MaxErrors <= 0 {
		return fmt.Errorf("pipeline max errors must be positive")
	}
	return nil
}
