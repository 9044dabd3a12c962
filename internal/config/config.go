package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full consumer-tier configuration, loaded from YAML with
// environment overrides for secrets.
type Config struct {
	BusType     string `yaml:"bus_type"`
	BusAddress  string `yaml:"bus_address"`
	BusDB       int    `yaml:"bus_db"`
	BusPassword string `yaml:"bus_password"`

	BufferIntervalMS int `yaml:"buffer_interval_ms"`
	BufferMaxSize    int `yaml:"buffer_max_size"`

	PatternTTLSec       int `yaml:"pattern_ttl_sec"`
	ResponseCacheTTLSec int `yaml:"response_cache_ttl_sec"`
	IndexTTLSec         int `yaml:"index_ttl_sec"`
	MaxCachedPatterns   int `yaml:"max_cached_patterns"`

	RateLimitEventsPerSec int `yaml:"rate_limit_events_per_sec"`
	PerSendDeadlineMS     int `yaml:"per_send_deadline_ms"`
	QueryDeadlineMS       int `yaml:"query_deadline_ms"`
	BroadcastWorkers      int `yaml:"broadcast_workers"`

	HTTPListen  string `yaml:"http_listen"`
	DatabaseURL string `yaml:"database_url"`

	Channels Channels `yaml:"channels"`
}

// Channels maps the logical bus channels to their deployed names.
type Channels struct {
	PatternsStreaming  string `yaml:"patterns_streaming"`
	PatternsDetected   string `yaml:"patterns_detected"`
	Indicators         string `yaml:"indicators_streaming"`
	StreamingHealth    string `yaml:"streaming_health"`
	SessionStarted     string `yaml:"session_started"`
	SessionStopped     string `yaml:"session_stopped"`
	CriticalAlerts     string `yaml:"alerts_critical"`
	BacktestProgress   string `yaml:"backtesting_progress"`
	BacktestResults    string `yaml:"backtesting_results"`
}

// All returns every configured channel name in subscription order.
func (c Channels) All() []string {
	return []string{
		c.PatternsStreaming, c.PatternsDetected, c.Indicators,
		c.StreamingHealth, c.SessionStarted, c.SessionStopped,
		c.CriticalAlerts, c.BacktestProgress, c.BacktestResults,
	}
}

// Load reads the configuration file, applies defaults and validates.
// Path may be empty when everything comes from defaults plus the
// PATTERNCAST_BUS_ADDRESS / PATTERNCAST_BUS_PASSWORD environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PATTERNCAST_BUS_ADDRESS"); v != "" {
		c.BusAddress = v
	}
	if v := os.Getenv("PATTERNCAST_BUS_PASSWORD"); v != "" {
		c.BusPassword = v
	}
	if v := os.Getenv("PATTERNCAST_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.BusType == "" {
		c.BusType = "redis"
	}
	if c.BufferIntervalMS <= 0 {
		c.BufferIntervalMS = 250
	}
	if c.BufferMaxSize <= 0 {
		c.BufferMaxSize = 100
	}
	if c.PatternTTLSec <= 0 {
		c.PatternTTLSec = 3600
	}
	if c.ResponseCacheTTLSec <= 0 {
		c.ResponseCacheTTLSec = 30
	}
	if c.IndexTTLSec <= 0 {
		c.IndexTTLSec = 3600
	}
	if c.MaxCachedPatterns <= 0 {
		c.MaxCachedPatterns = 50000
	}
	if c.RateLimitEventsPerSec <= 0 {
		c.RateLimitEventsPerSec = 100
	}
	if c.PerSendDeadlineMS <= 0 {
		c.PerSendDeadlineMS = 50
	}
	if c.QueryDeadlineMS <= 0 {
		c.QueryDeadlineMS = 1000
	}
	if c.BroadcastWorkers <= 0 {
		c.BroadcastWorkers = 4
	}
	if c.HTTPListen == "" {
		c.HTTPListen = ":8090"
	}

	ch := &c.Channels
	if ch.PatternsStreaming == "" {
		ch.PatternsStreaming = "patterns.streaming"
	}
	if ch.PatternsDetected == "" {
		ch.PatternsDetected = "patterns.detected"
	}
	if ch.Indicators == "" {
		ch.Indicators = "indicators.streaming"
	}
	if ch.StreamingHealth == "" {
		ch.StreamingHealth = "streaming.health"
	}
	if ch.SessionStarted == "" {
		ch.SessionStarted = "streaming.session_started"
	}
	if ch.SessionStopped == "" {
		ch.SessionStopped = "streaming.session_stopped"
	}
	if ch.CriticalAlerts == "" {
		ch.CriticalAlerts = "alerts.critical"
	}
	if ch.BacktestProgress == "" {
		ch.BacktestProgress = "backtesting.progress"
	}
	if ch.BacktestResults == "" {
		ch.BacktestResults = "backtesting.results"
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.BusType {
	case "redis", "nats", "stub":
	default:
		return fmt.Errorf("unknown bus_type %q (want redis, nats or stub)", c.BusType)
	}
	if c.BusAddress == "" && c.BusType != "stub" {
		return fmt.Errorf("bus_address is required")
	}
	return nil
}

// Derived durations.

func (c *Config) BufferInterval() time.Duration {
	return time.Duration(c.BufferIntervalMS) * time.Millisecond
}

func (c *Config) PatternTTL() time.Duration {
	return time.Duration(c.PatternTTLSec) * time.Second
}

func (c *Config) ResponseCacheTTL() time.Duration {
	return time.Duration(c.ResponseCacheTTLSec) * time.Second
}

func (c *Config) PerSendDeadline() time.Duration {
	return time.Duration(c.PerSendDeadlineMS) * time.Millisecond
}

func (c *Config) QueryDeadline() time.Duration {
	return time.Duration(c.QueryDeadlineMS) * time.Millisecond
}
