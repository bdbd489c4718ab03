// Package config loads the router configuration from an optional YAML file
// with PRICEROUTER_* environment overrides, e.g.
//
//	PRICEROUTER_ROUTER_FAILOVER_THRESHOLD=45s
//	PRICEROUTER_PRIMARY_URL=wss://stream.example.com/v1/prices
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"pricerouter/internal/model"
)

// Config holds all application configuration.
type Config struct {
	Service  string `mapstructure:"service"`
	LogLevel string `mapstructure:"log_level"`

	// Symbols are "TICKER:VENUE" entries. Ignored when SymbolsRedisKey is set.
	Symbols         []string `mapstructure:"symbols"`
	SymbolsRedisKey string   `mapstructure:"symbols_redis_key"`

	Router     RouterConfig     `mapstructure:"router"`
	Validation ValidationConfig `mapstructure:"validation"`
	Primary    PrimaryConfig    `mapstructure:"primary"`
	Fallback   FallbackConfig   `mapstructure:"fallback"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
	Sinks      SinksConfig      `mapstructure:"sinks"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`

	MetricsAddr   string        `mapstructure:"metrics_addr"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// RouterConfig holds the failover state machine thresholds.
type RouterConfig struct {
	FailoverThreshold      time.Duration `mapstructure:"failover_threshold"`
	RestorationGracePeriod time.Duration `mapstructure:"restoration_grace_period"`
	FallbackStaleThreshold time.Duration `mapstructure:"fallback_stale_threshold"`
	EvalInterval           time.Duration `mapstructure:"eval_interval"`
	InboxSize              int           `mapstructure:"inbox_size"`
}

// ValidationConfig holds per-tick validation thresholds.
type ValidationConfig struct {
	ClockSkewTolerance      time.Duration `mapstructure:"clock_skew_tolerance"`
	CircuitBreakerThreshold float64       `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerWindow    time.Duration `mapstructure:"circuit_breaker_window"`
}

// PrimaryConfig configures the streaming provider.
type PrimaryConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	TOTPSecret string        `mapstructure:"totp_secret"`
	BackoffMin time.Duration `mapstructure:"backoff_min"`
	BackoffMax time.Duration `mapstructure:"backoff_max"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
}

// FallbackConfig configures the polled REST provider.
type FallbackConfig struct {
	URL               string        `mapstructure:"url"`
	APIKey            string        `mapstructure:"api_key"`
	PollingInterval   time.Duration `mapstructure:"polling_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// MonitorConfig configures the cross-source consistency monitor.
type MonitorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	AlertPct        float64       `mapstructure:"alert_pct"`
}

// FanoutConfig configures per-sink delivery queues.
type FanoutConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// SinksConfig enables the downstream sinks. Empty address = disabled.
type SinksConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	SQLitePath string `mapstructure:"sqlite_path"`

	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`

	InfluxURL    string `mapstructure:"influx_url"`
	InfluxToken  string `mapstructure:"influx_token"`
	InfluxOrg    string `mapstructure:"influx_org"`
	InfluxBucket string `mapstructure:"influx_bucket"`
}

// AlertsConfig selects where phase-transition alerts go.
type AlertsConfig struct {
	WebhookURL       string `mapstructure:"webhook_url"`
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "pricerouter")
	v.SetDefault("log_level", "info")
	v.SetDefault("symbols", []string{"AAPL:NASDAQ", "MSFT:NASDAQ"})
	v.SetDefault("symbols_redis_key", "")

	v.SetDefault("router.failover_threshold", 60*time.Second)
	v.SetDefault("router.restoration_grace_period", 10*time.Second)
	v.SetDefault("router.fallback_stale_threshold", 150*time.Second)
	v.SetDefault("router.eval_interval", 500*time.Millisecond)
	v.SetDefault("router.inbox_size", 4096)

	v.SetDefault("validation.clock_skew_tolerance", 5*time.Second)
	v.SetDefault("validation.circuit_breaker_threshold", 0.20)
	v.SetDefault("validation.circuit_breaker_window", 5*time.Minute)

	v.SetDefault("primary.url", "ws://localhost:9001/ws")
	v.SetDefault("primary.api_key", "")
	v.SetDefault("primary.totp_secret", "")
	v.SetDefault("primary.backoff_min", 1*time.Second)
	v.SetDefault("primary.backoff_max", 30*time.Second)
	v.SetDefault("primary.pong_wait", 60*time.Second)

	v.SetDefault("fallback.url", "http://localhost:9001/quotes")
	v.SetDefault("fallback.api_key", "")
	v.SetDefault("fallback.polling_interval", 60*time.Second)
	v.SetDefault("fallback.request_timeout", 10*time.Second)
	v.SetDefault("fallback.requests_per_minute", 0)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.freshness_window", 5*time.Minute)
	v.SetDefault("monitor.alert_pct", 5.0)

	v.SetDefault("fanout.queue_size", 1024)
	v.SetDefault("fanout.max_attempts", 3)
	v.SetDefault("fanout.retry_delay", 100*time.Millisecond)

	v.SetDefault("sinks.redis_addr", "")
	v.SetDefault("sinks.redis_password", "")
	v.SetDefault("sinks.redis_db", 0)
	v.SetDefault("sinks.sqlite_path", "")
	v.SetDefault("sinks.nats_url", "")
	v.SetDefault("sinks.nats_subject", "prices")
	v.SetDefault("sinks.influx_url", "")
	v.SetDefault("sinks.influx_token", "")
	v.SetDefault("sinks.influx_org", "")
	v.SetDefault("sinks.influx_bucket", "prices")

	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.telegram_bot_token", "")
	v.SetDefault("alerts.telegram_chat_id", "")

	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("shutdown_grace", 5*time.Second)
}

// Load reads configuration from path (optional, YAML) and the environment.
// An empty path loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PRICEROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
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

// Validate rejects values the router cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Router.FailoverThreshold <= 0:
		return fmt.Errorf("config: router.failover_threshold must be > 0")
	case c.Router.RestorationGracePeriod < 0:
		return fmt.Errorf("config: router.restoration_grace_period must be >= 0")
	case c.Router.FallbackStaleThreshold <= 0:
		return fmt.Errorf("config: router.fallback_stale_threshold must be > 0")
	case c.Router.EvalInterval <= 0:
		return fmt.Errorf("config: router.eval_interval must be > 0")
	case c.Router.InboxSize <= 0:
		return fmt.Errorf("config: router.inbox_size must be > 0")
	case c.Validation.ClockSkewTolerance < 0:
		return fmt.Errorf("config: validation.clock_skew_tolerance must be >= 0")
	case c.Validation.CircuitBreakerThreshold < 0:
		return fmt.Errorf("config: validation.circuit_breaker_threshold must be >= 0")
	case c.Primary.URL == "":
		return fmt.Errorf("config: primary.url is required")
	case c.Primary.BackoffMin <= 0 || c.Primary.BackoffMax < c.Primary.BackoffMin:
		return fmt.Errorf("config: primary backoff bounds invalid (%v..%v)", c.Primary.BackoffMin, c.Primary.BackoffMax)
	case c.Fallback.URL == "":
		return fmt.Errorf("config: fallback.url is required")
	case c.Fallback.PollingInterval <= 0:
		return fmt.Errorf("config: fallback.polling_interval must be > 0")
	case c.Fanout.QueueSize <= 0:
		return fmt.Errorf("config: fanout.queue_size must be > 0")
	}
	if c.SymbolsRedisKey == "" {
		if _, err := c.ParseSymbols(); err != nil {
			return err
		}
	}
	return nil
}

// ParseSymbols parses the configured symbol list, skipping duplicates.
func (c *Config) ParseSymbols() ([]model.Symbol, error) {
	seen := make(map[string]bool, len(c.Symbols))
	out := make([]model.Symbol, 0, len(c.Symbols))
	for _, raw := range c.Symbols {
		// Env overrides arrive as one comma-separated string.
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			s, err := model.ParseSymbol(part)
			if err != nil {
				return nil, fmt.Errorf("config: symbols: %w", err)
			}
			if seen[s.Ticker] {
				continue
			}
			seen[s.Ticker] = true
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("config: no symbols configured")
	}
	return out, nil
}

// BreakerThreshold returns the circuit breaker threshold as a decimal.
func (c *Config) BreakerThreshold() decimal.Decimal {
	return decimal.NewFromFloat(c.Validation.CircuitBreakerThreshold)
}
