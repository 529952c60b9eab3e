package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"price-truth/internal/logging"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Transport TransportConfig `mapstructure:"transport"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// PricingConfig controls freshness and consensus.
type PricingConfig struct {
	TTLHours          float64       `mapstructure:"ttl_hours"`
	TolerancePct      float64       `mapstructure:"tolerance_pct"`
	TrimFraction      float64       `mapstructure:"trim_fraction"`
	FanoutConcurrency int           `mapstructure:"fanout_concurrency"`
	SourceTimeout     time.Duration `mapstructure:"source_timeout"`
}

// TransportConfig drives the request coordinator.
type TransportConfig struct {
	MaxPerHostConcurrency int           `mapstructure:"max_per_host_concurrency"`
	FetchTimeoutSeconds   int           `mapstructure:"fetch_timeout_seconds"`
	MaxRetries            int           `mapstructure:"max_retries"`
	BackoffBase           time.Duration `mapstructure:"backoff_base"`
	BackoffMax            time.Duration `mapstructure:"backoff_max"`
	JitterFraction        float64       `mapstructure:"jitter_fraction"`
	CacheTTLSeconds       int           `mapstructure:"cache_ttl_seconds"`
	PerHostRPS            float64       `mapstructure:"per_host_rps"`
	UserAgent             string        `mapstructure:"user_agent"`
	MaxBodyBytes          int64         `mapstructure:"max_body_bytes"`
	Proxies               []string      `mapstructure:"proxies"`
}

// FetchTimeout converts fetch_timeout_seconds.
func (t TransportConfig) FetchTimeout() time.Duration {
	return time.Duration(t.FetchTimeoutSeconds) * time.Second
}

// CacheTTL converts cache_ttl_seconds.
func (t TransportConfig) CacheTTL() time.Duration {
	return time.Duration(t.CacheTTLSeconds) * time.Second
}

// SourcesConfig selects price sources.
type SourcesConfig struct {
	CatalogFile string   `mapstructure:"catalog_file"`
	Enabled     []string `mapstructure:"enabled"`
}

// StorageConfig selects and tunes the record store.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	AdvisoryLock    bool          `mapstructure:"advisory_lock"`
	Redis           RedisConfig   `mapstructure:"redis"`
	SQLite          SQLiteConfig  `mapstructure:"sqlite"`
}

// RedisConfig Redis 存储参数。
type RedisConfig struct {
	URL          string `mapstructure:"url"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// SQLiteConfig points at the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig HTTP 服务参数。
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// SchedulerConfig governs periodic refresh of tracked keys.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	Tracked         []string      `mapstructure:"tracked"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled          bool           `mapstructure:"enabled"`
	MoveThresholdPct float64        `mapstructure:"move_threshold_pct"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICETRUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricetruth")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("pricing.ttl_hours", 6.0)
	v.SetDefault("pricing.tolerance_pct", 3.0)
	v.SetDefault("pricing.trim_fraction", 0.0)
	v.SetDefault("pricing.fanout_concurrency", 3)
	v.SetDefault("pricing.source_timeout", "45s")

	v.SetDefault("transport.max_per_host_concurrency", 3)
	v.SetDefault("transport.fetch_timeout_seconds", 10)
	v.SetDefault("transport.max_retries", 3)
	v.SetDefault("transport.backoff_base", "1s")
	v.SetDefault("transport.backoff_max", "30s")
	v.SetDefault("transport.jitter_fraction", 0.25)
	v.SetDefault("transport.cache_ttl_seconds", 180)
	v.SetDefault("transport.per_host_rps", 0.0)
	v.SetDefault("transport.user_agent", "")
	v.SetDefault("transport.max_body_bytes", int64(5<<20))
	v.SetDefault("transport.proxies", []string{})

	v.SetDefault("sources.catalog_file", "")
	v.SetDefault("sources.enabled", []string{})

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 2)
	v.SetDefault("storage.conn_max_lifetime", "30m")
	v.SetDefault("storage.auto_migrate", true)
	v.SetDefault("storage.advisory_lock", false)
	v.SetDefault("storage.redis.url", "redis://localhost:6379/0")
	v.SetDefault("storage.redis.history_limit", 500)
	v.SetDefault("storage.sqlite.path", "pricetruth.db")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.tracked", []string{})

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.move_threshold_pct", 5.0)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Pricing.TTLHours <= 0 {
		return fmt.Errorf("pricing.ttl_hours must be greater than zero")
	}
	if c.Pricing.TolerancePct <= 0 {
		return fmt.Errorf("pricing.tolerance_pct must be greater than zero")
	}
	if c.Pricing.TrimFraction < 0 || c.Pricing.TrimFraction >= 0.5 {
		return fmt.Errorf("pricing.trim_fraction must be in [0, 0.5)")
	}
	if c.Pricing.FanoutConcurrency <= 0 {
		return fmt.Errorf("pricing.fanout_concurrency must be greater than zero")
	}
	if c.Pricing.SourceTimeout <= 0 {
		return fmt.Errorf("pricing.source_timeout must be greater than zero")
	}
	if c.Transport.MaxPerHostConcurrency <= 0 {
		return fmt.Errorf("transport.max_per_host_concurrency must be greater than zero")
	}
	if c.Transport.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("transport.fetch_timeout_seconds must be greater than zero")
	}
	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("transport.max_retries cannot be negative")
	}
	if c.Transport.CacheTTLSeconds <= 0 {
		return fmt.Errorf("transport.cache_ttl_seconds must be greater than zero")
	}
	if c.Transport.JitterFraction < 0 || c.Transport.JitterFraction >= 1 {
		return fmt.Errorf("transport.jitter_fraction must be in [0, 1)")
	}
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite, DriverRedis:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Alerting.MoveThresholdPct < 0 {
		return fmt.Errorf("alerting.move_threshold_pct cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
