package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"ves-rate-watcher/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Gates     GatesConfig     `mapstructure:"gates"`
	Window    WindowConfig    `mapstructure:"window"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the two ingestion cadences: the fast gated poll
// and the slower forced cycle used for reporting.
type SchedulerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ReportInterval  time.Duration `mapstructure:"report_interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// SourcesConfig groups the external data sources.
type SourcesConfig struct {
	Reference ReferenceSourceConfig `mapstructure:"reference"`
	Listings  ListingSourceConfig   `mapstructure:"listings"`
	Forex     ForexSourceConfig     `mapstructure:"forex"`
}

// ReferenceSourceConfig covers the official-rate publication scrape.
type ReferenceSourceConfig struct {
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ListingSourceConfig covers the peer marketplace search endpoint.
type ListingSourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Asset          string        `mapstructure:"asset"`
	Fiat           string        `mapstructure:"fiat"`
	TradeType      string        `mapstructure:"trade_type"`
	Rows           int           `mapstructure:"rows"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ForexSourceConfig covers the rate-limited cross-rate API.
type ForexSourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	FromCurrency   string        `mapstructure:"from_currency"`
	ToCurrency     string        `mapstructure:"to_currency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// GatesConfig holds the persistence gate knobs.
type GatesConfig struct {
	VolatilityThresholdPct float64 `mapstructure:"volatility_threshold_pct"`
	RoundingStep           int64   `mapstructure:"rounding_step"`
}

// WindowConfig sets the rolling statistics window.
type WindowConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

// AlertingConfig defines alert delivery routing.
type AlertingConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VESWATCHER")
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
	v.SetDefault("app.name", "veswatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.poll_interval", "10m")
	v.SetDefault("scheduler.report_interval", "1h")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x76657377))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("sources.reference.url", "https://www.bcv.org.ve")
	v.SetDefault("sources.reference.request_timeout", "10s")

	v.SetDefault("sources.listings.base_url", "https://p2p.binance.com/bapi/c2c/v2/friendly/c2c/adv/search")
	v.SetDefault("sources.listings.asset", "USDT")
	v.SetDefault("sources.listings.fiat", "VES")
	v.SetDefault("sources.listings.trade_type", "BUY")
	v.SetDefault("sources.listings.rows", 20)
	v.SetDefault("sources.listings.request_timeout", "10s")
	v.SetDefault("sources.listings.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	v.SetDefault("sources.forex.base_url", "https://www.alphavantage.co/query")
	v.SetDefault("sources.forex.from_currency", "EUR")
	v.SetDefault("sources.forex.to_currency", "USD")
	v.SetDefault("sources.forex.request_timeout", "8s")
	v.SetDefault("sources.forex.cache_ttl", "85m")

	v.SetDefault("gates.volatility_threshold_pct", 0.1)
	v.SetDefault("gates.rounding_step", int64(10))

	v.SetDefault("window.duration", "24h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.request_timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be greater than zero")
	}
	if c.Scheduler.ReportInterval <= 0 {
		return fmt.Errorf("scheduler.report_interval must be greater than zero")
	}
	if c.Gates.VolatilityThresholdPct < 0 {
		return fmt.Errorf("gates.volatility_threshold_pct cannot be negative")
	}
	if c.Gates.RoundingStep < 0 {
		return fmt.Errorf("gates.rounding_step cannot be negative")
	}
	if c.Window.Duration <= 0 {
		return fmt.Errorf("window.duration must be greater than zero")
	}
	if c.Sources.Forex.CacheTTL < 0 {
		return fmt.Errorf("sources.forex.cache_ttl cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled && c.Alerting.Telegram.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token 必须配置")
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
