package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"entsoe-watch/internal/logging"
	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

// Cache backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Market     MarketConfig     `mapstructure:"market"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Heuristics HeuristicsConfig `mapstructure:"heuristics"`
	Blocks     BlocksConfig     `mapstructure:"blocks"`
	Fallback   FallbackConfig   `mapstructure:"fallback"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// UpstreamConfig covers the ENTSO-E Transparency Platform client.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	MaxConcurrency int64         `mapstructure:"max_concurrency"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// RetryConfig drives the upstream retry machine.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
}

// MarketConfig selects what is fetched.
type MarketConfig struct {
	Zone            string           `mapstructure:"zone"`
	Timezone        string           `mapstructure:"timezone"`
	ExchangeTo      string           `mapstructure:"exchange_to"`
	PSRTypes        []string         `mapstructure:"psr_types"`
	NetPositionSign string           `mapstructure:"net_position_sign"`
	Datasets        []string         `mapstructure:"datasets"`
	LoadActual      LoadActualConfig `mapstructure:"load_actual"`
}

// LoadActualConfig toggles the optional A68 parameters.
type LoadActualConfig struct {
	RequireInDomain    bool   `mapstructure:"require_in_domain"`
	RequireProcessType bool   `mapstructure:"require_process_type"`
	ProcessType        string `mapstructure:"process_type"`
}

// CacheConfig selects and tunes the durable series cache.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	Dir           string        `mapstructure:"dir"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	RetentionDays int           `mapstructure:"retention_days"`
	TTL           TTLConfig     `mapstructure:"ttl"`
}

// TTLConfig holds the freshness window per dataset.
type TTLConfig struct {
	DayAheadPrice      time.Duration `mapstructure:"day_ahead_price"`
	LoadDayAhead       time.Duration `mapstructure:"load_day_ahead"`
	LoadActual         time.Duration `mapstructure:"load_actual"`
	GenerationForecast time.Duration `mapstructure:"generation_forecast"`
	NetPosition        time.Duration `mapstructure:"net_position"`
	Exchange           time.Duration `mapstructure:"exchange"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	JitterFraction  float64       `mapstructure:"jitter_fraction"`
	NoDataRetry     time.Duration `mapstructure:"no_data_retry"`
	FailureRetry    time.Duration `mapstructure:"failure_retry"`
	Parallelism     int           `mapstructure:"parallelism"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	LookbackDays    int           `mapstructure:"lookback_days"`
	HorizonDays     int           `mapstructure:"horizon_days"`
}

// HeuristicsConfig parameterises the plan.
type HeuristicsConfig struct {
	Mode               string  `mapstructure:"mode"`
	CheapPercentile    float64 `mapstructure:"cheap_percentile"`
	GreenTopN          int     `mapstructure:"green_top_n"`
	PeakLoadPercentile float64 `mapstructure:"peak_load_percentile"`
	CheapestShare      float64 `mapstructure:"cheapest_share"`
}

// BlocksConfig tunes slot grouping.
type BlocksConfig struct {
	MaxGapMinutes int     `mapstructure:"max_gap_minutes"`
	MaxSpread     float64 `mapstructure:"max_spread"`
	MaxBlocks     int     `mapstructure:"max_blocks"`
	BestFraction  float64 `mapstructure:"best_fraction"`
}

// FallbackConfig controls placeholder series served when upstream data is missing.
type FallbackConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	Price             float64 `mapstructure:"price"`
	Quantity          float64 `mapstructure:"quantity"`
	ResolutionMinutes int     `mapstructure:"resolution_minutes"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot used for plan notifications.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	Dir         string `mapstructure:"dir"`
	ChartWidth  int    `mapstructure:"chart_width"`
	ChartHeight int    `mapstructure:"chart_height"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENTSOEWATCH")
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
	v.SetDefault("app.name", "entsoewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("upstream.base_url", "https://web-api.tp.entsoe.eu/api")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.request_timeout", "30s")
	v.SetDefault("upstream.fetch_timeout", "2m")
	v.SetDefault("upstream.max_concurrency", 2)
	v.SetDefault("upstream.retry.max_attempts", 4)
	v.SetDefault("upstream.retry.base_delay", "1s")
	v.SetDefault("upstream.retry.max_delay", "30s")
	v.SetDefault("upstream.retry.jitter_fraction", 0.1)

	v.SetDefault("market.zone", "10YNL----------L")
	v.SetDefault("market.timezone", "Europe/Amsterdam")
	v.SetDefault("market.exchange_to", "")
	v.SetDefault("market.psr_types", []string{"B16", "B18", "B19"})
	v.SetDefault("market.net_position_sign", "as_published")
	v.SetDefault("market.datasets", []string{
		string(series.DayAheadPrice),
		string(series.LoadDayAhead),
		string(series.LoadActual),
		string(series.GenerationForecast),
		string(series.NetPosition),
	})
	v.SetDefault("market.load_actual.require_in_domain", false)
	v.SetDefault("market.load_actual.require_process_type", false)
	v.SetDefault("market.load_actual.process_type", "A16")

	v.SetDefault("cache.backend", BackendFile)
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("cache.sqlite_path", "data/cache.db")
	v.SetDefault("cache.fetch_timeout", "3m")
	v.SetDefault("cache.retention_days", 30)
	v.SetDefault("cache.ttl.day_ahead_price", "24h")
	v.SetDefault("cache.ttl.load_day_ahead", "24h")
	v.SetDefault("cache.ttl.load_actual", "15m")
	v.SetDefault("cache.ttl.generation_forecast", "3h")
	v.SetDefault("cache.ttl.net_position", "1h")
	v.SetDefault("cache.ttl.exchange", "3h")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.jitter_fraction", 0.2)
	v.SetDefault("scheduler.no_data_retry", "15m")
	v.SetDefault("scheduler.failure_retry", "5m")
	v.SetDefault("scheduler.parallelism", 4)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x656e7473))
	v.SetDefault("scheduler.lookback_days", 0)
	v.SetDefault("scheduler.horizon_days", 1)

	v.SetDefault("heuristics.mode", "cheap_green_offpeak")
	v.SetDefault("heuristics.cheap_percentile", 30.0)
	v.SetDefault("heuristics.green_top_n", 0)
	v.SetDefault("heuristics.peak_load_percentile", 80.0)
	v.SetDefault("heuristics.cheapest_share", 0.3)

	v.SetDefault("blocks.max_gap_minutes", 60)
	v.SetDefault("blocks.max_spread", 2.0)
	v.SetDefault("blocks.max_blocks", 3)
	v.SetDefault("blocks.best_fraction", 0.8)

	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.price", 999.0)
	v.SetDefault("fallback.quantity", 0.0)
	v.SetDefault("fallback.resolution_minutes", 60)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.chart_width", 1200)
	v.SetDefault("export.chart_height", 500)
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
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.DatasetTypes(); err != nil {
		return err
	}
	switch c.Market.NetPositionSign {
	case "as_published", "inverted":
	default:
		return fmt.Errorf("market.net_position_sign must be as_published or inverted, got %q", c.Market.NetPositionSign)
	}
	if c.Upstream.MaxConcurrency <= 0 {
		return fmt.Errorf("upstream.max_concurrency must be greater than zero")
	}
	if c.Upstream.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("upstream.retry.max_attempts must be greater than zero")
	}
	if c.Upstream.Retry.JitterFraction < 0 || c.Upstream.Retry.JitterFraction > 1 {
		return fmt.Errorf("upstream.retry.jitter_fraction must be within [0, 1]")
	}
	switch c.Cache.Backend {
	case BackendFile:
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir is required for the file backend")
		}
	case BackendSQLite:
		if c.Cache.SQLitePath == "" {
			return fmt.Errorf("cache.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("cache.backend must be file, sqlite or postgres, got %q", c.Cache.Backend)
	}
	for _, ds := range series.DatasetTypes {
		if c.TTL(ds) <= 0 {
			return fmt.Errorf("cache.ttl.%s must be greater than zero", ds)
		}
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.JitterFraction < 0 || c.Scheduler.JitterFraction >= 1 {
		return fmt.Errorf("scheduler.jitter_fraction must be within [0, 1)")
	}
	if c.Scheduler.LookbackDays < 0 || c.Scheduler.HorizonDays < 0 {
		return fmt.Errorf("scheduler.lookback_days and scheduler.horizon_days cannot be negative")
	}
	if p := c.Heuristics.CheapPercentile; p <= 0 || p > 100 {
		return fmt.Errorf("heuristics.cheap_percentile must be within (0, 100]")
	}
	if c.Blocks.MaxGapMinutes < 0 {
		return fmt.Errorf("blocks.max_gap_minutes cannot be negative")
	}
	if c.Blocks.MaxBlocks <= 0 {
		return fmt.Errorf("blocks.max_blocks must be greater than zero")
	}
	if err := timeslot.ValidateResolution(c.Fallback.ResolutionMinutes); err != nil {
		return fmt.Errorf("fallback.resolution_minutes: %w", err)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// Location resolves market.timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market.timezone: %w", err)
	}
	return loc, nil
}

// DatasetTypes parses market.datasets. Exchange requires market.exchange_to.
func (c *Config) DatasetTypes() ([]series.DatasetType, error) {
	out := make([]series.DatasetType, 0, len(c.Market.Datasets))
	for _, raw := range c.Market.Datasets {
		ds, err := series.ParseDatasetType(raw)
		if err != nil {
			return nil, fmt.Errorf("market.datasets: %w", err)
		}
		if ds == series.Exchange && c.Market.ExchangeTo == "" {
			return nil, fmt.Errorf("market.datasets: exchange requires market.exchange_to")
		}
		out = append(out, ds)
	}
	return out, nil
}

// TTL returns the cache freshness window for a dataset.
func (c *Config) TTL(ds series.DatasetType) time.Duration {
	switch ds {
	case series.DayAheadPrice:
		return c.Cache.TTL.DayAheadPrice
	case series.LoadDayAhead:
		return c.Cache.TTL.LoadDayAhead
	case series.LoadActual:
		return c.Cache.TTL.LoadActual
	case series.GenerationForecast:
		return c.Cache.TTL.GenerationForecast
	case series.NetPosition:
		return c.Cache.TTL.NetPosition
	case series.Exchange:
		return c.Cache.TTL.Exchange
	default:
		return 0
	}
}

// ResolveMaxBlocks returns either the CLI override or config default.
func (c *Config) ResolveMaxBlocks(override int) int {
	if override > 0 {
		return override
	}
	return c.Blocks.MaxBlocks
}
