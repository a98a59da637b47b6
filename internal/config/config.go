package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"buy-alerts/internal/logging"
)

// MinUSDFloor is the lowest value the minimum USD alert threshold may take.
// Configuration below the floor is clamped up, never honoured.
const MinUSDFloor = 50.0

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Pairs     []PairConfig    `mapstructure:"pairs"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	PriceFeed PriceFeedConfig `mapstructure:"price_feed"`
	Filters   FiltersConfig   `mapstructure:"filters"`
	Mev       MevConfig       `mapstructure:"mev"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates optional PostgreSQL connectivity for the
// alert audit trail and the poll cursor.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	// Retention bounds the alert audit trail; zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

// RedisConfig enables the Redis-backed dedup store when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ChainConfig covers on-chain data access.
type ChainConfig struct {
	WSURL          string        `mapstructure:"ws_url"`
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// PairConfig describes one tracked token and its liquidity pool.
type PairConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Pool     string `mapstructure:"pool"`
	Token    string `mapstructure:"token"`
	RefAsset string `mapstructure:"ref_asset"`
	ImageURL string `mapstructure:"image_url"`
}

// ListenerConfig tunes the swap event source.
type ListenerConfig struct {
	HeartbeatInterval time.Duration   `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration   `mapstructure:"poll_interval"`
	PollBatchSize     uint64          `mapstructure:"poll_batch_size"`
	BackoffSteps      []time.Duration `mapstructure:"backoff_steps"`
	FetchRetries      int             `mapstructure:"fetch_retries"`
	FetchRetryDelay   time.Duration   `mapstructure:"fetch_retry_delay"`
	Buffer            int             `mapstructure:"buffer"`
}

// PriceFeedConfig points at the reference-asset USD price source.
type PriceFeedConfig struct {
	URL             string        `mapstructure:"url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// FiltersConfig tunes dedup and cooldown behaviour.
type FiltersConfig struct {
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

// MevConfig tunes the arbitrage/sandwich heuristic.
type MevConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	SwapLogThreshold int  `mapstructure:"swap_log_threshold"`
}

// AlertingConfig defines valuation threshold and routing.
type AlertingConfig struct {
	MinUSD       float64        `mapstructure:"min_usd"`
	Destinations []string       `mapstructure:"destinations"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 投递参数。
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BUYALERTS")
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
	v.SetDefault("app.name", "buyalerts")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("chain.request_timeout", "10s")

	v.SetDefault("listener.heartbeat_interval", "30s")
	v.SetDefault("listener.poll_interval", "15s")
	v.SetDefault("listener.poll_batch_size", uint64(500))
	v.SetDefault("listener.backoff_steps", "2s,5s,10s,20s,30s,45s,60s")
	v.SetDefault("listener.fetch_retries", 3)
	v.SetDefault("listener.fetch_retry_delay", "2s")
	v.SetDefault("listener.buffer", 256)

	v.SetDefault("price_feed.url", "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd")
	v.SetDefault("price_feed.refresh_interval", "60s")
	v.SetDefault("price_feed.request_timeout", "10s")

	v.SetDefault("filters.dedup_ttl", "24h")
	v.SetDefault("filters.sweep_interval", "10m")
	v.SetDefault("filters.cooldown", "5m")

	v.SetDefault("mev.enabled", true)
	v.SetDefault("mev.swap_log_threshold", 3)

	v.SetDefault("alerting.min_usd", 200.0)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.request_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x62757961))
	v.SetDefault("database.retention", "720h")
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

// Validate performs basic sanity checks and clamps the USD threshold to the
// hard floor.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Listener.PollInterval <= 0 {
		return fmt.Errorf("listener.poll_interval must be greater than zero")
	}
	if c.Listener.PollBatchSize == 0 {
		return fmt.Errorf("listener.poll_batch_size must be greater than zero")
	}
	if len(c.Listener.BackoffSteps) == 0 {
		return fmt.Errorf("listener.backoff_steps must not be empty")
	}
	if c.Filters.DedupTTL <= 0 {
		return fmt.Errorf("filters.dedup_ttl must be greater than zero")
	}
	if c.Filters.Cooldown <= 0 {
		return fmt.Errorf("filters.cooldown must be greater than zero")
	}
	if c.Mev.Enabled && c.Mev.SwapLogThreshold <= 0 {
		return fmt.Errorf("mev.swap_log_threshold must be greater than zero")
	}
	if c.Alerting.MinUSD < MinUSDFloor {
		c.Alerting.MinUSD = MinUSDFloor
	}
	for i, pair := range c.Pairs {
		if pair.Symbol == "" {
			return fmt.Errorf("pairs[%d].symbol 必须配置", i)
		}
		if pair.Pool == "" || pair.Token == "" || pair.RefAsset == "" {
			return fmt.Errorf("pairs[%d]: pool, token and ref_asset are all required", i)
		}
	}
	if len(c.Alerting.Destinations) > 0 && c.Alerting.Telegram.BotToken == "" {
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
