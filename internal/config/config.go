// Package config defines all configuration for the arbitrage bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables. Every field
// has a safe default, so the bot starts with no config file at all.
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
	DryRun      bool           `mapstructure:"dry_run"`
	Environment string         `mapstructure:"environment"`
	Venues      VenuesConfig   `mapstructure:"venues"`
	Creds       CredsConfig    `mapstructure:"creds"`
	Trading     TradingConfig  `mapstructure:"trading"`
	Fees        FeesConfig     `mapstructure:"fees"`
	Breaker     BreakerConfig  `mapstructure:"breaker"`
	Security    SecurityConfig `mapstructure:"security"`
	Feeds       FeedsConfig    `mapstructure:"feeds"`
	Store       StoreConfig    `mapstructure:"store"`
	Server      ServerConfig   `mapstructure:"server"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
	Logging     LoggingConfig  `mapstructure:"logging"`
}

// VenuesConfig holds the endpoints for both trading venues and the
// reference-price exchange. All are public URLs, safe to log.
type VenuesConfig struct {
	PolymarketGammaURL string `mapstructure:"polymarket_gamma_url"`
	PolymarketCLOBURL  string `mapstructure:"polymarket_clob_url"`
	PolymarketWSURL    string `mapstructure:"polymarket_ws_url"`
	KalshiAPIURL       string `mapstructure:"kalshi_api_url"`
	BinancePriceURL    string `mapstructure:"binance_price_url"`
	BinanceKlinesURL   string `mapstructure:"binance_klines_url"`
	BinanceWSURL       string `mapstructure:"binance_ws_url"`
	BinanceSymbol      string `mapstructure:"binance_symbol"`
}

// CredsConfig holds venue credentials. These are opaque strings, never
// logged and never persisted; set them via ARB_KALSHI_API_KEY,
// ARB_KALSHI_PRIVATE_KEY_PATH and ARB_POLYMARKET_PRIVATE_KEY rather than
// the YAML file. Missing credentials only fail when a signed operation is
// actually requested.
type CredsConfig struct {
	KalshiAPIKey         string `mapstructure:"kalshi_api_key"`
	KalshiPrivateKeyPath string `mapstructure:"kalshi_private_key_path"`
	PolymarketPrivateKey string `mapstructure:"polymarket_private_key"`
}

// TradingConfig sets the hard limits the risk manager enforces on every
// live trade.
//
//   - MaxSingleTradeUSD:   cap on the cost of one dual-leg trade.
//   - MaxTotalExposureUSD: cap on combined open-position cost.
//   - MaxDailyLossUSD:     realized daily loss that halts trading.
//   - MaxTradesPerHour:    trailing-hour rate limit.
//   - MinNetMargin:        minimum profit per pair after fees, in dollars.
type TradingConfig struct {
	MaxSingleTradeUSD   float64 `mapstructure:"max_single_trade_usd"`
	MaxTotalExposureUSD float64 `mapstructure:"max_total_exposure_usd"`
	MaxDailyLossUSD     float64 `mapstructure:"max_daily_loss_usd"`
	MaxTradesPerHour    int     `mapstructure:"max_trades_per_hour"`
	MinNetMargin        float64 `mapstructure:"min_net_margin"`
}

// FeesConfig feeds the fee engine. Worst-case fees per pair are
// max(kalshi_fee_per_contract, polymarket_gas_cost) + slippage_buffer.
type FeesConfig struct {
	KalshiFeePerContract float64 `mapstructure:"kalshi_fee_per_contract"`
	PolymarketGasCost    float64 `mapstructure:"polymarket_gas_cost"`
	SlippageBuffer       float64 `mapstructure:"slippage_buffer"`
}

// BreakerConfig tunes the circuit breaker.
//
//   - MaxConsecutiveFailures: consecutive trade/API failures that open the circuit.
//   - ErrorRateThreshold:     failure fraction over the sliding window that opens it.
//   - ErrorRateWindow:        sliding-window length for the error rate.
//   - Cooldown:               how long the circuit stays Open before a HalfOpen probe.
//   - StalenessThreshold:     max data age before the staleness probe trips it.
type BreakerConfig struct {
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	ErrorRateThreshold     float64       `mapstructure:"error_rate_threshold"`
	ErrorRateWindow        time.Duration `mapstructure:"error_rate_window"`
	Cooldown               time.Duration `mapstructure:"cooldown"`
	StalenessThreshold     time.Duration `mapstructure:"staleness_threshold"`
}

// SecurityConfig holds the kill switch settings. KillSwitchToken guards the
// kill-switch API; an empty token rejects every request (fail closed). Set it
// via ARB_KILL_SWITCH_TOKEN.
type SecurityConfig struct {
	KillSwitchToken string `mapstructure:"kill_switch_token"`
	KillFilePath    string `mapstructure:"kill_file_path"`
}

// FeedsConfig controls the market-data layer.
//
//   - KalshiPollInterval: REST poll cadence for the Kalshi market list.
//   - DetectInterval:     how often the engine runs a detection scan.
//   - PingInterval:       WebSocket keepalive cadence.
type FeedsConfig struct {
	KalshiPollInterval time.Duration `mapstructure:"kalshi_poll_interval"`
	DetectInterval     time.Duration `mapstructure:"detect_interval"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
}

// StoreConfig sets where trades, positions and events are persisted (SQLite).
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// TelegramConfig enables trade and safety alerts. Leave BotToken empty to
// disable. Set via ARB_TELEGRAM_BOT_TOKEN / ARB_TELEGRAM_CHAT_ID.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. An empty path
// runs on defaults and environment only. Sensitive fields always come from
// env vars: ARB_KALSHI_API_KEY, ARB_KALSHI_PRIVATE_KEY_PATH,
// ARB_POLYMARKET_PRIVATE_KEY, ARB_KILL_SWITCH_TOKEN, ARB_TELEGRAM_BOT_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ARB_KALSHI_API_KEY"); key != "" {
		cfg.Creds.KalshiAPIKey = key
	}
	if keyPath := os.Getenv("ARB_KALSHI_PRIVATE_KEY_PATH"); keyPath != "" {
		cfg.Creds.KalshiPrivateKeyPath = keyPath
	}
	if key := os.Getenv("ARB_POLYMARKET_PRIVATE_KEY"); key != "" {
		cfg.Creds.PolymarketPrivateKey = key
	}
	if token := os.Getenv("ARB_KILL_SWITCH_TOKEN"); token != "" {
		cfg.Security.KillSwitchToken = token
	}
	if token := os.Getenv("ARB_TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if chat := os.Getenv("ARB_TELEGRAM_CHAT_ID"); chat != "" {
		cfg.Telegram.ChatID = chat
	}
	switch os.Getenv("ARB_DRY_RUN") {
	case "true", "1":
		cfg.DryRun = true
	case "false", "0":
		cfg.DryRun = false
	}

	return &cfg, nil
}

// setDefaults applies the documented defaults so a bare process is runnable
// (in dry-run) with zero configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)
	v.SetDefault("environment", "development")

	v.SetDefault("venues.polymarket_gamma_url", "https://gamma-api.polymarket.com/events")
	v.SetDefault("venues.polymarket_clob_url", "https://clob.polymarket.com")
	v.SetDefault("venues.polymarket_ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("venues.kalshi_api_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("venues.binance_price_url", "https://api.binance.com/api/v3/ticker/price")
	v.SetDefault("venues.binance_klines_url", "https://api.binance.com/api/v3/klines")
	v.SetDefault("venues.binance_ws_url", "wss://stream.binance.com:9443/ws/btcusdt@ticker")
	v.SetDefault("venues.binance_symbol", "BTCUSDT")

	v.SetDefault("trading.max_single_trade_usd", 50.0)
	v.SetDefault("trading.max_total_exposure_usd", 500.0)
	v.SetDefault("trading.max_daily_loss_usd", 100.0)
	v.SetDefault("trading.max_trades_per_hour", 20)
	v.SetDefault("trading.min_net_margin", 0.02)

	v.SetDefault("fees.kalshi_fee_per_contract", 0.03)
	v.SetDefault("fees.polymarket_gas_cost", 0.002)
	v.SetDefault("fees.slippage_buffer", 0.005)

	v.SetDefault("breaker.max_consecutive_failures", 3)
	v.SetDefault("breaker.error_rate_threshold", 0.50)
	v.SetDefault("breaker.error_rate_window", 5*time.Minute)
	v.SetDefault("breaker.cooldown", 5*time.Minute)
	v.SetDefault("breaker.staleness_threshold", 30*time.Second)

	v.SetDefault("security.kill_file_path", "KILL_SWITCH")

	v.SetDefault("feeds.kalshi_poll_interval", 2*time.Second)
	v.SetDefault("feeds.detect_interval", time.Second)
	v.SetDefault("feeds.ping_interval", 20*time.Second)

	v.SetDefault("store.db_path", "data/arbitrage.db")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks value ranges. Credentials are deliberately not required
// here; signed operations fail at the client when credentials are missing.
func (c *Config) Validate() error {
	if c.Trading.MaxSingleTradeUSD <= 0 {
		return fmt.Errorf("trading.max_single_trade_usd must be > 0")
	}
	if c.Trading.MaxTotalExposureUSD <= 0 {
		return fmt.Errorf("trading.max_total_exposure_usd must be > 0")
	}
	if c.Trading.MaxDailyLossUSD <= 0 {
		return fmt.Errorf("trading.max_daily_loss_usd must be > 0")
	}
	if c.Trading.MaxTradesPerHour <= 0 {
		return fmt.Errorf("trading.max_trades_per_hour must be > 0")
	}
	if c.Trading.MinNetMargin < 0 {
		return fmt.Errorf("trading.min_net_margin must be >= 0")
	}
	if c.Fees.KalshiFeePerContract < 0 || c.Fees.PolymarketGasCost < 0 || c.Fees.SlippageBuffer < 0 {
		return fmt.Errorf("fees must be >= 0")
	}
	if c.Breaker.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("breaker.max_consecutive_failures must be > 0")
	}
	if c.Breaker.ErrorRateThreshold <= 0 || c.Breaker.ErrorRateThreshold > 1 {
		return fmt.Errorf("breaker.error_rate_threshold must be in (0, 1]")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be > 0")
	}
	if c.Breaker.StalenessThreshold <= 0 {
		return fmt.Errorf("breaker.staleness_threshold must be > 0")
	}
	if c.Feeds.KalshiPollInterval <= 0 || c.Feeds.DetectInterval <= 0 {
		return fmt.Errorf("feeds intervals must be > 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\"")
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required")
	}
	return nil
}
