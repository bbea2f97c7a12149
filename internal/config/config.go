package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Timescale TimescaleConfig `yaml:"timescale"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	BreakerDelay time.Duration `yaml:"breaker_delay"`
	// RefreshWindow bounds how long cached asset contexts are reused.
	RefreshWindow time.Duration `yaml:"refresh_window"`
}

type WSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type ExchangeConfig struct {
	PrivateKey     string        `yaml:"private_key"`
	WalletAddress  string        `yaml:"wallet_address"`
	VaultAddress   string        `yaml:"vault_address"`
	DryRun         bool          `yaml:"dry_run"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	DisableSpotLeg bool          `yaml:"disable_spot_leg"`
	// SpotSymbols maps a perp coin to its hedge spot symbol, e.g. BTC: UBTC/USDC.
	SpotSymbols map[string]string `yaml:"spot_symbols"`
}

const (
	StateBackendSQLite = "sqlite"
	StateBackendRedis  = "redis"
)

type StateConfig struct {
	Backend    string      `yaml:"backend"`
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type StrategyConfig struct {
	PositiveThreshold float64 `yaml:"positive_threshold"`
	NegativeThreshold float64 `yaml:"negative_threshold"`
	CapitalUSD        float64 `yaml:"capital_usd"`
	Leverage          float64 `yaml:"leverage"`
	SpotShare         float64 `yaml:"spot_share"`
	SpotEnabled       *bool   `yaml:"spot_enabled"`
	ExitPnlPercent    float64 `yaml:"exit_pnl_percent"`
	CloseBufferPct    float64 `yaml:"close_buffer_pct"`
	EntryBufferPct    float64 `yaml:"entry_buffer_pct"`
	FeeBps            float64 `yaml:"fee_bps"`
	SlippageBps       float64 `yaml:"slippage_bps"`
	HedgeFactor       float64 `yaml:"hedge_factor"`
}

type RiskConfig struct {
	MaxNotionalUSD float64 `yaml:"max_notional_usd"`
}

type WatcherConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Schedule    string   `yaml:"schedule"`
	Instruments []string `yaml:"instruments"`
	RunOnStart  bool     `yaml:"run_on_start"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.RateLimit == 0 {
		cfg.REST.RateLimit = 10
	}
	if cfg.REST.RateBurst == 0 {
		cfg.REST.RateBurst = 20
	}
	if cfg.REST.MaxRetries == 0 {
		cfg.REST.MaxRetries = 3
	}
	if cfg.REST.RetryBackoff == 0 {
		cfg.REST.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.REST.BreakerDelay == 0 {
		cfg.REST.BreakerDelay = 30 * time.Second
	}
	if cfg.REST.RefreshWindow == 0 {
		cfg.REST.RefreshWindow = 5 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.Exchange.MaxRetries == 0 {
		cfg.Exchange.MaxRetries = 3
	}
	if cfg.Exchange.RetryBackoff == 0 {
		cfg.Exchange.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = StateBackendSQLite
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-funding-arb.db"
	}
	if cfg.State.Redis.Addr == "" {
		cfg.State.Redis.Addr = "localhost:6379"
	}
	if cfg.State.Redis.Prefix == "" {
		cfg.State.Redis.Prefix = "hlfa:"
	}
	if cfg.Strategy.PositiveThreshold == 0 {
		cfg.Strategy.PositiveThreshold = 0.00005
	}
	if cfg.Strategy.NegativeThreshold == 0 {
		cfg.Strategy.NegativeThreshold = -0.00005
	}
	if cfg.Strategy.Leverage == 0 {
		cfg.Strategy.Leverage = 1
	}
	if cfg.Strategy.SpotShare == 0 {
		cfg.Strategy.SpotShare = 0.5
	}
	if cfg.Strategy.SpotEnabled == nil {
		enabled := true
		cfg.Strategy.SpotEnabled = &enabled
	}
	if cfg.Strategy.ExitPnlPercent == 0 {
		cfg.Strategy.ExitPnlPercent = -5
	}
	if cfg.Strategy.CloseBufferPct == 0 {
		cfg.Strategy.CloseBufferPct = 0.01
	}
	if cfg.Strategy.EntryBufferPct == 0 {
		cfg.Strategy.EntryBufferPct = 0.005
	}
	if cfg.Strategy.HedgeFactor == 0 {
		cfg.Strategy.HedgeFactor = 1
	}
	if cfg.Watcher.Schedule == "" {
		cfg.Watcher.Schedule = "@every 5m"
	}
	if cfg.API.Address == "" {
		cfg.API.Address = ":8080"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Timescale.BatchSize == 0 {
		cfg.Timescale.BatchSize = 32
	}
	if cfg.Timescale.FlushInterval == 0 {
		cfg.Timescale.FlushInterval = 2 * time.Second
	}
}

// applyEnvOverrides reads secrets from the environment so they stay out of
// config files.
func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString(&cfg.Exchange.PrivateKey, "HL_PRIVATE_KEY")
	setString(&cfg.Exchange.WalletAddress, "HL_WALLET_ADDRESS")
	setString(&cfg.Exchange.VaultAddress, "HL_VAULT_ADDRESS")
	setString(&cfg.Telegram.Token, "HL_TELEGRAM_TOKEN")
	setString(&cfg.Telegram.ChatID, "HL_TELEGRAM_CHAT_ID")
	setString(&cfg.State.Redis.Password, "HL_REDIS_PASSWORD")
	setString(&cfg.Timescale.DSN, "HL_TIMESCALE_DSN")
	if v, ok := os.LookupEnv("HL_DRY_RUN"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Exchange.DryRun = b
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.State.Backend {
	case StateBackendSQLite, StateBackendRedis:
	default:
		return fmt.Errorf("state.backend %q must be sqlite or redis", cfg.State.Backend)
	}
	s := cfg.Strategy
	if s.PositiveThreshold <= 0 {
		return errors.New("strategy.positive_threshold must be > 0")
	}
	if s.NegativeThreshold >= 0 {
		return errors.New("strategy.negative_threshold must be < 0")
	}
	if s.CapitalUSD < 0 {
		return errors.New("strategy.capital_usd must be >= 0")
	}
	if s.Leverage <= 0 {
		return errors.New("strategy.leverage must be > 0")
	}
	if s.SpotShare < 0 || s.SpotShare >= 1 {
		return errors.New("strategy.spot_share must be in [0,1)")
	}
	if s.HedgeFactor <= 0 {
		return errors.New("strategy.hedge_factor must be > 0")
	}
	if cfg.Risk.MaxNotionalUSD > 0 && s.CapitalUSD*s.Leverage > cfg.Risk.MaxNotionalUSD {
		return errors.New("strategy.capital_usd * leverage exceeds risk.max_notional_usd")
	}
	if !cfg.Exchange.DryRun && strings.TrimSpace(cfg.Exchange.PrivateKey) == "" && (cfg.Watcher.Enabled || cfg.API.Enabled) {
		return errors.New("exchange.private_key (or HL_PRIVATE_KEY) is required unless exchange.dry_run is set")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn (or HL_TIMESCALE_DSN) is required when timescale is enabled")
	}
	return nil
}
