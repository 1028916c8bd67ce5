package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Feed     FeedConfig     `mapstructure:"feed"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// FeedConfig holds the trade stream connection settings
type FeedConfig struct {
	URL               string        `mapstructure:"url"`
	Instruments       []string      `mapstructure:"instruments"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
}

// MonitorConfig holds smoothing and ATH decision settings
type MonitorConfig struct {
	Window           time.Duration `mapstructure:"window"`
	ThresholdPct     float64       `mapstructure:"threshold_pct"` // percent above the ATH, 0.1 = 0.1%
	Cooldown         time.Duration `mapstructure:"cooldown"`
	MaxPerHour       int           `mapstructure:"max_per_hour"`
	RateWindow       time.Duration `mapstructure:"rate_window"`
	QueueSize        int           `mapstructure:"queue_size"`
	BroadcastTimeout time.Duration `mapstructure:"broadcast_timeout"`
}

// NotifyConfig holds fan-out settings
type NotifyConfig struct {
	Silent      bool          `mapstructure:"silent"`
	Pacing      time.Duration `mapstructure:"pacing"`
	QuoteAssets []string      `mapstructure:"quote_assets"`
}

// TelegramConfig holds Telegram transport configuration
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	APIEndpoint string        `mapstructure:"api_endpoint"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Commands    bool          `mapstructure:"commands"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	Backend         string `mapstructure:"backend"` // sqlite or json
	DBPath          string `mapstructure:"db_path"`
	ATHFile         string `mapstructure:"ath_file"`
	SubscribersFile string `mapstructure:"subscribers_file"`
	MaxAlerts       int    `mapstructure:"max_alerts"` // 0 = keep all
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"` // empty = stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
)

// Load reads configuration from an optional .env file, the config file at
// path (skipped when empty) and environment variables
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// ATHWATCH_TELEGRAM_BOT_TOKEN overrides telegram.bot_token
	v.SetEnvPrefix("ATHWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("telegram.bot_token", "ATHWATCH_TELEGRAM_BOT_TOKEN", "TOKEN_BOT"); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Feed defaults
	v.SetDefault("feed.url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("feed.instruments", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("feed.reconnect_delay", "5s")
	v.SetDefault("feed.reconnect_max_delay", "60s")
	v.SetDefault("feed.read_timeout", "2m")
	v.SetDefault("feed.handshake_timeout", "10s")

	// Monitor defaults
	v.SetDefault("monitor.window", "20s")
	v.SetDefault("monitor.threshold_pct", 0.1)
	v.SetDefault("monitor.cooldown", "10s")
	v.SetDefault("monitor.max_per_hour", 3)
	v.SetDefault("monitor.rate_window", "1h")
	v.SetDefault("monitor.queue_size", 1024)
	v.SetDefault("monitor.broadcast_timeout", "2m")

	// Notify defaults
	v.SetDefault("notify.silent", true)
	v.SetDefault("notify.pacing", "100ms")
	v.SetDefault("notify.quote_assets", []string{"USDT", "USDC", "BUSD", "FDUSD"})

	// Telegram defaults
	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.api_endpoint", "")
	v.SetDefault("telegram.timeout", "30s")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay", "1s")
	v.SetDefault("telegram.commands", true)

	// Storage defaults
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.db_path", "./data/athwatch.db")
	v.SetDefault("storage.ath_file", "./data/ath_values.json")
	v.SetDefault("storage.subscribers_file", "./data/subscriptions.json")
	v.SetDefault("storage.max_alerts", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", false)
}

func (c *Config) normalize() {
	seen := make(map[string]bool, len(c.Feed.Instruments))
	instruments := c.Feed.Instruments[:0]
	for _, s := range c.Feed.Instruments {
		s = strings.ToUpper(strings.TrimSpace(s))
		if seen[s] {
			continue
		}
		seen[s] = true
		instruments = append(instruments, s)
	}
	c.Feed.Instruments = instruments
	for i, s := range c.Notify.QuoteAssets {
		c.Notify.QuoteAssets[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Feed config
	if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url must be a ws:// or wss:// URL")
	}
	if len(c.Feed.Instruments) == 0 {
		return fmt.Errorf("feed.instruments must contain at least one instrument")
	}
	seen := make(map[string]bool, len(c.Feed.Instruments))
	for _, s := range c.Feed.Instruments {
		if s == "" {
			return fmt.Errorf("feed.instruments must not contain empty symbols")
		}
		if seen[s] {
			return fmt.Errorf("feed.instruments lists %s more than once", s)
		}
		seen[s] = true
	}
	if c.Feed.ReconnectDelay <= 0 {
		return fmt.Errorf("feed.reconnect_delay must be positive")
	}
	if c.Feed.ReconnectMaxDelay < c.Feed.ReconnectDelay {
		return fmt.Errorf("feed.reconnect_max_delay must not be less than feed.reconnect_delay")
	}
	if c.Feed.ReadTimeout < time.Second {
		return fmt.Errorf("feed.read_timeout must be at least 1 second")
	}

	// Validate Monitor config
	if c.Monitor.Window <= 0 {
		return fmt.Errorf("monitor.window must be positive")
	}
	if c.Monitor.ThresholdPct < 0 {
		return fmt.Errorf("monitor.threshold_pct must not be negative")
	}
	if c.Monitor.Cooldown < 0 {
		return fmt.Errorf("monitor.cooldown must not be negative")
	}
	if c.Monitor.MaxPerHour < 1 {
		return fmt.Errorf("monitor.max_per_hour must be at least 1")
	}
	if c.Monitor.RateWindow <= 0 {
		return fmt.Errorf("monitor.rate_window must be positive")
	}
	if c.Monitor.QueueSize < 1 {
		return fmt.Errorf("monitor.queue_size must be at least 1")
	}
	if c.Monitor.BroadcastTimeout <= 0 {
		return fmt.Errorf("monitor.broadcast_timeout must be positive")
	}

	// Validate Notify config
	if c.Notify.Pacing < 0 {
		return fmt.Errorf("notify.pacing must not be negative")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.MaxRetries < 1 {
			return fmt.Errorf("telegram.max_retries must be at least 1")
		}
	}

	// Validate Storage config
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for the sqlite backend")
		}
	case BackendJSON:
		if c.Storage.ATHFile == "" || c.Storage.SubscribersFile == "" {
			return fmt.Errorf("storage.ath_file and storage.subscribers_file are required for the json backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: sqlite, json")
	}
	if c.Storage.MaxAlerts < 0 {
		return fmt.Errorf("storage.max_alerts must not be negative")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
