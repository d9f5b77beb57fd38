package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // timezone lookups must not depend on the host's zoneinfo

	"github.com/rewired-gh/watchdigest/internal/engine"
	"github.com/rewired-gh/watchdigest/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Detect   DetectConfig   `mapstructure:"detect"`
	Quotes   QuotesConfig   `mapstructure:"quotes"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// EngineConfig holds the settings shared by every alert component
type EngineConfig struct {
	Timezone        string         `mapstructure:"timezone"`
	StalenessWindow time.Duration  `mapstructure:"staleness_window"`
	Defaults        DefaultsConfig `mapstructure:"defaults"`
}

// DefaultsConfig holds the system thresholds a user's unset preference falls
// back to. Zero disables the trigger.
type DefaultsConfig struct {
	UpPercent    float64 `mapstructure:"up_percent"`
	UpDollar     float64 `mapstructure:"up_dollar"`
	DownPercent  float64 `mapstructure:"down_percent"`
	DownDollar   float64 `mapstructure:"down_dollar"`
	MinPrice     float64 `mapstructure:"min_price"`
	HiloMinPrice float64 `mapstructure:"hilo_min_price"`
}

// DetectConfig holds market-wide scan configuration
type DetectConfig struct {
	Universe     []string `mapstructure:"universe"` // empty = every watchlisted code
	MoverPercent float64  `mapstructure:"mover_percent"`
	MoverDollar  float64  `mapstructure:"mover_dollar"`
}

// QuotesConfig holds quote provider configuration
type QuotesConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	APIKey              string        `mapstructure:"api_key"`
	Timeout             time.Duration `mapstructure:"timeout"`
	BatchSize           int           `mapstructure:"batch_size"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelayBase      time.Duration `mapstructure:"retry_delay_base"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// ScheduleConfig holds one cron expression (seconds first) per job
type ScheduleConfig struct {
	DailyPrep string `mapstructure:"daily_prep"`
	Movers    string `mapstructure:"movers"`
	HiLo      string `mapstructure:"hilo"`
	Targets   string `mapstructure:"targets"`
	Reconcile string `mapstructure:"reconcile"`
	Digest    string `mapstructure:"digest"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// WATCHDIGEST_QUOTES_API_KEY overrides quotes.api_key, and so on.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvPrefix("WATCHDIGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Engine defaults
	v.SetDefault("engine.timezone", "Australia/Sydney")
	v.SetDefault("engine.staleness_window", "24h")
	v.SetDefault("engine.defaults.up_percent", 3.0)
	v.SetDefault("engine.defaults.up_dollar", 0.5)
	v.SetDefault("engine.defaults.down_percent", 3.0)
	v.SetDefault("engine.defaults.down_dollar", 0.5)
	v.SetDefault("engine.defaults.min_price", 0.0)      // 0 = no floor
	v.SetDefault("engine.defaults.hilo_min_price", 0.0) // 0 = no floor

	// Detect defaults
	v.SetDefault("detect.universe", []string{})
	v.SetDefault("detect.mover_percent", 0.0)
	v.SetDefault("detect.mover_dollar", 0.0)

	// Quotes defaults
	v.SetDefault("quotes.api_key", "")
	v.SetDefault("quotes.timeout", "30s")
	v.SetDefault("quotes.batch_size", 50)
	v.SetDefault("quotes.max_retries", 3)
	v.SetDefault("quotes.retry_delay_base", "1s")
	v.SetDefault("quotes.max_idle_conns", 10)
	v.SetDefault("quotes.max_idle_conns_per_host", 5)
	v.SetDefault("quotes.idle_conn_timeout", "90s")

	// Schedule defaults, weekdays in engine.timezone
	v.SetDefault("schedule.daily_prep", "0 0 7 * * 1-5")
	v.SetDefault("schedule.movers", "0 */30 10-16 * * 1-5")
	v.SetDefault("schedule.hilo", "0 15 16 * * 1-5")
	v.SetDefault("schedule.targets", "0 */10 10-16 * * 1-5")
	v.SetDefault("schedule.reconcile", "0 45 16 * * 1-5")
	v.SetDefault("schedule.digest", "0 30 17 * * 1-5")

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/watchdigest.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Engine config
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil || c.Engine.Timezone == "" {
		return fmt.Errorf("engine.timezone must be a valid IANA timezone, got %q", c.Engine.Timezone)
	}
	if c.Engine.StalenessWindow < time.Hour {
		return fmt.Errorf("engine.staleness_window must be at least 1 hour")
	}
	d := c.Engine.Defaults
	for name, val := range map[string]float64{
		"up_percent": d.UpPercent, "up_dollar": d.UpDollar,
		"down_percent": d.DownPercent, "down_dollar": d.DownDollar,
		"min_price": d.MinPrice, "hilo_min_price": d.HiloMinPrice,
	} {
		if val < 0 {
			return fmt.Errorf("engine.defaults.%s must not be negative", name)
		}
	}

	// Validate Detect config
	if c.Detect.MoverPercent < 0 || c.Detect.MoverDollar < 0 {
		return fmt.Errorf("detect.mover_percent and detect.mover_dollar must not be negative")
	}

	// Validate Quotes config
	if c.Quotes.BaseURL == "" {
		return fmt.Errorf("quotes.base_url is required")
	}
	if c.Quotes.BatchSize < 1 || c.Quotes.BatchSize > 500 {
		return fmt.Errorf("quotes.batch_size must be between 1 and 500")
	}
	if c.Quotes.MaxRetries < 1 {
		return fmt.Errorf("quotes.max_retries must be at least 1")
	}

	// Validate Schedule config
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, expr := range map[string]string{
		"daily_prep": c.Schedule.DailyPrep, "movers": c.Schedule.Movers,
		"hilo": c.Schedule.HiLo, "targets": c.Schedule.Targets,
		"reconcile": c.Schedule.Reconcile, "digest": c.Schedule.Digest,
	} {
		if expr == "" {
			continue
		}
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("schedule.%s is not a valid cron expression: %w", name, err)
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
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

// Location returns the reference timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Engine.Timezone)
}

// EngineConfig returns the immutable configuration handed to the core.
func (c *Config) EngineConfig() (engine.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return engine.Config{}, fmt.Errorf("invalid engine.timezone: %w", err)
	}
	return engine.New(loc, c.Engine.StalenessWindow, c.Engine.Defaults.Thresholds()), nil
}

// Thresholds converts the defaults into three-state thresholds.
func (d DefaultsConfig) Thresholds() models.Thresholds {
	return models.Thresholds{
		UpPercent:    threshold(d.UpPercent),
		UpDollar:     threshold(d.UpDollar),
		DownPercent:  threshold(d.DownPercent),
		DownDollar:   threshold(d.DownDollar),
		MinPrice:     threshold(d.MinPrice),
		HiloMinPrice: threshold(d.HiloMinPrice),
	}
}

func threshold(v float64) models.Threshold {
	if v <= 0 {
		return models.Disabled()
	}
	return models.Value(v)
}
