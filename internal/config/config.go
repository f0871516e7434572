// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PacingProfile names a human-pacing delay range.
type PacingProfile string

const (
	PacingManual      PacingProfile = "manual"
	PacingAI          PacingProfile = "ai"
	PacingFollowUp    PacingProfile = "follow_up"
	PacingPromotional PacingProfile = "promotional"
	PacingReminder    PacingProfile = "reminder"
	PacingMultipart   PacingProfile = "multipart"
)

// Range is an inclusive delay interval.
type Range struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3 or postgres
	DSN    string `mapstructure:"dsn"`
}

// TimeoutConfig bounds every provider call.
type TimeoutConfig struct {
	Default time.Duration `mapstructure:"default"`
	Send    time.Duration `mapstructure:"send"`
}

// RecoveryConfig tunes the corrupted-session protocol.
type RecoveryConfig struct {
	GuardWindow    time.Duration `mapstructure:"guard_window"`
	Level1Attempts int           `mapstructure:"level1_attempts"`
	Level2Attempts int           `mapstructure:"level2_attempts"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	RecreateWait   time.Duration `mapstructure:"recreate_wait"`
}

// SendRateConfig is the per-instance token bucket applied on top of pacing.
type SendRateConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Burst    int           `mapstructure:"burst"`
}

// EvolutionConfig holds the Evolution API gateway settings.
type EvolutionConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// UazapiConfig holds the uazapi gateway settings.
type UazapiConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	AdminToken    string `mapstructure:"admin_token"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// MetaConfig holds the Graph API settings shared by Instagram, Messenger and
// WhatsApp Cloud instances.
type MetaConfig struct {
	GraphURL      string `mapstructure:"graph_url"`
	APIVersion    string `mapstructure:"api_version"`
	AppSecret     string `mapstructure:"app_secret"`
	VerifyToken   string `mapstructure:"verify_token"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// ProvidersConfig groups per-provider settings.
type ProvidersConfig struct {
	Evolution EvolutionConfig `mapstructure:"evolution"`
	Uazapi    UazapiConfig    `mapstructure:"uazapi"`
	Meta      MetaConfig      `mapstructure:"meta"`
}

// AMQPConfig configures the event publisher. An empty URL disables publishing.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// MediaConfig configures the local blob store.
type MediaConfig struct {
	Dir       string `mapstructure:"dir"`
	PublicURL string `mapstructure:"public_url"`
}

// Config holds all configuration for the channel bridge.
type Config struct {
	HTTPAddr  string `mapstructure:"http_addr"`
	PublicURL string `mapstructure:"public_url"`

	Database DatabaseConfig `mapstructure:"database"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Recovery RecoveryConfig `mapstructure:"recovery"`

	Pacing   map[string]Range `mapstructure:"pacing"`
	SendRate SendRateConfig   `mapstructure:"send_rate"`

	Providers ProvidersConfig `mapstructure:"providers"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Media     MediaConfig     `mapstructure:"media"`

	StatusSweep string `mapstructure:"status_sweep"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultPacing returns the built-in pacing ranges.
func DefaultPacing() map[string]Range {
	return map[string]Range{
		string(PacingManual):      {Min: 500 * time.Millisecond, Max: 1500 * time.Millisecond},
		string(PacingAI):          {Min: 2 * time.Second, Max: 5 * time.Second},
		string(PacingFollowUp):    {Min: 3 * time.Second, Max: 8 * time.Second},
		string(PacingPromotional): {Min: 5 * time.Second, Max: 15 * time.Second},
		string(PacingReminder):    {Min: 2 * time.Second, Max: 6 * time.Second},
		string(PacingMultipart):   {Min: 1 * time.Second, Max: 3 * time.Second},
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:  ":8080",
		PublicURL: "http://localhost:8080",
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "channel-bridge.db",
		},
		Timeouts: TimeoutConfig{
			Default: 15 * time.Second,
			Send:    30 * time.Second,
		},
		Recovery: RecoveryConfig{
			GuardWindow:    60 * time.Second,
			Level1Attempts: 3,
			Level2Attempts: 2,
			RetryInterval:  3 * time.Second,
			RecreateWait:   2 * time.Second,
		},
		Pacing: DefaultPacing(),
		SendRate: SendRateConfig{
			Interval: time.Second,
			Burst:    3,
		},
		Providers: ProvidersConfig{
			Meta: MetaConfig{
				GraphURL:   "https://graph.facebook.com",
				APIVersion: "v21.0",
			},
		},
		AMQP: AMQPConfig{
			Exchange: "channel-bridge",
		},
		Media: MediaConfig{
			Dir: "media",
		},
		StatusSweep: "@every 2m",
		LogLevel:    "info",
		LogFormat:   "json",
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: CLI flags > Environment > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("http_addr", defaults.HTTPAddr)
	v.SetDefault("public_url", defaults.PublicURL)
	v.SetDefault("database.driver", defaults.Database.Driver)
	v.SetDefault("database.dsn", defaults.Database.DSN)
	v.SetDefault("timeouts.default", defaults.Timeouts.Default)
	v.SetDefault("timeouts.send", defaults.Timeouts.Send)
	v.SetDefault("recovery.guard_window", defaults.Recovery.GuardWindow)
	v.SetDefault("recovery.level1_attempts", defaults.Recovery.Level1Attempts)
	v.SetDefault("recovery.level2_attempts", defaults.Recovery.Level2Attempts)
	v.SetDefault("recovery.retry_interval", defaults.Recovery.RetryInterval)
	v.SetDefault("recovery.recreate_wait", defaults.Recovery.RecreateWait)
	for name, r := range defaults.Pacing {
		v.SetDefault("pacing."+name+".min", r.Min)
		v.SetDefault("pacing."+name+".max", r.Max)
	}
	v.SetDefault("send_rate.interval", defaults.SendRate.Interval)
	v.SetDefault("send_rate.burst", defaults.SendRate.Burst)
	v.SetDefault("providers.evolution.base_url", "")
	v.SetDefault("providers.evolution.api_key", "")
	v.SetDefault("providers.evolution.webhook_secret", "")
	v.SetDefault("providers.uazapi.base_url", "")
	v.SetDefault("providers.uazapi.admin_token", "")
	v.SetDefault("providers.uazapi.webhook_secret", "")
	v.SetDefault("providers.meta.graph_url", defaults.Providers.Meta.GraphURL)
	v.SetDefault("providers.meta.api_version", defaults.Providers.Meta.APIVersion)
	v.SetDefault("providers.meta.app_secret", "")
	v.SetDefault("providers.meta.verify_token", "")
	v.SetDefault("providers.meta.webhook_secret", "")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", defaults.AMQP.Exchange)
	v.SetDefault("media.dir", defaults.Media.Dir)
	v.SetDefault("media.public_url", "")
	v.SetDefault("status_sweep", defaults.StatusSweep)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	// Environment variables with CHANNEL_BRIDGE_ prefix, e.g. CHANNEL_BRIDGE_DATABASE_DSN
	v.SetEnvPrefix("CHANNEL_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing default config.yaml is fine; an unreadable explicit one is not.
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Pace returns the delay range for a profile, falling back to manual.
func (c *Config) Pace(profile PacingProfile) Range {
	if r, ok := c.Pacing[string(profile)]; ok {
		return r
	}
	if r, ok := c.Pacing[string(PacingManual)]; ok {
		return r
	}
	return DefaultPacing()[string(PacingManual)]
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid database driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	if c.Timeouts.Default <= 0 || c.Timeouts.Send <= 0 {
		return fmt.Errorf("provider timeouts must be positive")
	}

	if c.Recovery.Level1Attempts < 0 || c.Recovery.Level2Attempts < 0 {
		return fmt.Errorf("recovery attempts must be non-negative")
	}
	if c.Recovery.RetryInterval < 0 || c.Recovery.RecreateWait < 0 || c.Recovery.GuardWindow < 0 {
		return fmt.Errorf("recovery durations must be non-negative")
	}

	for name, r := range c.Pacing {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("invalid pacing range for %s: min %s max %s", name, r.Min, r.Max)
		}
	}

	if c.SendRate.Interval < 0 || c.SendRate.Burst < 0 {
		return fmt.Errorf("send rate must be non-negative")
	}

	return nil
}
