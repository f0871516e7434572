package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.Default)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Send)
	assert.Equal(t, 60*time.Second, cfg.Recovery.GuardWindow)
	assert.Equal(t, 3, cfg.Recovery.Level1Attempts)
	assert.Equal(t, 2, cfg.Recovery.Level2Attempts)
	assert.Equal(t, 3*time.Second, cfg.Recovery.RetryInterval)
	assert.Len(t, cfg.Pacing, 6)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
http_addr: ":9000"
database:
  driver: postgres
  dsn: postgres://localhost/bridge
timeouts:
  default: 5s
  send: 10s
recovery:
  level1_attempts: 4
  retry_interval: 1s
pacing:
  ai:
    min: 1s
    max: 2s
providers:
  evolution:
    base_url: http://evolution:8080
    api_key: key
    webhook_secret: s3cret
log_level: debug
log_format: text
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/bridge", cfg.Database.DSN)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Default)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Send)
	assert.Equal(t, 4, cfg.Recovery.Level1Attempts)
	assert.Equal(t, 2, cfg.Recovery.Level2Attempts)
	assert.Equal(t, time.Second, cfg.Recovery.RetryInterval)
	assert.Equal(t, Range{Min: time.Second, Max: 2 * time.Second}, cfg.Pace(PacingAI))
	assert.Equal(t, "http://evolution:8080", cfg.Providers.Evolution.BaseURL)
	assert.Equal(t, "s3cret", cfg.Providers.Evolution.WebhookSecret)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().HTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultConfig().Timeouts, cfg.Timeouts)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("CHANNEL_BRIDGE_LOG_LEVEL", "warn")
	t.Setenv("CHANNEL_BRIDGE_PROVIDERS_UAZAPI_WEBHOOK_SECRET", "from-env")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "from-env", cfg.Providers.Uazapi.WebhookSecret)
}

func TestConfig_Pace(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, cfg.Pacing["manual"], cfg.Pace(PacingProfile("unknown")))
	assert.Equal(t, cfg.Pacing["promotional"], cfg.Pace(PacingPromotional))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid defaults", modify: func(c *Config) {}},
		{name: "bad log level", modify: func(c *Config) { c.LogLevel = "trace" }, wantErr: true},
		{name: "bad driver", modify: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: true},
		{name: "empty dsn", modify: func(c *Config) { c.Database.DSN = "" }, wantErr: true},
		{name: "zero send timeout", modify: func(c *Config) { c.Timeouts.Send = 0 }, wantErr: true},
		{name: "negative attempts", modify: func(c *Config) { c.Recovery.Level1Attempts = -1 }, wantErr: true},
		{
			name: "inverted pacing range",
			modify: func(c *Config) {
				c.Pacing["ai"] = Range{Min: 3 * time.Second, Max: time.Second}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
