package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	CacheDir        string        `envconfig:"CACHE_DIR" default:"/var/cache/streambox"`
	CacheRetention  time.Duration `envconfig:"CACHE_RETENTION" default:"48h"`
	JanitorInterval time.Duration `envconfig:"JANITOR_INTERVAL" default:"10m"`

	// SettingsPath points at an optional YAML file with runtime overrides
	// for the engine settings. The file is watched and re-applied on change.
	SettingsPath string `envconfig:"SETTINGS_PATH"`

	Telegram struct {
		AppID       int    `split_words:"true" required:"true"`
		AppHash     string `split_words:"true" required:"true"`
		BotToken    string `split_words:"true"`
		SessionFile string `split_words:"true" default:"streambox.session"`

		// The channel the media library lives in. The access hash pairs
		// with the id the same way Telegram clients export them.
		ChannelID         int64 `split_words:"true" required:"true"`
		ChannelAccessHash int64 `split_words:"true" required:"true"`

		// Requests per second against the Telegram API, with a small burst.
		RateLimit float64 `split_words:"true" default:"25"`
		RateBurst int     `split_words:"true" default:"5"`
	}

	Engine Settings

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"streambox"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8686"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine settings: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
