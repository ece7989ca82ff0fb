// Package config loads and validates application configuration from a YAML
// file, FAMILYLOG_* environment variables and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds configuration for every component of the worker.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Obsidian ObsidianConfig `mapstructure:"obsidian"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Summary  SummaryConfig  `mapstructure:"summary"`
}

type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type TelegramConfig struct {
	Token       string        `mapstructure:"token"        validate:"required"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"min=1s,max=50s"`
	BatchLimit  int           `mapstructure:"batch_limit"  validate:"min=1,max=100"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// IngestConfig controls session correlation. Markers maps a literal marker
// phrase (matched after trimming and lower-casing) to the intent it declares.
type IngestConfig struct {
	SessionTimeout time.Duration     `mapstructure:"session_timeout" validate:"min=1m"`
	Markers        map[string]string `mapstructure:"markers"         validate:"required,dive,oneof=note diary calendar reminder"`
}

type GeminiConfig struct {
	APIKey            string  `mapstructure:"api_key"             validate:"required"`
	Model             string  `mapstructure:"model"               validate:"required"`
	VisionModel       string  `mapstructure:"vision_model"        validate:"required"`
	Temperature       float32 `mapstructure:"temperature"         validate:"min=0,max=2"`
	MaxRetries        int     `mapstructure:"max_retries"         validate:"min=0,max=10"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" validate:"min=1,max=300"`
}

type ObsidianConfig struct {
	APIURL string `mapstructure:"api_url" validate:"required,url"`
	APIKey string `mapstructure:"api_key" validate:"required"`
}

// PipelineConfig controls the run-to-completion worker cadence in daemon mode.
type PipelineConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"min=30s"`
}

// SummaryConfig controls the periodic vault digest. ChatIDs lists the family
// chats notified after each digest; leave it empty to skip the announcement.
type SummaryConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"min=1h"`
	ChatIDs  []int64       `mapstructure:"chat_ids"`
}

// Load reads configuration from configPath (optional), applies FAMILYLOG_*
// environment overrides and defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("FAMILYLOG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !strings.Contains(err.Error(), "no such file") {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.json", false)

	viper.SetDefault("telegram.poll_timeout", 10*time.Second)
	viper.SetDefault("telegram.batch_limit", 100)

	viper.SetDefault("database.path", "familylog.db")

	viper.SetDefault("ingest.session_timeout", 30*time.Minute)
	viper.SetDefault("ingest.markers", map[string]string{
		"📝 note":     "note",
		"📔 diary":    "diary",
		"📅 calendar": "calendar",
		"⏰ reminder": "reminder",
	})

	viper.SetDefault("gemini.model", "gemini-2.0-flash")
	viper.SetDefault("gemini.vision_model", "gemini-2.0-flash")
	viper.SetDefault("gemini.temperature", 0.2)
	viper.SetDefault("gemini.max_retries", 2)
	viper.SetDefault("gemini.retry_delay_seconds", 5)

	viper.SetDefault("obsidian.api_url", "http://localhost:27123")

	viper.SetDefault("pipeline.interval", 15*time.Minute)

	viper.SetDefault("summary.interval", 7*24*time.Hour)
}
