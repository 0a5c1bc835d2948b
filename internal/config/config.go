// Package config provides configuration for Reverie. Settings load from an
// optional YAML file, then environment variables with the REVERIE_ prefix
// override, then defaults fill the rest. The assembled struct is validated
// before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Reverie engine and its tool server.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Generation GenerationConfig `yaml:"generation"`
	Engine     EngineConfig     `yaml:"engine"`
	Ops        OpsConfig        `yaml:"ops"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend string `yaml:"backend" validate:"oneof=sqlite postgres"`

	// DSN is the database connection string. For sqlite this is a file
	// path or ":memory:".
	DSN string `yaml:"dsn" validate:"required"`
}

// GenerationConfig configures the generation backend used for reflection and
// safety classification.
type GenerationConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
	Model   string `yaml:"model" validate:"required"`

	// EmbeddingModel generates memory embeddings on the postgres backend.
	EmbeddingModel string `yaml:"embedding_model" validate:"required"`

	// TimeoutSeconds bounds each generation request.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=1,lte=600"`

	// RequestsPerSecond throttles calls to the backend.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
}

// EngineConfig configures the reflection worker pool and trigger thresholds.
type EngineConfig struct {
	Workers    int `yaml:"workers" validate:"gte=1,lte=64"`
	QueueSize  int `yaml:"queue_size" validate:"gte=1"`
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`

	// ConsolidationIntervalMinutes triggers reflection on elapsed time.
	ConsolidationIntervalMinutes int `yaml:"consolidation_interval_minutes" validate:"gte=1"`

	// MaxPendingMessages triggers reflection on accumulated messages.
	MaxPendingMessages int `yaml:"max_pending_messages" validate:"gte=1"`

	// MaxPendingTokens triggers reflection on accumulated tokens.
	MaxPendingTokens int `yaml:"max_pending_tokens" validate:"gte=1"`

	// JournalExpiryDays is the journal decay window.
	JournalExpiryDays int `yaml:"journal_expiry_days" validate:"gte=1,lte=365"`

	// PromotionIntervalHours schedules promotion-mode reflection in the
	// long-running server. Zero disables the scheduler; one-shot runs go
	// through reverie-promote instead.
	PromotionIntervalHours int `yaml:"promotion_interval_hours" validate:"gte=0,lte=720"`
}

// OpsConfig configures the operator event hub.
type OpsConfig struct {
	// Enabled turns the websocket event hub on.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the hub's listen address.
	ListenAddr string `yaml:"listen_addr" validate:"required_if=Enabled true"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "sqlite",
			DSN:     "./reverie.db",
		},
		Generation: GenerationConfig{
			BaseURL:           "http://localhost:11434",
			Model:             "llama3.1:8b",
			EmbeddingModel:    "nomic-embed-text",
			TimeoutSeconds:    60,
			RequestsPerSecond: 1,
		},
		Engine: EngineConfig{
			Workers:                      2,
			QueueSize:                    64,
			MaxRetries:                   2,
			ConsolidationIntervalMinutes: 30,
			MaxPendingMessages:           20,
			MaxPendingTokens:             4000,
			JournalExpiryDays:            7,
			PromotionIntervalHours:       24,
		},
		Ops: OpsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:6464",
		},
	}
}

// Load assembles the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then REVERIE_ environment overrides. The
// result is validated; an invalid configuration is returned as a
// ValidationErrors listing every offending field.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from REVERIE_-prefixed environment variables.
func (c *Config) applyEnv() {
	c.Storage.Backend = getEnv("REVERIE_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DSN = getEnv("REVERIE_STORAGE_DSN", c.Storage.DSN)

	c.Generation.BaseURL = getEnv("REVERIE_GENERATION_URL", c.Generation.BaseURL)
	c.Generation.Model = getEnv("REVERIE_GENERATION_MODEL", c.Generation.Model)
	c.Generation.EmbeddingModel = getEnv("REVERIE_GENERATION_EMBEDDING_MODEL", c.Generation.EmbeddingModel)
	c.Generation.TimeoutSeconds = getEnvInt("REVERIE_GENERATION_TIMEOUT_SECONDS", c.Generation.TimeoutSeconds)
	c.Generation.RequestsPerSecond = getEnvFloat("REVERIE_GENERATION_RPS", c.Generation.RequestsPerSecond)

	c.Engine.Workers = getEnvInt("REVERIE_ENGINE_WORKERS", c.Engine.Workers)
	c.Engine.QueueSize = getEnvInt("REVERIE_ENGINE_QUEUE_SIZE", c.Engine.QueueSize)
	c.Engine.MaxRetries = getEnvInt("REVERIE_ENGINE_MAX_RETRIES", c.Engine.MaxRetries)
	c.Engine.ConsolidationIntervalMinutes = getEnvInt("REVERIE_CONSOLIDATION_INTERVAL_MINUTES", c.Engine.ConsolidationIntervalMinutes)
	c.Engine.MaxPendingMessages = getEnvInt("REVERIE_MAX_PENDING_MESSAGES", c.Engine.MaxPendingMessages)
	c.Engine.MaxPendingTokens = getEnvInt("REVERIE_MAX_PENDING_TOKENS", c.Engine.MaxPendingTokens)
	c.Engine.JournalExpiryDays = getEnvInt("REVERIE_JOURNAL_EXPIRY_DAYS", c.Engine.JournalExpiryDays)
	c.Engine.PromotionIntervalHours = getEnvInt("REVERIE_PROMOTION_INTERVAL_HOURS", c.Engine.PromotionIntervalHours)

	c.Ops.Enabled = getEnvBool("REVERIE_OPS_ENABLED", c.Ops.Enabled)
	c.Ops.ListenAddr = getEnv("REVERIE_OPS_LISTEN_ADDR", c.Ops.ListenAddr)
}

// ConsolidationInterval returns the trigger interval as a duration.
func (c *EngineConfig) ConsolidationInterval() time.Duration {
	return time.Duration(c.ConsolidationIntervalMinutes) * time.Minute
}

// PromotionInterval returns the promotion scheduler period; zero means the
// scheduler is disabled.
func (c *EngineConfig) PromotionInterval() time.Duration {
	return time.Duration(c.PromotionIntervalHours) * time.Hour
}

// GenerationTimeout returns the request timeout as a duration.
func (c *GenerationConfig) GenerationTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
