// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (GRIDSAGE_* runtime override, plus DATABASE_URL)
//  2. Config file (~/.gridsage/config.yaml)
//  3. Default values
//
// Sensitive data (the Postgres password, the auth secret) is never logged.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation.
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrMissingAuthSecret indicates the token-signing secret is not set.
	ErrMissingAuthSecret = errors.New("missing auth secret")

	// ErrInvalidAuthSecret indicates the token-signing secret is too short.
	ErrInvalidAuthSecret = errors.New("invalid auth secret")

	// ErrInvalidTopK indicates the retrieval top-K value is out of range.
	ErrInvalidTopK = errors.New("invalid retrieval top-k")

	// ErrInvalidTurnTimeout indicates the agent turn timeout is out of range.
	ErrInvalidTurnTimeout = errors.New("invalid turn timeout")
)

const (
	// DefaultModelName is the default generation model.
	DefaultModelName = "googleai/gemini-2.5-flash"

	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 supports truncation to 768 dimensions, which is
	// what the documents table schema uses.
	DefaultEmbedderModel = "gemini-embedding-001"

	// MinAuthSecretLen is the minimum length of the HMAC token secret.
	MinAuthSecretLen = 32
)

// Config stores application configuration.
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider"`       // "gemini" (default)
	ModelName     string `mapstructure:"model_name"`     // e.g. "googleai/gemini-2.5-flash"
	EmbedderModel string `mapstructure:"embedder_model"` // e.g. "gemini-embedding-001"

	// HTTP server
	ServerAddr string `mapstructure:"server_addr"`
	AuthSecret string `mapstructure:"auth_secret"` // HMAC secret for bearer-token verification

	// PostgreSQL connection
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Agent loop tuning
	TurnTimeoutSeconds int     `mapstructure:"turn_timeout_seconds"` // wall clock bound per turn
	ToolRetries        int     `mapstructure:"tool_retries"`         // extra attempts per ToolCall
	MaxToolCalls       int     `mapstructure:"max_tool_calls"`       // tool invocations per turn
	RetrievalTopK      int     `mapstructure:"retrieval_top_k"`      // passages per search
	MinSimilarity      float64 `mapstructure:"min_similarity"`       // similarity floor, 0..1
	HistoryLimit       int     `mapstructure:"history_limit"`        // recent turns folded into the prompt
}

// TurnTimeout returns the per-turn wall clock bound as a duration.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

// Load reads configuration from file, environment, and defaults.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Config file is optional: ~/.gridsage/config.yaml
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".gridsage"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("GRIDSAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// DATABASE_URL (if set) overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "gemini")
	v.SetDefault("model_name", DefaultModelName)
	v.SetDefault("embedder_model", DefaultEmbedderModel)

	v.SetDefault("server_addr", "127.0.0.1:8080")

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "gridsage")
	v.SetDefault("postgres_dbname", "gridsage")
	v.SetDefault("postgres_sslmode", "disable")

	v.SetDefault("turn_timeout_seconds", 120)
	v.SetDefault("tool_retries", 2)
	v.SetDefault("max_tool_calls", 3)
	v.SetDefault("retrieval_top_k", 4)
	v.SetDefault("min_similarity", 0.55)
	v.SetDefault("history_limit", 10)
}
