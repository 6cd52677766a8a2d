// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.relay/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Embedding: embedder model and call rate limit
//   - Storage: PostgreSQL connection (see storage.go)
//   - Ingest: chunk size and overlap
//   - Search: result limit and fusion weights
//   - Session: ring buffer capacity and backend call timeout
//
// Security: sensitive values (passwords) are masked in MarshalJSON/String.
// Validation: range checks in validation.go with sentinel errors for
// errors.Is() checking.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidChunking indicates chunk size/overlap is out of range.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidSearchLimit indicates the search result limit is out of range.
	ErrInvalidSearchLimit = errors.New("invalid search limit")

	// ErrInvalidWeights indicates a fusion weight is negative.
	ErrInvalidWeights = errors.New("invalid fusion weights")

	// ErrInvalidRingCapacity indicates the ring buffer capacity is out of range.
	ErrInvalidRingCapacity = errors.New("invalid ring capacity")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// DefaultEmbedderModel is the default Gemini embedder model.
// gemini-embedding-001 supports truncation to our schema's vector width
// via OutputDimensionality; see embed.VectorDimension.
const DefaultEmbedderModel = "gemini-embedding-001"

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// Embedding configuration
	EmbedderModel   string  `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedRatePerSec float64 `mapstructure:"embed_rate_per_sec" json:"embed_rate_per_sec"`

	// Ingest configuration (approximate token units)
	ChunkSize    int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// Search configuration
	SearchLimit    int     `mapstructure:"search_limit" json:"search_limit"`
	SemanticWeight float64 `mapstructure:"semantic_weight" json:"semantic_weight"`
	FTSWeight      float64 `mapstructure:"fts_weight" json:"fts_weight"`

	// Session configuration
	RingCapacity      int `mapstructure:"ring_capacity" json:"ring_capacity"`
	BackendTimeoutSec int `mapstructure:"backend_timeout_sec" json:"backend_timeout_sec"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".relay")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings when set.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// Fail fast on invalid values.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("embed_rate_per_sec", 5.0)

	viper.SetDefault("chunk_size", 512)
	viper.SetDefault("chunk_overlap", 50)

	viper.SetDefault("search_limit", 8)
	viper.SetDefault("semantic_weight", 1.0)
	viper.SetDefault("fts_weight", 1.0)

	viper.SetDefault("ring_capacity", 30)
	viper.SetDefault("backend_timeout_sec", 300)

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "relay")
	viper.SetDefault("postgres_password", "relay_dev_password")
	viper.SetDefault("postgres_db_name", "relay")
	viper.SetDefault("postgres_ssl_mode", "disable")
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit (not via Viper); its presence
// is checked in cfg.Validate().
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("embedder_model", "RELAY_EMBEDDER_MODEL")
	mustBind("search_limit", "RELAY_SEARCH_LIMIT")
	mustBind("ring_capacity", "RELAY_RING_CAPACITY")
	mustBind("backend_timeout_sec", "RELAY_BACKEND_TIMEOUT_SEC")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid accidental substring matches against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 chars or fewer are fully masked to prevent substring attacks;
// longer secrets keep the first and last two characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
