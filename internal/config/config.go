// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.quill/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: generation model, embedder model
//   - Storage: PostgreSQL connection (pgvector document store)
//   - Retrieval: top-k bounds for semantic search
//   - Agent: reasoning-loop iteration bound and per-step deadline
//   - Tools: external MCP tool server endpoints (see servers.go)
//   - Observability: optional OTLP trace export
//
// Security: sensitive values (database password) are masked in MarshalJSON.
// Validation: range checks in validation.go with sentinel errors for
// errors.Is checks.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidTopK indicates the retrieval top-k is out of range.
	ErrInvalidTopK = errors.New("invalid retrieval top-k")

	// ErrInvalidMaxSteps indicates the reasoning-loop bound is out of range.
	ErrInvalidMaxSteps = errors.New("invalid max steps")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidToolServer indicates a tool server entry is malformed.
	ErrInvalidToolServer = errors.New("invalid tool server")
)

const (
	// DefaultModelName is the default generation model.
	DefaultModelName = "googleai/gemini-2.5-flash"

	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 supports truncation to 768 dimensions via
	// OutputDimensionality; the documents schema uses vector(768).
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultTopK matches the original corpus search depth.
	DefaultTopK = 4

	// MaxAllowedTopK is the absolute ceiling for one search call.
	MaxAllowedTopK = 20

	// DefaultMaxSteps bounds the reasoning loop.
	DefaultMaxSteps = 8

	// MaxAllowedSteps is the absolute ceiling for the reasoning loop.
	MaxAllowedSteps = 64
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON.
type Config struct {
	// AI model configuration
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Retrieval configuration
	TopK    int `mapstructure:"top_k" json:"top_k"`
	MaxTopK int `mapstructure:"max_top_k" json:"max_top_k"`

	// Agent configuration
	MaxSteps        int           `mapstructure:"max_steps" json:"max_steps"`
	StepTimeout     time.Duration `mapstructure:"step_timeout" json:"step_timeout"`
	RequestsPerSec  float64       `mapstructure:"requests_per_sec" json:"requests_per_sec"`
	RequestBurst    int           `mapstructure:"request_burst" json:"request_burst"`

	// Tool bridge configuration (see servers.go)
	ToolServers      []ToolServer  `mapstructure:"tool_servers" json:"tool_servers"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout" json:"call_timeout"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// API server configuration
	APIAddr string `mapstructure:"api_addr" json:"api_addr"`

	// Observability configuration
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" json:"service_name"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".quill")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// QUILL_TOOL_SERVERS (comma-separated URLs) supplements the file entries.
	cfg.ToolServers = append(cfg.ToolServers, toolServersFromEnv()...)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("model_name", DefaultModelName)
	v.SetDefault("embedder_model", DefaultEmbedderModel)

	v.SetDefault("top_k", DefaultTopK)
	v.SetDefault("max_top_k", MaxAllowedTopK)

	v.SetDefault("max_steps", DefaultMaxSteps)
	v.SetDefault("step_timeout", 60*time.Second)
	v.SetDefault("requests_per_sec", 10.0)
	v.SetDefault("request_burst", 30)

	v.SetDefault("handshake_timeout", 10*time.Second)
	v.SetDefault("call_timeout", 30*time.Second)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "quill")
	v.SetDefault("postgres_password", "quill_dev_password")
	v.SetDefault("postgres_db_name", "quill")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("api_addr", "127.0.0.1:3400")

	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("service_name", "quill")
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY is read directly by the genkit Google AI plugin, not via
// viper; Validate only checks its presence.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("model_name", "QUILL_MODEL_NAME")
	mustBind("embedder_model", "QUILL_EMBEDDER_MODEL")
	mustBind("top_k", "QUILL_TOP_K")
	mustBind("max_steps", "QUILL_MAX_STEPS")
	mustBind("api_addr", "QUILL_API_ADDR")
	mustBind("otlp_endpoint", "QUILL_OTLP_ENDPOINT")

	mustBind("postgres_host", "QUILL_POSTGRES_HOST")
	mustBind("postgres_port", "QUILL_POSTGRES_PORT")
	mustBind("postgres_user", "QUILL_POSTGRES_USER")
	mustBind("postgres_password", "QUILL_POSTGRES_PASSWORD")
	mustBind("postgres_db_name", "QUILL_POSTGRES_DB_NAME")
	mustBind("postgres_ssl_mode", "QUILL_POSTGRES_SSL_MODE")
}

// PostgresURL returns the connection string in URL format, as required by
// golang-migrate and pgxpool.ParseConfig.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// MarshalJSON masks sensitive fields so the config can be logged safely.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	masked := alias(c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = maskedValue
	}
	return json.Marshal(masked)
}
