// Package config loads the bot's configuration from defaults, an optional
// TOML file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of the bot's environment variables.
const EnvPrefix = "BOT_"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port               string        `koanf:"port"`
	ServerReadTimeout  time.Duration `koanf:"server_read_timeout"`
	ServerWriteTimeout time.Duration `koanf:"server_write_timeout"`
	CORSOrigins        []string      `koanf:"cors_origins"`

	// Transport and storage
	Transport   string `koanf:"transport"`
	Store       string `koanf:"store"`
	RedisURL    string `koanf:"redis_url"`
	RedisPrefix string `koanf:"redis_prefix"`

	// NATS settings
	NATSURL      string `koanf:"nats_url"`
	NATSToken    string `koanf:"nats_token"`
	NATSCAFile   string `koanf:"nats_ca_file"`
	NATSCertFile string `koanf:"nats_cert_file"`
	NATSKeyFile  string `koanf:"nats_key_file"`
	NATSBucket   string `koanf:"nats_bucket"`

	// Matrix settings
	MatrixHomeserver   string   `koanf:"matrix_homeserver"`
	MatrixUserID       string   `koanf:"matrix_user_id"`
	MatrixAccessToken  string   `koanf:"matrix_access_token"`
	MatrixAllowedRooms []string `koanf:"matrix_allowed_rooms"`

	// LLM settings
	LLMProvider     string  `koanf:"llm_provider"`
	LLMModel        string  `koanf:"llm_model"`
	LLMMaxTokens    int     `koanf:"llm_max_tokens"`
	LLMTemperature  float64 `koanf:"llm_temperature"`
	OpenAIAPIKey    string  `koanf:"openai_api_key"`
	OpenAIURL       string  `koanf:"openai_url"`
	AnthropicAPIKey string  `koanf:"anthropic_api_key"`

	// Conversation settings
	MaxContextSize int           `koanf:"max_context_size"`
	RenderRate     float64       `koanf:"render_rate"`
	RenderBurst    int           `koanf:"render_burst"`
	RenderTimeout  time.Duration `koanf:"render_timeout"`
	DedupeTTL      time.Duration `koanf:"dedupe_ttl"`
	DedupeSize     int           `koanf:"dedupe_size"`

	// JWT settings
	JWTSecret string `koanf:"jwt_secret"`

	// Rate limiting
	RateLimitRequests int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`

	// Logging
	LogLevel string `koanf:"log_level"`

	// Tracing
	TracingEnabled  bool   `koanf:"tracing_enabled"`
	TracingEndpoint string `koanf:"tracing_endpoint"`
}

var defaults = map[string]interface{}{
	"port":                 "8080",
	"server_read_timeout":  "30s",
	"server_write_timeout": "0s",
	"transport":            "http",
	"store":                "memory",
	"redis_url":            "redis://localhost:6379/0",
	"redis_prefix":         "conversational-bot:",
	"nats_url":             "nats://localhost:4222",
	"nats_bucket":          "conversation_state",
	"llm_provider":         "openai",
	"llm_max_tokens":       4096,
	"llm_temperature":      1.0,
	"max_context_size":     20,
	"render_rate":          2.0,
	"render_burst":         1,
	"render_timeout":       "10s",
	"dedupe_ttl":           "10m",
	"dedupe_size":          10000,
	"jwt_secret":           "development-secret-change-in-production",
	"rate_limit_requests":  60,
	"rate_limit_window":    "1m",
	"log_level":            "info",
	"tracing_enabled":      false,
	"tracing_endpoint":     "localhost:4318",
}

// conventional maps unprefixed environment variables to keys.
var conventional = map[string]string{
	"PORT":              "port",
	"LOG_LEVEL":         "log_level",
	"OPENAI_API_KEY":    "openai_api_key",
	"OPENAI_URL":        "openai_url",
	"ANTHROPIC_API_KEY": "anthropic_api_key",
}

// Load reads configuration. configPath may be empty; BOT_CONFIG is used then.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "CONFIG")
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", configPath, err)
		}
	}

	fromEnv := make(map[string]interface{})
	for name, key := range conventional {
		if v := os.Getenv(name); v != "" {
			fromEnv[key] = v
		}
	}
	if err := k.Load(confmap.Provider(fromEnv, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	// Keys are flat, so the delimiter never appears in a transformed name.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case "http", "nats":
	case "matrix":
		if c.MatrixHomeserver == "" || c.MatrixUserID == "" || c.MatrixAccessToken == "" {
			errs = append(errs, errors.New("matrix transport requires matrix_homeserver, matrix_user_id and matrix_access_token"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	switch c.Store {
	case "memory", "redis", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	switch c.LLMProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("openai_api_key is required"))
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("anthropic_api_key is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown llm provider %q", c.LLMProvider))
	}

	if c.MaxContextSize <= 0 {
		errs = append(errs, errors.New("max_context_size must be positive"))
	}
	if c.RenderRate < 0 {
		errs = append(errs, errors.New("render_rate cannot be negative"))
	}

	return errors.Join(errs...)
}

// UsesNATS reports whether any component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.Transport == "nats" || c.Store == "nats"
}
