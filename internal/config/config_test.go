package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BOT_CONFIG", "")
	t.Setenv("PORT", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 4096, cfg.LLMMaxTokens)
	assert.InDelta(t, 1.0, cfg.LLMTemperature, 1e-9)
	assert.Equal(t, 20, cfg.MaxContextSize)
	assert.Equal(t, 10*time.Second, cfg.RenderTimeout)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport = "matrix"
store = "redis"
max_context_size = 8
render_timeout = "3s"
matrix_allowed_rooms = ["!a:example.org", "!b:example.org"]
llm_provider = "anthropic"
`), 0o600))

	t.Setenv("OPENAI_API_KEY", "sk-conventional")
	t.Setenv("PORT", "9090")
	t.Setenv("BOT_PORT", "9191")
	t.Setenv("BOT_MAX_CONTEXT_SIZE", "12")
	t.Setenv("BOT_DEDUPE_TTL", "1h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "matrix", cfg.Transport)
	assert.Equal(t, "redis", cfg.Store)
	assert.Equal(t, "anthropic", cfg.LLMProvider)
	assert.Equal(t, 3*time.Second, cfg.RenderTimeout)
	assert.Equal(t, []string{"!a:example.org", "!b:example.org"}, cfg.MatrixAllowedRooms)
	assert.Equal(t, "sk-conventional", cfg.OpenAIAPIKey)
	assert.Equal(t, "9191", cfg.Port, "prefixed variables win")
	assert.Equal(t, 12, cfg.MaxContextSize)
	assert.Equal(t, time.Hour, cfg.DedupeTTL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Transport:      "http",
			Store:          "memory",
			LLMProvider:    "openai",
			OpenAIAPIKey:   "sk-test",
			MaxContextSize: 20,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "transport", mutate: func(c *Config) { c.Transport = "telegram" }, want: "unknown transport"},
		{name: "matrix credentials", mutate: func(c *Config) { c.Transport = "matrix" }, want: "matrix_access_token"},
		{name: "store", mutate: func(c *Config) { c.Store = "sqlite" }, want: "unknown store"},
		{name: "provider", mutate: func(c *Config) { c.LLMProvider = "llama" }, want: "unknown llm provider"},
		{name: "openai key", mutate: func(c *Config) { c.OpenAIAPIKey = "" }, want: "openai_api_key"},
		{name: "anthropic key", mutate: func(c *Config) { c.LLMProvider = "anthropic" }, want: "anthropic_api_key"},
		{name: "context size", mutate: func(c *Config) { c.MaxContextSize = 0 }, want: "max_context_size"},
		{name: "render rate", mutate: func(c *Config) { c.RenderRate = -1 }, want: "render_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUsesNATS(t *testing.T) {
	assert.False(t, (&Config{Transport: "http", Store: "redis"}).UsesNATS())
	assert.True(t, (&Config{Transport: "http", Store: "nats"}).UsesNATS())
	assert.True(t, (&Config{Transport: "nats", Store: "memory"}).UsesNATS())
}
