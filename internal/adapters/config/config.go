package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"finsight/pkg/errors"
)

type Config struct {
	App           AppConfig
	Server        ServerConfig
	Redis         RedisConfig
	AI            AIConfig
	Providers     ProviderConfig
	Session       SessionConfig
	Tools         ToolsConfig
	Render        RenderConfig
	ErrorTracking ErrorTrackingConfig
	Workers       WorkerConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"finsight"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Version  string `envconfig:"APP_VERSION" default:"dev"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
}

type ServerConfig struct {
	Port         int           `envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
}

// RedisConfig backs the optional process-wide provider-scoped tool cache.
// Leave Host empty to run with per-session caching only.
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type AIConfig struct {
	APIKey      string        `envconfig:"OPENAI_API_KEY"`
	BaseURL     string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1"`
	Model       string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	Temperature float64       `envconfig:"AI_TEMPERATURE" default:"0.5"`
	MaxTokens   int           `envconfig:"AI_MAX_TOKENS" default:"4096"`
	Timeout     time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	// Requests per minute against the chat endpoint, shared across sessions
	RateLimit float64 `envconfig:"AI_RATE_LIMIT_RPM" default:"500"`
}

// ProviderConfig holds credentials for external data providers.
// Credentials are injected here and never embedded in tool adapter logic.
type ProviderConfig struct {
	FMPAPIKey        string `envconfig:"FMP_API_KEY"`
	FMPBaseURL       string `envconfig:"FMP_BASE_URL" default:"https://financialmodelingprep.com/api/v3"`
	SentimentAPIKey  string `envconfig:"SENTIMENT_API_KEY"`
	SentimentBaseURL string `envconfig:"SENTIMENT_BASE_URL" default:"https://tradestie.com/api/v1"`
	// Requests per minute per provider, enforced process-wide
	MarketRateLimit    float64 `envconfig:"MARKET_RATE_LIMIT_RPM" default:"120"`
	FilingsRateLimit   float64 `envconfig:"FILINGS_RATE_LIMIT_RPM" default:"60"`
	SentimentRateLimit float64 `envconfig:"SENTIMENT_RATE_LIMIT_RPM" default:"30"`
}

// SessionConfig bounds a single session's lifecycle.
type SessionConfig struct {
	MaxTurns         int           `envconfig:"SESSION_MAX_TURNS" default:"50"`
	WallClockBudget  time.Duration `envconfig:"SESSION_WALL_CLOCK_BUDGET" default:"10m"`
	ReasoningRetries int           `envconfig:"SESSION_REASONING_RETRIES" default:"3"`
	// How long terminal sessions stay available for polling before eviction
	TTL           time.Duration `envconfig:"SESSION_TTL" default:"30m"`
	MaxConcurrent int           `envconfig:"SESSION_MAX_CONCURRENT" default:"16"`
}

// ToolsConfig controls retry, backoff and caching inside the tool registry.
type ToolsConfig struct {
	MaxAttempts    int           `envconfig:"TOOL_MAX_ATTEMPTS" default:"3"`
	InitialBackoff time.Duration `envconfig:"TOOL_INITIAL_BACKOFF" default:"500ms"`
	MaxBackoff     time.Duration `envconfig:"TOOL_MAX_BACKOFF" default:"10s"`
	Timeout        time.Duration `envconfig:"TOOL_TIMEOUT" default:"30s"`
	CacheTTL       time.Duration `envconfig:"TOOL_CACHE_TTL" default:"5m"`
}

// RenderConfig points at the document-rendering collaborator.
// Empty URL disables rendering; reports degrade to text-only.
type RenderConfig struct {
	URL     string        `envconfig:"RENDER_SERVICE_URL"`
	Timeout time.Duration `envconfig:"RENDER_TIMEOUT" default:"60s"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"true"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// WorkerConfig contains intervals for background workers
type WorkerConfig struct {
	JanitorInterval time.Duration `envconfig:"WORKER_JANITOR_INTERVAL" default:"1m"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	return &cfg, nil
}
