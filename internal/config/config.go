// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	// KVOpTimeout bounds best-effort KV operations (cache reads, counter
	// updates). On expiry the caller falls through instead of failing.
	KVOpTimeout time.Duration `env:"KV_OP_TIMEOUT" envDefault:"1s"`

	// Provider credentials. Model catalogs live in the YAML file below.
	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	AnthropicAPIKey  string `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com/v1"`
	GoogleAPIKey     string `env:"GOOGLE_API_KEY"`
	GoogleBaseURL    string `env:"GOOGLE_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	AzureAPIKey      string `env:"AZURE_OPENAI_API_KEY"`
	AzureEndpoint    string `env:"AZURE_OPENAI_ENDPOINT"`
	AzureDeployment  string `env:"AZURE_OPENAI_DEPLOYMENT"`
	AzureAPIVersion  string `env:"AZURE_OPENAI_API_VERSION" envDefault:"2024-02-01"`

	// ProviderCatalogPath points at the YAML model catalog merged with the
	// credentials above.
	ProviderCatalogPath string `env:"PROVIDER_CATALOG_PATH" envDefault:"configs/providers.yaml"`

	// Selection strategy: round-robin, lowest-latency or cost-biased.
	SelectionStrategy string `env:"SELECTION_STRATEGY" envDefault:"lowest-latency"`

	// Health monitor.
	HealthProbeInterval time.Duration `env:"HEALTH_PROBE_INTERVAL" envDefault:"30s"`
	HealthProbeTimeout  time.Duration `env:"HEALTH_PROBE_TIMEOUT" envDefault:"5s"`

	// Circuit breaker.
	BreakerFailureThreshold    int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerTimeout             time.Duration `env:"BREAKER_TIMEOUT" envDefault:"30s"`
	BreakerResetTimeout        time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
	BreakerHalfOpenMaxAttempts int           `env:"BREAKER_HALF_OPEN_MAX_ATTEMPTS" envDefault:"3"`

	// Multi-tier cache.
	CacheL1MaxSize         int           `env:"CACHE_L1_MAX_SIZE" envDefault:"10000"`
	CacheDefaultTTL        time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"24h"`
	CacheCleanupInterval   time.Duration `env:"CACHE_CLEANUP_INTERVAL" envDefault:"5m"`
	CacheScheduleInterval  time.Duration `env:"CACHE_SCHEDULE_INTERVAL" envDefault:"60s"`
	CacheInvalidationDepth int           `env:"CACHE_INVALIDATION_DEPTH" envDefault:"16"`

	// Default quota limits, used when no per-user config is stored.
	QuotaMonthlyRequests int     `env:"QUOTA_MONTHLY_REQUESTS" envDefault:"10000"`
	QuotaMonthlyTokens   int     `env:"QUOTA_MONTHLY_TOKENS" envDefault:"2000000"`
	QuotaMonthlyCost     float64 `env:"QUOTA_MONTHLY_COST" envDefault:"100"`
	QuotaDailyRequests   int     `env:"QUOTA_DAILY_REQUESTS" envDefault:"1000"`
	QuotaDailyTokens     int     `env:"QUOTA_DAILY_TOKENS" envDefault:"200000"`
	QuotaDailyCost       float64 `env:"QUOTA_DAILY_COST" envDefault:"10"`
	QuotaSessionRequests int     `env:"QUOTA_SESSION_REQUESTS" envDefault:"200"`
	QuotaSessionTokens   int     `env:"QUOTA_SESSION_TOKENS" envDefault:"50000"`
	QuotaSessionCost     float64 `env:"QUOTA_SESSION_COST" envDefault:"5"`

	// Default rate limits, used when no per-user config is stored.
	RateRequestsPerMinute int           `env:"RATE_REQUESTS_PER_MINUTE" envDefault:"20"`
	RateRequestsPerHour   int           `env:"RATE_REQUESTS_PER_HOUR" envDefault:"300"`
	RateTokensPerMinute   int           `env:"RATE_TOKENS_PER_MINUTE" envDefault:"20000"`
	RateTokensPerHour     int           `env:"RATE_TOKENS_PER_HOUR" envDefault:"300000"`
	RateCostPerMinute     float64       `env:"RATE_COST_PER_MINUTE" envDefault:"1"`
	RateCostPerHour       float64       `env:"RATE_COST_PER_HOUR" envDefault:"10"`
	RateBurstLimit        int           `env:"RATE_BURST_LIMIT" envDefault:"5"`
	RateBurstWindow       time.Duration `env:"RATE_BURST_WINDOW" envDefault:"10s"`

	// Event fan-out (optional). Empty brokers disable the Kafka sink.
	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaEventTopic string   `env:"KAFKA_EVENT_TOPIC" envDefault:"ai-events"`

	// Observability.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-orchestrator"`

	// HTTP surface.
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	HTTPRateLimitPerMin   int           `env:"HTTP_RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Admin endpoints (cache/quota administration). Enabled only when both
	// are set; the password is an Argon2id hash.
	AdminUsername     string `env:"ADMIN_USERNAME"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	// AI Backoff Configuration
	AIBackoffMaxElapsedTime  time.Duration `env:"AI_BACKOFF_MAX_ELAPSED_TIME" envDefault:"90s"`
	AIBackoffInitialInterval time.Duration `env:"AI_BACKOFF_INITIAL_INTERVAL" envDefault:"1s"`
	AIBackoffMaxInterval     time.Duration `env:"AI_BACKOFF_MAX_INTERVAL" envDefault:"20s"`
	AIBackoffMultiplier      float64       `env:"AI_BACKOFF_MULTIPLIER" envDefault:"2.0"`

	// Telemetry collector flush interval.
	TelemetryCollectInterval time.Duration `env:"TELEMETRY_COLLECT_INTERVAL" envDefault:"60s"`
}

// AdminEnabled returns true if admin endpoints should be mounted.
func (c Config) AdminEnabled() bool {
	return c.AdminUsername != "" && c.AdminPasswordHash != ""
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetAIBackoffConfig returns backoff settings appropriate for the current
// environment. Tests use much shorter windows.
func (c Config) GetAIBackoffConfig() (maxElapsedTime, initialInterval, maxInterval time.Duration, multiplier float64) {
	if c.IsTest() {
		return 2 * time.Second, 50 * time.Millisecond, 500 * time.Millisecond, 2.0
	}
	return c.AIBackoffMaxElapsedTime, c.AIBackoffInitialInterval, c.AIBackoffMaxInterval, c.AIBackoffMultiplier
}
