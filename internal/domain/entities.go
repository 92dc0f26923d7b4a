// Package domain defines the entities, ports and error taxonomy shared by
// the orchestration layer. Adapters depend on this package, never the
// reverse.
package domain

import (
	"context"
	"time"
)

// Context is an alias to context.Context to keep port signatures compact.
type Context = context.Context

// HealthStatus classifies a provider's probe outcome.
type HealthStatus string

const (
	// HealthHealthy means the last probe succeeded within the latency budget.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded means the last probe succeeded but latency exceeded 1s.
	HealthDegraded HealthStatus = "degraded"
	// HealthUnhealthy means the last probe failed.
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ProviderHealth is the point-in-time health record for one provider.
// Replaced atomically by the health monitor; read by selection strategies.
type ProviderHealth struct {
	Provider      string
	Status        HealthStatus
	LatencyMs     int64
	ErrorRate     float64
	LastChecked   time.Time
	FailureReason string
}

// Available reports whether a provider may receive traffic. Degraded
// providers still serve requests; only unhealthy ones are excluded.
func (h ProviderHealth) Available() bool {
	return h.Status == HealthHealthy || h.Status == HealthDegraded
}

// ModelConfig describes one model offered by a provider.
type ModelConfig struct {
	MaxTokens          int     `yaml:"max_tokens"`
	ContextWindow      int     `yaml:"context_window"`
	InputCostPerToken  float64 `yaml:"input_cost_per_token"`
	OutputCostPerToken float64 `yaml:"output_cost_per_token"`
	SupportsStreaming  bool    `yaml:"supports_streaming"`
	SupportsFunctions  bool    `yaml:"supports_functions"`
}

// ProviderConfig is the immutable per-run configuration of one provider.
type ProviderConfig struct {
	Name         string                 `yaml:"name"`
	APIKey       string                 `yaml:"-"`
	BaseURL      string                 `yaml:"base_url"`
	DefaultModel string                 `yaml:"default_model"`
	Timeout      time.Duration          `yaml:"timeout"`
	MaxRetries   int                    `yaml:"max_retries"`
	RetryDelay   time.Duration          `yaml:"retry_delay"`
	Models       map[string]ModelConfig `yaml:"models"`
	// Deployment and APIVersion are Azure-only.
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

// GenerateOptions carries per-request tuning and metadata for Generate.
// Zero values mean "provider default".
type GenerateOptions struct {
	Model            string
	Temperature      *float64
	MaxTokens        int
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	StopSequences    []string
	SystemPrompt     string

	UserID      string
	SessionID   string
	RequestID   string
	UseCache    bool
	RecordQuota bool
	CacheTTL    time.Duration
}

// TokenUsage is the prompt/completion/total token triple for one call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Cost is the dollar cost breakdown for one call.
type Cost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Total  float64 `json:"total"`
}

// Response is the normalized output of a generation call, regardless of
// which provider served it.
type Response struct {
	Content    string            `json:"content"`
	Model      string            `json:"model"`
	Provider   string            `json:"provider"`
	TokensUsed TokenUsage        `json:"tokens_used"`
	Cost       Cost              `json:"cost"`
	Cached     bool              `json:"cached"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// QuotaLimits bounds a user's long-horizon usage. Zero disables a dimension.
type QuotaLimits struct {
	MonthlyRequests int     `json:"monthly_requests"`
	MonthlyTokens   int     `json:"monthly_tokens"`
	MonthlyCost     float64 `json:"monthly_cost"`
	DailyRequests   int     `json:"daily_requests"`
	DailyTokens     int     `json:"daily_tokens"`
	DailyCost       float64 `json:"daily_cost"`
	SessionRequests int     `json:"session_requests"`
	SessionTokens   int     `json:"session_tokens"`
	SessionCost     float64 `json:"session_cost"`
}

// QuotaUsage is the requests/tokens/cost triple stored per bucket.
type QuotaUsage struct {
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// QuotaSnapshot is what Enforce returns: current usage across periods.
type QuotaSnapshot struct {
	Monthly QuotaUsage `json:"monthly"`
	Daily   QuotaUsage `json:"daily"`
	Session QuotaUsage `json:"session"`
}

// RateLimits bounds a user's short-horizon usage. Zero disables a dimension.
type RateLimits struct {
	RequestsPerMinute int     `json:"requests_per_minute"`
	RequestsPerHour   int     `json:"requests_per_hour"`
	TokensPerMinute   int     `json:"tokens_per_minute"`
	TokensPerHour     int     `json:"tokens_per_hour"`
	CostPerMinute     float64 `json:"cost_per_minute"`
	CostPerHour       float64 `json:"cost_per_hour"`
	BurstLimit        int     `json:"burst_limit"`
	BurstWindow       time.Duration
}

// RateViolation describes one exceeded rate dimension.
type RateViolation struct {
	Type    string  `json:"type"`
	Period  string  `json:"period"`
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
}

// RateDecision aggregates all violations found by a rate-limit check.
type RateDecision struct {
	CanMakeRequest bool            `json:"can_make_request"`
	Violations     []RateViolation `json:"violations"`
}
