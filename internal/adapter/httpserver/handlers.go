package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/breaker"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/health"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/quota"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/ratelimit"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/telemetry"
	"github.com/fairyhunter13/ai-orchestrator/internal/usecase"
	"github.com/fairyhunter13/ai-orchestrator/pkg/promptx"

	cachesvc "github.com/fairyhunter13/ai-orchestrator/internal/service/cache"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Orch       *usecase.Orchestrator
	Health     *health.Monitor
	Breakers   *breaker.Registry
	Cache      *cachesvc.Cache
	Quota      *quota.Service
	Rate       *ratelimit.Service
	Telemetry  *telemetry.Service
	RedisCheck func(ctx context.Context) error
}

var validate = validator.New()

type generateRequest struct {
	Prompt           string   `json:"prompt" validate:"required,max=100000"`
	Model            string   `json:"model" validate:"omitempty,max=100"`
	Temperature      *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens        int      `json:"max_tokens" validate:"omitempty,gte=1,lte=200000"`
	TopP             *float64 `json:"top_p" validate:"omitempty,gte=0,lte=1"`
	FrequencyPenalty *float64 `json:"frequency_penalty" validate:"omitempty,gte=-2,lte=2"`
	PresencePenalty  *float64 `json:"presence_penalty" validate:"omitempty,gte=-2,lte=2"`
	StopSequences    []string `json:"stop_sequences" validate:"omitempty,max=8,dive,max=100"`
	SystemPrompt     string   `json:"system_prompt" validate:"omitempty,max=100000"`

	UserID          string `json:"user_id" validate:"omitempty,max=200"`
	SessionID       string `json:"session_id" validate:"omitempty,max=200"`
	UseCache        bool   `json:"use_cache"`
	RecordQuota     bool   `json:"record_quota"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds" validate:"omitempty,gte=1"`
	Fallback        bool   `json:"fallback"`
}

func (req generateRequest) options(requestID string) domain.GenerateOptions {
	return domain.GenerateOptions{
		Model:            req.Model,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		StopSequences:    req.StopSequences,
		SystemPrompt:     req.SystemPrompt,
		UserID:           req.UserID,
		SessionID:        req.SessionID,
		RequestID:        requestID,
		UseCache:         req.UseCache,
		RecordQuota:      req.RecordQuota,
		CacheTTL:         time.Duration(req.CacheTTLSeconds) * time.Second,
	}
}

// GenerateHandler serves POST /v1/generate.
func (s *Server) GenerateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("decode request: %w", domain.ErrInvalidArgument), err.Error())
			return
		}
		req.Prompt = promptx.Sanitize(req.Prompt)
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("invalid request: %w", domain.ErrInvalidArgument), err.Error())
			return
		}

		opts := req.options(r.Header.Get("X-Request-Id"))
		var (
			resp *domain.Response
			err  error
		)
		if req.Fallback {
			resp, err = s.Orch.GenerateWithFallback(r.Context(), req.Prompt, opts)
		} else {
			resp, err = s.Orch.Generate(r.Context(), req.Prompt, opts)
		}
		if err != nil {
			LoggerFrom(r).Warn("generate failed", "error", err)
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ProvidersHealthHandler serves GET /v1/providers/health.
func (s *Server) ProvidersHealthHandler() http.HandlerFunc {
	type providerHealth struct {
		Provider    string    `json:"provider"`
		Status      string    `json:"status"`
		LatencyMs   int64     `json:"latency_ms"`
		LastChecked time.Time `json:"last_checked"`
		Reason      string    `json:"reason,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		snap := s.Health.Snapshot()
		out := make([]providerHealth, 0, len(snap))
		for _, h := range snap {
			out = append(out, providerHealth{
				Provider:    h.Provider,
				Status:      string(h.Status),
				LatencyMs:   h.LatencyMs,
				LastChecked: h.LastChecked,
				Reason:      h.FailureReason,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": out})
	}
}

// StatsHandler serves GET /v1/stats: telemetry, cache and breaker state.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"requests": s.Telemetry.Snapshot(),
			"cache":    s.Cache.Stats(),
			"breakers": s.Breakers.Stats(),
		})
	}
}

// ReadyzHandler reports readiness: the KV store must answer and at
// least one provider must be able to take traffic.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"ready":  false,
					"reason": "kv store unreachable",
				})
				return
			}
		}
		available := false
		for _, h := range s.Health.Snapshot() {
			if h.Available() {
				available = true
				break
			}
		}
		if !available {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ready":  false,
				"reason": "no available provider",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}
