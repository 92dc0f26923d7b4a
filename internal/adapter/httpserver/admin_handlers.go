package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	cachesvc "github.com/fairyhunter13/ai-orchestrator/internal/service/cache"
)

type invalidateRequest struct {
	Key     string `json:"key" validate:"omitempty,max=500"`
	Tag     string `json:"tag" validate:"omitempty,max=200"`
	Pattern string `json:"pattern" validate:"omitempty,max=200"`
	Model   string `json:"model" validate:"omitempty,max=100"`
	Reason  string `json:"reason" validate:"omitempty,max=500"`
}

// AdminCacheInvalidateHandler serves POST /admin/cache/invalidate.
// Exactly one of key, tag, pattern or model selects the target.
func (s *Server) AdminCacheInvalidateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req invalidateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("decode request: %w", domain.ErrInvalidArgument), err.Error())
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("invalid request: %w", domain.ErrInvalidArgument), err.Error())
			return
		}
		reason := req.Reason
		if reason == "" {
			reason = "manual"
		}
		var err error
		var target string
		switch {
		case req.Key != "":
			target = req.Key
			err = s.Cache.Invalidate(r.Context(), req.Key, reason)
		case req.Tag != "":
			target = req.Tag
			err = s.Cache.InvalidateByTag(r.Context(), req.Tag, reason)
		case req.Pattern != "":
			target = req.Pattern
			err = s.Cache.InvalidateByPattern(r.Context(), req.Pattern, reason)
		case req.Model != "":
			target = req.Model
			err = s.Cache.InvalidateByModel(r.Context(), req.Model, reason)
		default:
			writeError(w, r, fmt.Errorf("one of key, tag, pattern or model is required: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invalidated": target})
	}
}

// AdminCacheClearHandler serves POST /admin/cache/clear.
func (s *Server) AdminCacheClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Cache.ClearAll(r.Context(), "admin clear"); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
	}
}

// AdminCacheWarmHandler serves POST /admin/cache/warm.
func (s *Server) AdminCacheWarmHandler() http.HandlerFunc {
	type warmRequest struct {
		Entries     []cachesvc.WarmEntry `json:"entries" validate:"required,min=1,max=1000"`
		Concurrency int                  `json:"concurrency" validate:"omitempty,gte=1,lte=64"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req warmRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("decode request: %w", domain.ErrInvalidArgument), err.Error())
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("invalid request: %w", domain.ErrInvalidArgument), err.Error())
			return
		}
		s.Cache.Warm(r.Context(), req.Entries, req.Concurrency)
		writeJSON(w, http.StatusOK, map[string]any{"warmed": len(req.Entries)})
	}
}

// AdminCacheRulesHandler serves GET /admin/cache/rules.
func (s *Server) AdminCacheRulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := s.Cache.Rules(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
	}
}

// AdminCacheSetRuleHandler serves PUT /admin/cache/rules/{name}.
func (s *Server) AdminCacheSetRuleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var rule cachesvc.Rule
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&rule); err != nil {
			writeError(w, r, fmt.Errorf("decode request: %w", domain.ErrInvalidArgument), err.Error())
			return
		}
		if err := s.Cache.SetRule(r.Context(), name, rule); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rule": name})
	}
}

// AdminCacheScheduleHandler serves POST /admin/cache/schedule.
func (s *Server) AdminCacheScheduleHandler() http.HandlerFunc {
	type scheduleRequest struct {
		Key    string    `json:"key" validate:"required,max=500"`
		At     time.Time `json:"at" validate:"required"`
		Reason string    `json:"reason" validate:"omitempty,max=500"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduleRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("decode request: %w", domain.ErrInvalidArgument), err.Error())
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("invalid request: %w", domain.ErrInvalidArgument), err.Error())
			return
		}
		if err := s.Cache.ScheduleInvalidation(r.Context(), req.Key, req.Reason, req.At); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": req.Key, "at": req.At})
	}
}

// AdminQuotaHandler serves GET /admin/quota/{userID}: limits plus
// current usage for the month, day and the optional session query param.
func (s *Server) AdminQuotaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		usage, err := s.Quota.GetUsage(r.Context(), userID, r.URL.Query().Get("session"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"limits": s.Quota.Limits(r.Context(), userID),
			"usage":  usage,
		})
	}
}

// AdminSetQuotaHandler serves PUT /admin/quota/{userID}/limits.
func (s *Server) AdminSetQuotaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		var limits domain.QuotaLimits
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&limits); err != nil {
			writeError(w, r, fmt.Errorf("decode request: %w", domain.ErrInvalidArgument), err.Error())
			return
		}
		if err := s.Quota.SetLimits(r.Context(), userID, limits); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "limits": limits})
	}
}

// AdminResetQuotaHandler serves DELETE /admin/quota/{userID}.
func (s *Server) AdminResetQuotaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if err := s.Quota.ResetUsage(r.Context(), userID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "reset": true})
	}
}

// AdminRateLimitHandler serves GET /admin/ratelimit/{userID}.
func (s *Server) AdminRateLimitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"limits":  s.Rate.Limits(r.Context(), userID),
		})
	}
}

// AdminSetRateLimitHandler serves PUT /admin/ratelimit/{userID}/limits.
func (s *Server) AdminSetRateLimitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		var limits domain.RateLimits
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&limits); err != nil {
			writeError(w, r, fmt.Errorf("decode request: %w", domain.ErrInvalidArgument), err.Error())
			return
		}
		if err := s.Rate.SetLimits(r.Context(), userID, limits); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "limits": limits})
	}
}

// AdminResetRateLimitHandler serves DELETE /admin/ratelimit/{userID}.
func (s *Server) AdminResetRateLimitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if err := s.Rate.Reset(r.Context(), userID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "reset": true})
	}
}

// AdminBreakersHandler serves GET /admin/breakers.
func (s *Server) AdminBreakersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"breakers": s.Breakers.Stats()})
	}
}

// AdminBreakerActionHandler serves POST /admin/breakers/{id}/{action}
// where action is reset, open or close.
func (s *Server) AdminBreakerActionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		action := chi.URLParam(r, "action")
		b := s.Breakers.Get(id)
		switch action {
		case "reset":
			b.Reset()
		case "open":
			b.ForceOpen("admin override")
		case "close":
			b.ForceClosed()
		default:
			writeError(w, r, fmt.Errorf("unknown breaker action %q: %w", action, domain.ErrInvalidArgument), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"breaker": id, "state": b.State().String()})
	}
}

// AdminProbeHandler serves POST /admin/providers/probe: runs an
// immediate health probe of every provider.
func (s *Server) AdminProbeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Health.ForceProbe(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"probed": true})
	}
}

// AdminTelemetryResetHandler serves POST /admin/telemetry/reset.
func (s *Server) AdminTelemetryResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Telemetry.Reset()
		writeJSON(w, http.StatusOK, map[string]any{"reset": true})
	}
}
