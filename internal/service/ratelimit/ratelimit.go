// Package ratelimit enforces short-horizon limits: per-minute and
// per-hour counters plus a sliding-window burst detector. Checks report
// every violated dimension at once so callers can surface them together.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/clock"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

const (
	fieldRequests = "requests"
	fieldTokens   = "tokens"
	fieldCost     = "cost"

	minuteTTL = time.Hour
	hourTTL   = 24 * time.Hour
	burstTTL  = 60 * time.Second
	configTTL = 30 * 24 * time.Hour
)

// Service checks and records per-user rate limits.
type Service struct {
	kv       domain.KeyValueStore
	clock    domain.Clock
	sink     domain.EventSink
	defaults domain.RateLimits
}

// New constructs the service with fleet-wide default limits.
func New(kv domain.KeyValueStore, clk domain.Clock, sink domain.EventSink, defaults domain.RateLimits) *Service {
	if defaults.BurstWindow <= 0 {
		defaults.BurstWindow = 10 * time.Second
	}
	return &Service{kv: kv, clock: clk, sink: sink, defaults: defaults}
}

func minuteKey(userID string, now time.Time) string {
	return fmt.Sprintf("ai:ratelimit:%s:minute:%s", userID, clock.MinuteBucket(now))
}

func hourKey(userID string, now time.Time) string {
	return fmt.Sprintf("ai:ratelimit:%s:hour:%s", userID, clock.HourBucket(now))
}

func burstKey(userID string) string {
	return fmt.Sprintf("ai:ratelimit:burst:%s", userID)
}

func configKey(userID string) string {
	return fmt.Sprintf("ai:ratelimit:config:%s", userID)
}

// Limits returns the effective limits for a user.
func (s *Service) Limits(ctx domain.Context, userID string) domain.RateLimits {
	raw, ok, err := s.kv.Get(ctx, configKey(userID))
	if err != nil {
		slog.Warn("rate-limit config read failed; using defaults",
			slog.String("user_id", userID), slog.Any("error", err))
		return s.defaults
	}
	if !ok {
		return s.defaults
	}
	var limits domain.RateLimits
	if err := json.Unmarshal([]byte(raw), &limits); err != nil {
		slog.Warn("rate-limit config malformed; using defaults",
			slog.String("user_id", userID), slog.Any("error", err))
		return s.defaults
	}
	if limits.BurstWindow <= 0 {
		limits.BurstWindow = s.defaults.BurstWindow
	}
	return limits
}

// SetLimits stores a per-user override.
func (s *Service) SetLimits(ctx domain.Context, userID string, limits domain.RateLimits) error {
	raw, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("encode rate limits: %w", err)
	}
	if err := s.kv.Set(ctx, configKey(userID), string(raw), configTTL); err != nil {
		return fmt.Errorf("store rate limits: %w", err)
	}
	return nil
}

func usageOf(fields map[string]string) (requests, tokens int, cost float64) {
	requests, _ = strconv.Atoi(fields[fieldRequests])
	tokens, _ = strconv.Atoi(fields[fieldTokens])
	cost, _ = strconv.ParseFloat(fields[fieldCost], 64)
	return requests, tokens, cost
}

// Check evaluates every enabled dimension against current usage plus the
// request's estimate and returns all violations. KV failures yield an
// allow decision.
func (s *Service) Check(ctx domain.Context, userID string, estTokens int, estCost float64) domain.RateDecision {
	allow := domain.RateDecision{CanMakeRequest: true}
	if userID == "" {
		return allow
	}
	limits := s.Limits(ctx, userID)
	now := s.clock.Now()

	minute, err := s.kv.HGetAll(ctx, minuteKey(userID, now))
	if err != nil {
		slog.Warn("rate-limit read failed; allowing request",
			slog.String("user_id", userID), slog.Any("error", err))
		return allow
	}
	hour, err := s.kv.HGetAll(ctx, hourKey(userID, now))
	if err != nil {
		slog.Warn("rate-limit read failed; allowing request",
			slog.String("user_id", userID), slog.Any("error", err))
		return allow
	}

	minReq, minTok, minCost := usageOf(minute)
	hrReq, hrTok, hrCost := usageOf(hour)

	var violations []domain.RateViolation
	// Denial is on the projected usage; the violation reports what is
	// already consumed.
	add := func(typ, period string, current, projected, limit float64) {
		if limit > 0 && projected > limit {
			violations = append(violations, domain.RateViolation{
				Type: typ, Period: period, Current: current, Limit: limit,
			})
		}
	}
	add(fieldRequests, "minute", float64(minReq), float64(minReq+1), float64(limits.RequestsPerMinute))
	add(fieldTokens, "minute", float64(minTok), float64(minTok+estTokens), float64(limits.TokensPerMinute))
	add(fieldCost, "minute", minCost, minCost+estCost, limits.CostPerMinute)
	add(fieldRequests, "hour", float64(hrReq), float64(hrReq+1), float64(limits.RequestsPerHour))
	add(fieldTokens, "hour", float64(hrTok), float64(hrTok+estTokens), float64(limits.TokensPerHour))
	add(fieldCost, "hour", hrCost, hrCost+estCost, limits.CostPerHour)

	if limits.BurstLimit > 0 {
		windowStart := now.Add(-limits.BurstWindow)
		recent, err := s.kv.ZRangeByScore(ctx, burstKey(userID),
			float64(windowStart.UnixMilli()), float64(now.UnixMilli()))
		if err != nil {
			slog.Warn("burst window read failed; skipping burst check",
				slog.String("user_id", userID), slog.Any("error", err))
		} else {
			add("burst", "window", float64(len(recent)), float64(len(recent)+1), float64(limits.BurstLimit))
		}
	}

	if len(violations) == 0 {
		return allow
	}
	for _, v := range violations {
		observability.RateLimitDenialsTotal.WithLabelValues(v.Type).Inc()
		if s.sink != nil {
			s.sink.Emit(domain.Event{
				Name: domain.EventRateLimitExceeded,
				At:   now,
				Fields: map[string]any{
					"user_id": userID,
					"type":    v.Type,
					"period":  v.Period,
					"current": v.Current,
					"limit":   v.Limit,
				},
			})
		}
	}
	slog.Info("rate limit exceeded",
		slog.String("user_id", userID),
		slog.Int("violations", len(violations)),
		slog.String("first_type", violations[0].Type))
	return domain.RateDecision{CanMakeRequest: false, Violations: violations}
}

// RecordRequest adds one request to the minute and hour counters and the
// burst window, all in one pipeline. Counter TTLs stick to the first
// write; the burst set trims itself and expires when idle.
func (s *Service) RecordRequest(ctx domain.Context, userID string, tokens int, cost float64) error {
	if userID == "" {
		return nil
	}
	now := s.clock.Now()
	mk, hk, bk := minuteKey(userID, now), hourKey(userID, now), burstKey(userID)
	limits := s.Limits(ctx, userID)
	windowStart := now.Add(-limits.BurstWindow)

	err := s.kv.Pipeline(ctx, func(p domain.Pipeliner) {
		for _, key := range []string{mk, hk} {
			p.HIncrBy(key, fieldRequests, 1)
			p.HIncrBy(key, fieldTokens, int64(tokens))
			p.HIncrByFloat(key, fieldCost, cost)
		}
		p.ExpireNX(mk, minuteTTL)
		p.ExpireNX(hk, hourTTL)

		// Members must be unique per request: a bare timestamp collapses
		// same-instant writes into one entry and undercounts the burst.
		p.ZAdd(bk, float64(now.UnixMilli()), fmt.Sprintf("%d:%s", now.UnixNano(), clock.NewRequestID()))
		p.ZRemRangeByScore(bk, 0, float64(windowStart.UnixMilli()-1))
		p.Expire(bk, burstTTL)
	})
	if err != nil {
		return fmt.Errorf("record rate usage: %w", err)
	}
	return nil
}

// Reset clears all rate-limit state for a user. Admin-only.
func (s *Service) Reset(ctx domain.Context, userID string) error {
	keys, err := s.kv.Keys(ctx, fmt.Sprintf("ai:ratelimit:%s:*", userID))
	if err != nil {
		return fmt.Errorf("list rate-limit keys: %w", err)
	}
	keys = append(keys, burstKey(userID))
	if err := s.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("delete rate-limit keys: %w", err)
	}
	return nil
}
