// Package quota enforces long-horizon usage limits (monthly, daily, per
// session) backed by the KV store. Counters are hashes keyed by UTC time
// buckets; enforcement fails open when the store is unreachable.
package quota

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

	// Bucket TTLs outlive their period so late reads still see the data.
	monthTTL   = 35 * 24 * time.Hour
	dayTTL     = 2 * 24 * time.Hour
	sessionTTL = 24 * time.Hour
	configTTL  = 30 * 24 * time.Hour
)

// Service checks and records per-user usage quotas.
type Service struct {
	kv       domain.KeyValueStore
	clock    domain.Clock
	sink     domain.EventSink
	defaults domain.QuotaLimits
}

// New constructs the service with fleet-wide default limits.
func New(kv domain.KeyValueStore, clk domain.Clock, sink domain.EventSink, defaults domain.QuotaLimits) *Service {
	return &Service{kv: kv, clock: clk, sink: sink, defaults: defaults}
}

func monthKey(userID string, now time.Time) string {
	return fmt.Sprintf("ai:quota:%s:month:%s", userID, clock.MonthBucket(now))
}

func dayKey(userID string, now time.Time) string {
	return fmt.Sprintf("ai:quota:%s:day:%s", userID, clock.DayBucket(now))
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("ai:quota:session:%s", sessionID)
}

func configKey(userID string) string {
	return fmt.Sprintf("ai:quota:config:%s", userID)
}

// Limits returns the effective limits for a user: the stored per-user
// override when present, otherwise the defaults.
func (s *Service) Limits(ctx domain.Context, userID string) domain.QuotaLimits {
	raw, ok, err := s.kv.Get(ctx, configKey(userID))
	if err != nil {
		slog.Warn("quota config read failed; using defaults",
			slog.String("user_id", userID), slog.Any("error", err))
		return s.defaults
	}
	if !ok {
		return s.defaults
	}
	var limits domain.QuotaLimits
	if err := json.Unmarshal([]byte(raw), &limits); err != nil {
		slog.Warn("quota config malformed; using defaults",
			slog.String("user_id", userID), slog.Any("error", err))
		return s.defaults
	}
	return limits
}

// SetLimits stores a per-user override. A zero-valued field disables
// that dimension.
func (s *Service) SetLimits(ctx domain.Context, userID string, limits domain.QuotaLimits) error {
	raw, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("encode quota limits: %w", err)
	}
	if err := s.kv.Set(ctx, configKey(userID), string(raw), configTTL); err != nil {
		return fmt.Errorf("store quota limits: %w", err)
	}
	return nil
}

func parseUsage(fields map[string]string) domain.QuotaUsage {
	var u domain.QuotaUsage
	if v, err := strconv.Atoi(fields[fieldRequests]); err == nil {
		u.Requests = v
	}
	if v, err := strconv.Atoi(fields[fieldTokens]); err == nil {
		u.Tokens = v
	}
	if v, err := strconv.ParseFloat(fields[fieldCost], 64); err == nil {
		u.Cost = v
	}
	return u
}

// GetUsage reads the current usage across all three periods. A missing
// session ID yields a zero session bucket.
func (s *Service) GetUsage(ctx domain.Context, userID, sessionID string) (domain.QuotaSnapshot, error) {
	now := s.clock.Now()
	var snap domain.QuotaSnapshot

	monthly, err := s.kv.HGetAll(ctx, monthKey(userID, now))
	if err != nil {
		return snap, fmt.Errorf("read monthly quota: %w", err)
	}
	daily, err := s.kv.HGetAll(ctx, dayKey(userID, now))
	if err != nil {
		return snap, fmt.Errorf("read daily quota: %w", err)
	}
	snap.Monthly = parseUsage(monthly)
	snap.Daily = parseUsage(daily)
	if sessionID != "" {
		session, err := s.kv.HGetAll(ctx, sessionKey(sessionID))
		if err != nil {
			return snap, fmt.Errorf("read session quota: %w", err)
		}
		snap.Session = parseUsage(session)
	}
	return snap, nil
}

type check struct {
	period    string
	dimension string
	current   float64
	projected float64
	limit     float64
}

// Enforce rejects the request when the projected usage (current plus the
// request's estimate) would exceed any enabled limit. KV failures allow
// the request through.
func (s *Service) Enforce(ctx domain.Context, userID, sessionID string, estTokens int, estCost float64) error {
	if userID == "" {
		return nil
	}
	limits := s.Limits(ctx, userID)
	snap, err := s.GetUsage(ctx, userID, sessionID)
	if err != nil {
		slog.Warn("quota read failed; allowing request",
			slog.String("user_id", userID), slog.Any("error", err))
		return nil
	}

	checks := []check{
		{"monthly", fieldRequests, float64(snap.Monthly.Requests), float64(snap.Monthly.Requests + 1), float64(limits.MonthlyRequests)},
		{"monthly", fieldTokens, float64(snap.Monthly.Tokens), float64(snap.Monthly.Tokens + estTokens), float64(limits.MonthlyTokens)},
		{"monthly", fieldCost, snap.Monthly.Cost, snap.Monthly.Cost + estCost, limits.MonthlyCost},
		{"daily", fieldRequests, float64(snap.Daily.Requests), float64(snap.Daily.Requests + 1), float64(limits.DailyRequests)},
		{"daily", fieldTokens, float64(snap.Daily.Tokens), float64(snap.Daily.Tokens + estTokens), float64(limits.DailyTokens)},
		{"daily", fieldCost, snap.Daily.Cost, snap.Daily.Cost + estCost, limits.DailyCost},
	}
	if sessionID != "" {
		checks = append(checks,
			check{"session", fieldRequests, float64(snap.Session.Requests), float64(snap.Session.Requests + 1), float64(limits.SessionRequests)},
			check{"session", fieldTokens, float64(snap.Session.Tokens), float64(snap.Session.Tokens + estTokens), float64(limits.SessionTokens)},
			check{"session", fieldCost, snap.Session.Cost, snap.Session.Cost + estCost, limits.SessionCost},
		)
	}

	for _, c := range checks {
		if c.limit <= 0 || c.projected <= c.limit {
			continue
		}
		observability.QuotaDenialsTotal.WithLabelValues(c.period, c.dimension).Inc()
		slog.Info("quota exceeded",
			slog.String("user_id", userID),
			slog.String("period", c.period),
			slog.String("dimension", c.dimension),
			slog.Float64("current", c.current),
			slog.Float64("limit", c.limit))
		if s.sink != nil {
			fields := map[string]any{
				"user_id":    userID,
				"period":     c.period,
				"quota_type": c.dimension,
				"usage":      c.current,
				"limit":      c.limit,
			}
			if sessionID != "" {
				fields["session_id"] = sessionID
			}
			s.sink.Emit(domain.Event{
				Name:   domain.EventQuotaExceeded,
				At:     s.clock.Now(),
				Fields: fields,
			})
		}
		return fmt.Errorf("%s %s quota (%.6g of %.6g): %w", c.period, c.dimension, c.current, c.limit, domain.ErrQuotaExceeded)
	}
	return nil
}

// Record adds one completed request's usage to every bucket in a single
// pipeline. TTLs are set only when the key has none yet, so a bucket
// expires relative to its first write.
func (s *Service) Record(ctx domain.Context, userID, sessionID string, tokens int, cost float64) error {
	if userID == "" {
		return nil
	}
	now := s.clock.Now()
	mk, dk := monthKey(userID, now), dayKey(userID, now)

	err := s.kv.Pipeline(ctx, func(p domain.Pipeliner) {
		for _, key := range []string{mk, dk} {
			p.HIncrBy(key, fieldRequests, 1)
			p.HIncrBy(key, fieldTokens, int64(tokens))
			p.HIncrByFloat(key, fieldCost, cost)
		}
		p.ExpireNX(mk, monthTTL)
		p.ExpireNX(dk, dayTTL)
		if sessionID != "" {
			sk := sessionKey(sessionID)
			p.HIncrBy(sk, fieldRequests, 1)
			p.HIncrBy(sk, fieldTokens, int64(tokens))
			p.HIncrByFloat(sk, fieldCost, cost)
			p.ExpireNX(sk, sessionTTL)
		}
	})
	if err != nil {
		return fmt.Errorf("record quota usage: %w", err)
	}
	return nil
}

// ResetUsage deletes every per-user quota bucket, current and expired
// alike. Session buckets are keyed by session alone and are left to
// their TTL. Admin-only.
func (s *Service) ResetUsage(ctx domain.Context, userID string) error {
	keys, err := s.kv.Keys(ctx, fmt.Sprintf("ai:quota:%s:*", userID))
	if err != nil {
		return fmt.Errorf("list quota keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("delete quota keys: %w", err)
	}
	slog.Info("quota usage reset", slog.String("user_id", userID), slog.Int("keys", len(keys)))
	return nil
}
