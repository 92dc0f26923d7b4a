package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/kv"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) last() (domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return domain.Event{}, false
	}
	return s.events[len(s.events)-1], true
}

func defaultLimits() domain.QuotaLimits {
	return domain.QuotaLimits{
		MonthlyRequests: 100, MonthlyTokens: 100000, MonthlyCost: 50,
		DailyRequests: 10, DailyTokens: 10000, DailyCost: 5,
		SessionRequests: 5, SessionTokens: 5000, SessionCost: 2,
	}
}

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis, *fakeClock, *recordingSink) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := newFakeClock()
	sink := &recordingSink{}
	return New(kv.New(client, time.Second), clk, sink, defaultLimits()), mr, clk, sink
}

func TestRecordAndGetUsage(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Record(ctx, "u1", "s1", 1200, 0.03); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := svc.Record(ctx, "u1", "s1", 800, 0.02); err != nil {
		t.Fatalf("record: %v", err)
	}

	snap, err := svc.GetUsage(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	for name, u := range map[string]domain.QuotaUsage{"monthly": snap.Monthly, "daily": snap.Daily, "session": snap.Session} {
		if u.Requests != 2 || u.Tokens != 2000 {
			t.Fatalf("%s usage = %+v", name, u)
		}
		if u.Cost < 0.049 || u.Cost > 0.051 {
			t.Fatalf("%s cost = %v", name, u.Cost)
		}
	}
}

func TestEnforce_DeniesOnProjectedOverage(t *testing.T) {
	svc, _, _, sink := newTestService(t)
	ctx := context.Background()

	// 9 of 10 daily requests used; the 10th fits, the 11th does not.
	for i := 0; i < 9; i++ {
		if err := svc.Record(ctx, "u1", "", 10, 0.001); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := svc.Enforce(ctx, "u1", "", 10, 0.001); err != nil {
		t.Fatalf("request within limits denied: %v", err)
	}
	if err := svc.Record(ctx, "u1", "", 10, 0.001); err != nil {
		t.Fatalf("record: %v", err)
	}

	err := svc.Enforce(ctx, "u1", "", 10, 0.001)
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	e, ok := sink.last()
	if !ok || e.Name != domain.EventQuotaExceeded {
		t.Fatalf("expected quota.exceeded event, got %+v", e)
	}
	if e.Fields["period"] != "daily" || e.Fields["quota_type"] != "requests" {
		t.Fatalf("event fields = %+v", e.Fields)
	}
	if e.Fields["usage"] != float64(10) || e.Fields["limit"] != float64(10) {
		t.Fatalf("event usage/limit = %v/%v", e.Fields["usage"], e.Fields["limit"])
	}
	if _, ok := e.Fields["session_id"]; ok {
		t.Fatalf("session_id reported without a session: %+v", e.Fields)
	}
}

func TestEnforce_TokenEstimateCountsTowardProjection(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Record(ctx, "u1", "", 9500, 0.01); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Daily token limit is 10000: a 400-token request fits, 600 does not.
	if err := svc.Enforce(ctx, "u1", "", 400, 0.001); err != nil {
		t.Fatalf("fitting request denied: %v", err)
	}
	if err := svc.Enforce(ctx, "u1", "", 600, 0.001); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestEnforce_SessionLimitIndependentOfDaily(t *testing.T) {
	svc, _, _, sink := newTestService(t)
	ctx := context.Background()

	// Session limit is 5 requests; daily limit (10) is not yet reached.
	for i := 0; i < 5; i++ {
		if err := svc.Record(ctx, "u1", "s1", 10, 0.001); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := svc.Enforce(ctx, "u1", "s1", 10, 0.001); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded on session limit", err)
	}
	if e, ok := sink.last(); !ok || e.Fields["session_id"] != "s1" || e.Fields["period"] != "session" {
		t.Fatalf("event fields = %+v", e.Fields)
	}
	// A fresh session for the same user passes.
	if err := svc.Enforce(ctx, "u1", "s2", 10, 0.001); err != nil {
		t.Fatalf("fresh session denied: %v", err)
	}
}

func TestRecord_SetsTTLOnFirstWriteOnly(t *testing.T) {
	svc, mr, clk, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Record(ctx, "u1", "s1", 100, 0.01); err != nil {
		t.Fatalf("record: %v", err)
	}
	dk := dayKey("u1", clk.Now())
	firstTTL := mr.TTL(dk)
	if firstTTL <= 0 || firstTTL > dayTTL {
		t.Fatalf("day TTL = %v", firstTTL)
	}
	if got := mr.TTL(monthKey("u1", clk.Now())); got <= 0 || got > monthTTL {
		t.Fatalf("month TTL = %v", got)
	}
	if got := mr.TTL(sessionKey("s1")); got <= 0 || got > sessionTTL {
		t.Fatalf("session TTL = %v", got)
	}

	// A later write must not push the expiry out.
	mr.FastForward(time.Hour)
	if err := svc.Record(ctx, "u1", "s1", 100, 0.01); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := mr.TTL(dk); got > firstTTL-time.Hour {
		t.Fatalf("TTL refreshed on second write: %v", got)
	}
}

func TestBuckets_RollOverWithClock(t *testing.T) {
	svc, _, clk, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Record(ctx, "u1", "", 100, 0.01); err != nil {
		t.Fatalf("record: %v", err)
	}
	clk.Advance(24 * time.Hour)
	snap, err := svc.GetUsage(ctx, "u1", "")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if snap.Daily.Requests != 0 {
		t.Fatalf("daily usage after rollover = %+v", snap.Daily)
	}
	if snap.Monthly.Requests != 1 {
		t.Fatalf("monthly usage after day rollover = %+v", snap.Monthly)
	}
}

func TestEnforce_FailsOpenWhenStoreDown(t *testing.T) {
	svc, mr, _, _ := newTestService(t)
	mr.Close()
	if err := svc.Enforce(context.Background(), "u1", "s1", 100, 0.01); err != nil {
		t.Fatalf("expected fail-open, got %v", err)
	}
}

func TestPerUserLimitsOverrideDefaults(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	tight := domain.QuotaLimits{DailyRequests: 1}
	if err := svc.SetLimits(ctx, "vip", tight); err != nil {
		t.Fatalf("set limits: %v", err)
	}
	if got := svc.Limits(ctx, "vip"); got != tight {
		t.Fatalf("limits = %+v, want %+v", got, tight)
	}
	// Zero-valued dimensions in the override are disabled: a huge token
	// estimate passes because only DailyRequests is set.
	if err := svc.Enforce(ctx, "vip", "", 9999999, 0.001); err != nil {
		t.Fatalf("disabled dimension enforced: %v", err)
	}
	if err := svc.Record(ctx, "vip", "", 10, 0.001); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := svc.Enforce(ctx, "vip", "", 10, 0.001); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded under override", err)
	}
	// Other users keep the defaults.
	if err := svc.Enforce(ctx, "other", "", 10, 0.001); err != nil {
		t.Fatalf("other user affected by override: %v", err)
	}
}

func TestResetUsage(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Record(ctx, "u1", "s1", 100, 0.01); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := svc.ResetUsage(ctx, "u1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap, err := svc.GetUsage(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if snap.Monthly.Requests != 0 || snap.Daily.Requests != 0 {
		t.Fatalf("usage after reset = %+v", snap)
	}
	// Session buckets are keyed by session alone and survive a user reset.
	if snap.Session.Requests != 1 {
		t.Fatalf("session usage after reset = %+v", snap.Session)
	}
}
