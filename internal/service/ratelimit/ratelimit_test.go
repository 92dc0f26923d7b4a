package ratelimit

import (
	"context"
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

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func defaultLimits() domain.RateLimits {
	return domain.RateLimits{
		RequestsPerMinute: 5,
		RequestsPerHour:   50,
		TokensPerMinute:   5000,
		TokensPerHour:     50000,
		CostPerMinute:     0.5,
		CostPerHour:       5,
		BurstLimit:        3,
		BurstWindow:       10 * time.Second,
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

// record spaces writes out so the burst window never fills.
func record(t *testing.T, svc *Service, clk *fakeClock, userID string, n, tokens int, cost float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := svc.RecordRequest(ctx, userID, tokens, cost); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		clk.Advance(6 * time.Second)
	}
}

func TestCheck_AllowsUnderAllLimits(t *testing.T) {
	svc, _, clk, _ := newTestService(t)
	record(t, svc, clk, "u1", 2, 100, 0.01)

	d := svc.Check(context.Background(), "u1", 100, 0.01)
	if !d.CanMakeRequest || len(d.Violations) != 0 {
		t.Fatalf("decision = %+v", d)
	}
}

func TestCheck_RequestsPerMinute(t *testing.T) {
	svc, _, _, sink := newTestService(t)
	ctx := context.Background()

	// Exhaust the 5-per-minute budget.
	for i := 0; i < 5; i++ {
		if err := svc.RecordRequest(ctx, "u1", 10, 0.001); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	d := svc.Check(ctx, "u1", 10, 0.001)
	if d.CanMakeRequest {
		t.Fatalf("expected denial, got %+v", d)
	}
	var found bool
	for _, v := range d.Violations {
		if v.Type == "requests" && v.Period == "minute" {
			found = true
			if v.Limit != 5 || v.Current != 5 {
				t.Fatalf("violation = %+v", v)
			}
		}
	}
	if !found {
		t.Fatalf("missing requests/minute violation: %+v", d.Violations)
	}
	if sink.count() == 0 {
		t.Fatalf("expected rate-limit.exceeded event")
	}
}

func TestCheck_ReportsAllViolationsAtOnce(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	// Blow requests, tokens, cost and burst in one tight loop.
	for i := 0; i < 5; i++ {
		if err := svc.RecordRequest(ctx, "u1", 1200, 0.2); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	d := svc.Check(ctx, "u1", 1000, 0.2)
	if d.CanMakeRequest {
		t.Fatalf("expected denial")
	}
	types := map[string]bool{}
	for _, v := range d.Violations {
		types[v.Type+"/"+v.Period] = true
	}
	for _, want := range []string{"requests/minute", "tokens/minute", "cost/minute", "burst/window"} {
		if !types[want] {
			t.Fatalf("missing violation %s; got %+v", want, d.Violations)
		}
	}
}

func TestCheck_EmitsOneEventPerViolation(t *testing.T) {
	svc, _, _, sink := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := svc.RecordRequest(ctx, "u1", 1200, 0.2); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	d := svc.Check(ctx, "u1", 1000, 0.2)
	if d.CanMakeRequest {
		t.Fatalf("expected denial")
	}
	if sink.count() != len(d.Violations) {
		t.Fatalf("events = %d, violations = %d", sink.count(), len(d.Violations))
	}
}

func TestRecordRequest_BurstCountsEachCallAtSameInstant(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	// The fake clock never advances: all three writes share a timestamp
	// and must still count as three distinct burst entries.
	for i := 0; i < 3; i++ {
		if err := svc.RecordRequest(ctx, "u1", 10, 0.001); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	d := svc.Check(ctx, "u1", 10, 0.001)
	var burst *domain.RateViolation
	for i := range d.Violations {
		if d.Violations[i].Type == "burst" {
			burst = &d.Violations[i]
		}
	}
	if burst == nil {
		t.Fatalf("missing burst violation: %+v", d.Violations)
	}
	if burst.Current != 3 || burst.Limit != 3 {
		t.Fatalf("burst violation = %+v, want current 3 of limit 3", burst)
	}
}

func TestBurst_WindowSlides(t *testing.T) {
	svc, _, clk, _ := newTestService(t)
	ctx := context.Background()

	// 3 rapid requests fill the burst window (limit 3).
	for i := 0; i < 3; i++ {
		if err := svc.RecordRequest(ctx, "u1", 10, 0.001); err != nil {
			t.Fatalf("record: %v", err)
		}
		clk.Advance(time.Second)
	}
	d := svc.Check(ctx, "u1", 10, 0.001)
	var burst bool
	for _, v := range d.Violations {
		if v.Type == "burst" {
			burst = true
		}
	}
	if !burst {
		t.Fatalf("expected burst violation, got %+v", d.Violations)
	}

	// After the window slides past the first entries the burst clears,
	// though the per-minute counters may still apply.
	clk.Advance(11 * time.Second)
	d = svc.Check(ctx, "u1", 10, 0.001)
	for _, v := range d.Violations {
		if v.Type == "burst" {
			t.Fatalf("burst violation after window slid: %+v", v)
		}
	}
}

func TestCounters_RollOverByBucket(t *testing.T) {
	svc, _, clk, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := svc.RecordRequest(ctx, "u1", 10, 0.001); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if d := svc.Check(ctx, "u1", 10, 0.001); d.CanMakeRequest {
		t.Fatalf("expected denial in the hot minute")
	}

	clk.Advance(time.Minute)
	d := svc.Check(ctx, "u1", 10, 0.001)
	if !d.CanMakeRequest {
		t.Fatalf("expected allow after minute rollover, got %+v", d.Violations)
	}
}

func TestRecord_SetsTTLs(t *testing.T) {
	svc, mr, clk, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.RecordRequest(ctx, "u1", 10, 0.001); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := mr.TTL(minuteKey("u1", clk.Now())); got <= 0 || got > minuteTTL {
		t.Fatalf("minute TTL = %v", got)
	}
	if got := mr.TTL(hourKey("u1", clk.Now())); got <= 0 || got > hourTTL {
		t.Fatalf("hour TTL = %v", got)
	}
	if got := mr.TTL(burstKey("u1")); got <= 0 || got > burstTTL {
		t.Fatalf("burst TTL = %v", got)
	}
}

func TestCheck_FailsOpenWhenStoreDown(t *testing.T) {
	svc, mr, _, _ := newTestService(t)
	mr.Close()
	d := svc.Check(context.Background(), "u1", 10, 0.001)
	if !d.CanMakeRequest {
		t.Fatalf("expected fail-open, got %+v", d)
	}
}

func TestPerUserOverride(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SetLimits(ctx, "vip", domain.RateLimits{RequestsPerMinute: 100, BurstLimit: 50}); err != nil {
		t.Fatalf("set limits: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := svc.RecordRequest(ctx, "vip", 10, 0.001); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if d := svc.Check(ctx, "vip", 10, 0.001); !d.CanMakeRequest {
		t.Fatalf("override not applied: %+v", d.Violations)
	}
}

func TestReset(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := svc.RecordRequest(ctx, "u1", 10, 0.001); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := svc.Reset(ctx, "u1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if d := svc.Check(ctx, "u1", 10, 0.001); !d.CanMakeRequest {
		t.Fatalf("expected allow after reset, got %+v", d.Violations)
	}
}
