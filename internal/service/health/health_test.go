package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

type stubProvider struct {
	name   string
	mu     sync.Mutex
	health domain.ProviderHealth
	probes atomic.Int64
	delay  time.Duration
}

func (s *stubProvider) Initialize(ctx context.Context) error { return nil }
func (s *stubProvider) Generate(ctx context.Context, prompt string, opts domain.GenerateOptions) (*domain.Response, error) {
	return nil, nil
}
func (s *stubProvider) HealthCheck(ctx context.Context) domain.ProviderHealth {
	s.probes.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return domain.ProviderHealth{Provider: s.name, Status: domain.HealthUnhealthy, FailureReason: ctx.Err().Error()}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health
	h.Provider = s.name
	return h
}
func (s *stubProvider) ModelConfig(string) (domain.ModelConfig, bool) { return domain.ModelConfig{}, false }
func (s *stubProvider) Name() string                                 { return s.name }
func (s *stubProvider) DefaultModel() string                         { return "stub-model" }
func (s *stubProvider) Config() domain.ProviderConfig                { return domain.ProviderConfig{Name: s.name} }

func (s *stubProvider) setStatus(st domain.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.Status = st
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

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func TestMonitor_InitialStateIsUnhealthy(t *testing.T) {
	p := &stubProvider{name: "openai", health: domain.ProviderHealth{Status: domain.HealthHealthy}}
	m := NewMonitor([]domain.ProviderClient{p}, time.Hour, time.Second, systemClock{}, nil)

	h, ok := m.Health("openai")
	if !ok {
		t.Fatalf("expected entry before first probe")
	}
	if h.Status != domain.HealthUnhealthy {
		t.Fatalf("status = %s, want unhealthy before first probe", h.Status)
	}
	if m.Available("openai") {
		t.Fatalf("provider available before first probe")
	}
}

func TestMonitor_ForceProbeUpdatesSnapshot(t *testing.T) {
	healthy := &stubProvider{name: "openai", health: domain.ProviderHealth{Status: domain.HealthHealthy}}
	degraded := &stubProvider{name: "anthropic", health: domain.ProviderHealth{Status: domain.HealthDegraded}}
	down := &stubProvider{name: "google", health: domain.ProviderHealth{Status: domain.HealthUnhealthy}}
	m := NewMonitor([]domain.ProviderClient{healthy, degraded, down}, time.Hour, time.Second, systemClock{}, nil)

	m.ForceProbe(context.Background())

	snap := m.Snapshot()
	if snap["openai"].Status != domain.HealthHealthy {
		t.Fatalf("openai = %s", snap["openai"].Status)
	}
	if snap["anthropic"].Status != domain.HealthDegraded {
		t.Fatalf("anthropic = %s", snap["anthropic"].Status)
	}
	if snap["google"].Status != domain.HealthUnhealthy {
		t.Fatalf("google = %s", snap["google"].Status)
	}
	if !m.Available("openai") || !m.Available("anthropic") {
		t.Fatalf("healthy and degraded providers must both be available")
	}
	if m.Available("google") {
		t.Fatalf("unhealthy provider reported available")
	}
}

func TestMonitor_EmitsEventOnlyOnStatusChange(t *testing.T) {
	p := &stubProvider{name: "openai", health: domain.ProviderHealth{Status: domain.HealthHealthy}}
	sink := &recordingSink{}
	m := NewMonitor([]domain.ProviderClient{p}, time.Hour, time.Second, systemClock{}, sink)

	ctx := context.Background()
	m.ForceProbe(ctx) // unhealthy -> healthy
	m.ForceProbe(ctx) // healthy -> healthy, no event
	if got := sink.count(); got != 1 {
		t.Fatalf("events after steady probes = %d, want 1", got)
	}

	p.setStatus(domain.HealthUnhealthy)
	m.ForceProbe(ctx)
	if got := sink.count(); got != 2 {
		t.Fatalf("events after status flip = %d, want 2", got)
	}
}

func TestMonitor_ProbesRunInParallelUnderDeadline(t *testing.T) {
	slowA := &stubProvider{name: "a", delay: 100 * time.Millisecond, health: domain.ProviderHealth{Status: domain.HealthHealthy}}
	slowB := &stubProvider{name: "b", delay: 100 * time.Millisecond, health: domain.ProviderHealth{Status: domain.HealthHealthy}}
	slowC := &stubProvider{name: "c", delay: 100 * time.Millisecond, health: domain.ProviderHealth{Status: domain.HealthHealthy}}
	m := NewMonitor([]domain.ProviderClient{slowA, slowB, slowC}, time.Hour, time.Second, systemClock{}, nil)

	start := time.Now()
	m.ForceProbe(context.Background())
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("probe round took %v; providers are being probed serially", elapsed)
	}
}

func TestMonitor_ProbeTimeoutMarksUnhealthy(t *testing.T) {
	stuck := &stubProvider{name: "openai", delay: time.Second, health: domain.ProviderHealth{Status: domain.HealthHealthy}}
	m := NewMonitor([]domain.ProviderClient{stuck}, time.Hour, 50*time.Millisecond, systemClock{}, nil)

	m.ForceProbe(context.Background())
	h, _ := m.Health("openai")
	if h.Status != domain.HealthUnhealthy {
		t.Fatalf("status = %s, want unhealthy on probe timeout", h.Status)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	p := &stubProvider{name: "openai", health: domain.ProviderHealth{Status: domain.HealthHealthy}}
	m := NewMonitor([]domain.ProviderClient{p}, 20*time.Millisecond, time.Second, systemClock{}, nil)

	m.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for p.probes.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("monitor never ticked; probes = %d", p.probes.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	m.Stop()
	after := p.probes.Load()
	time.Sleep(60 * time.Millisecond)
	if p.probes.Load() != after {
		t.Fatalf("probes continued after Stop")
	}
}
