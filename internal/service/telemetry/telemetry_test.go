package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

func TestIncrementalLatencyMean(t *testing.T) {
	s := New()
	s.RecordSuccess("openai", 100)
	s.RecordSuccess("openai", 200)
	s.RecordSuccess("openai", 300)

	snap := s.Snapshot()
	p := snap.Providers["openai"]
	if p.AverageLatencyMs != 200 {
		t.Fatalf("provider avg = %v, want 200", p.AverageLatencyMs)
	}
	if snap.AverageLatencyMs != 200 {
		t.Fatalf("overall avg = %v, want 200", snap.AverageLatencyMs)
	}
	if p.Requests != 3 || p.Successes != 3 {
		t.Fatalf("provider stats = %+v", p)
	}
}

func TestFailuresDoNotSkewLatency(t *testing.T) {
	s := New()
	s.RecordSuccess("openai", 100)
	s.RecordFailure("openai")
	s.RecordFailure("openai")

	snap := s.Snapshot()
	p := snap.Providers["openai"]
	if p.AverageLatencyMs != 100 {
		t.Fatalf("avg = %v, want 100 (failures carry no latency)", p.AverageLatencyMs)
	}
	if p.Requests != 3 || p.Failures != 2 {
		t.Fatalf("provider stats = %+v", p)
	}
	if snap.TotalRequests != 3 || snap.FailedRequests != 2 || snap.SuccessfulRequests != 1 {
		t.Fatalf("totals = %+v", snap)
	}
}

func TestSampleBufferCapped(t *testing.T) {
	s := New()
	// 1200 samples of 100ms, then the cap's worth of 300ms: only the
	// newest 1000 remain.
	for i := 0; i < 1200; i++ {
		s.RecordSuccess("openai", 100)
	}
	for i := 0; i < sampleCap; i++ {
		s.RecordSuccess("openai", 300)
	}
	snap := s.Snapshot()
	if snap.AverageLatencyMs != 300 {
		t.Fatalf("overall avg = %v, want 300 after buffer rolled", snap.AverageLatencyMs)
	}
}

func TestCacheAndFallbackCounters(t *testing.T) {
	s := New()
	s.RecordCacheHit()
	s.RecordCacheMiss()
	s.RecordFallback()

	snap := s.Snapshot()
	if snap.CacheHits != 1 || snap.CacheMisses != 1 || snap.Fallbacks != 1 {
		t.Fatalf("counters = %+v", snap)
	}
	// A cache hit is still a served request.
	if snap.TotalRequests != 1 || snap.SuccessfulRequests != 1 {
		t.Fatalf("totals = %+v", snap)
	}
}

func TestConsumeDispatchesByEventName(t *testing.T) {
	s := New()
	s.Consume(domain.Event{Name: domain.EventRequestCompleted, Fields: map[string]any{"provider": "openai", "latency_ms": 150}})
	s.Consume(domain.Event{Name: domain.EventRequestFailed, Fields: map[string]any{"provider": "google"}})
	s.Consume(domain.Event{Name: domain.EventRequestCacheHit, Fields: map[string]any{}})
	s.Consume(domain.Event{Name: domain.EventRequestFallback, Fields: map[string]any{}})
	s.Consume(domain.Event{Name: domain.EventQuotaExceeded, Fields: map[string]any{}}) // ignored

	snap := s.Snapshot()
	if snap.Providers["openai"].Successes != 1 {
		t.Fatalf("openai = %+v", snap.Providers["openai"])
	}
	if snap.Providers["google"].Failures != 1 {
		t.Fatalf("google = %+v", snap.Providers["google"])
	}
	if snap.CacheHits != 1 || snap.Fallbacks != 1 {
		t.Fatalf("snap = %+v", snap)
	}
	if snap.Providers["openai"].AverageLatencyMs != 150 {
		t.Fatalf("latency from int field = %v", snap.Providers["openai"].AverageLatencyMs)
	}
}

func TestConsume_CacheMissRidesCompletedEvent(t *testing.T) {
	s := New()
	s.Consume(domain.Event{Name: domain.EventRequestCompleted, Fields: map[string]any{"provider": "openai", "latency_ms": 120.0, "cache_miss": true}})
	s.Consume(domain.Event{Name: domain.EventRequestCompleted, Fields: map[string]any{"provider": "openai", "latency_ms": 80.0, "cache_miss": false}})

	snap := s.Snapshot()
	if snap.CacheMisses != 1 {
		t.Fatalf("cache misses = %d, want 1", snap.CacheMisses)
	}
	if snap.SuccessfulRequests != 2 {
		t.Fatalf("successes = %d, want 2", snap.SuccessfulRequests)
	}
}

func TestStartConsumesFromChannel(t *testing.T) {
	s := New()
	ch := make(chan domain.Event, 8)
	s.Start(context.Background(), ch, time.Hour)
	defer s.Stop()

	ch <- domain.Event{Name: domain.EventRequestCompleted, Fields: map[string]any{"provider": "openai", "latency_ms": 100.0}}
	ch <- domain.Event{Name: domain.EventRequestFailed, Fields: map[string]any{"provider": "openai"}}

	deadline := time.After(2 * time.Second)
	for {
		snap := s.Snapshot()
		if snap.TotalRequests == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("events never consumed: %+v", snap)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConcurrentRecording(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.RecordSuccess("openai", 100)
				s.RecordFailure("anthropic")
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()
	snap := s.Snapshot()
	if snap.TotalRequests != 2000 {
		t.Fatalf("total = %d, want 2000", snap.TotalRequests)
	}
	if snap.Providers["openai"].Successes != 1000 || snap.Providers["anthropic"].Failures != 1000 {
		t.Fatalf("providers = %+v", snap.Providers)
	}
}

func TestReset(t *testing.T) {
	s := New()
	s.RecordSuccess("openai", 100)
	s.RecordCacheHit()
	s.Reset()
	snap := s.Snapshot()
	if snap.TotalRequests != 0 || len(snap.Providers) != 0 || snap.AverageLatencyMs != 0 {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
}
