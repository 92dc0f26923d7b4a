// Package telemetry keeps in-memory request statistics fed by bus
// events. It never sits on the request path: the orchestrator emits and
// moves on, and the consumer here drops nothing it can help.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

const sampleCap = 1000

// ProviderStats aggregates per-provider outcomes. The latency mean is
// incremental: avg += (x - avg) / n.
type ProviderStats struct {
	Requests         int64   `json:"requests"`
	Successes        int64   `json:"successes"`
	Failures         int64   `json:"failures"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// Stats is the full snapshot served by the stats endpoint.
type Stats struct {
	TotalRequests      int64                    `json:"total_requests"`
	SuccessfulRequests int64                    `json:"successful_requests"`
	FailedRequests     int64                    `json:"failed_requests"`
	CacheHits          int64                    `json:"cache_hits"`
	CacheMisses        int64                    `json:"cache_misses"`
	Fallbacks          int64                    `json:"fallbacks"`
	AverageLatencyMs   float64                  `json:"average_latency_ms"`
	Providers          map[string]ProviderStats `json:"providers"`
}

// Service accumulates counters under one RWMutex.
type Service struct {
	mu                 sync.RWMutex
	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	cacheHits          int64
	cacheMisses        int64
	fallbacks          int64
	providers          map[string]*ProviderStats
	samples            []float64 // latency ring, capped at sampleCap

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// New constructs an empty service.
func New() *Service {
	return &Service{
		providers: make(map[string]*ProviderStats),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RecordSuccess counts one completed provider call.
func (s *Service) RecordSuccess(provider string, latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.successfulRequests++
	p := s.provider(provider)
	p.Requests++
	p.Successes++
	p.AverageLatencyMs += (latencyMs - p.AverageLatencyMs) / float64(p.Successes)
	s.addSample(latencyMs)
}

// RecordFailure counts one failed provider call.
func (s *Service) RecordFailure(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.failedRequests++
	p := s.provider(provider)
	p.Requests++
	p.Failures++
}

// RecordCacheHit counts one request served from cache.
func (s *Service) RecordCacheHit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.successfulRequests++
	s.cacheHits++
}

// RecordCacheMiss counts a cache lookup that fell through to a provider.
func (s *Service) RecordCacheMiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheMisses++
}

// RecordFallback counts one retry on an alternate provider.
func (s *Service) RecordFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbacks++
}

// provider must be called with the write lock held.
func (s *Service) provider(name string) *ProviderStats {
	p, ok := s.providers[name]
	if !ok {
		p = &ProviderStats{}
		s.providers[name] = p
	}
	return p
}

// addSample must be called with the write lock held.
func (s *Service) addSample(latencyMs float64) {
	if len(s.samples) >= sampleCap {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, latencyMs)
}

// Snapshot copies the current counters.
func (s *Service) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Stats{
		TotalRequests:      s.totalRequests,
		SuccessfulRequests: s.successfulRequests,
		FailedRequests:     s.failedRequests,
		CacheHits:          s.cacheHits,
		CacheMisses:        s.cacheMisses,
		Fallbacks:          s.fallbacks,
		Providers:          make(map[string]ProviderStats, len(s.providers)),
	}
	for name, p := range s.providers {
		out.Providers[name] = *p
	}
	if len(s.samples) > 0 {
		var sum float64
		for _, x := range s.samples {
			sum += x
		}
		out.AverageLatencyMs = sum / float64(len(s.samples))
	}
	return out
}

// Reset zeroes every counter. Admin-only.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests = 0
	s.successfulRequests = 0
	s.failedRequests = 0
	s.cacheHits = 0
	s.cacheMisses = 0
	s.fallbacks = 0
	s.providers = make(map[string]*ProviderStats)
	s.samples = nil
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int:
		return float64(x)
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// Consume applies one bus event to the counters. Cache misses ride the
// completion event: only requests that actually reached a provider
// count as misses.
func (s *Service) Consume(e domain.Event) {
	switch e.Name {
	case domain.EventRequestCompleted:
		s.RecordSuccess(asString(e.Fields["provider"]), asFloat(e.Fields["latency_ms"]))
		if asBool(e.Fields["cache_miss"]) {
			s.RecordCacheMiss()
		}
	case domain.EventRequestFailed:
		s.RecordFailure(asString(e.Fields["provider"]))
	case domain.EventRequestCacheHit:
		s.RecordCacheHit()
	case domain.EventRequestFallback:
		s.RecordFallback()
	}
}

// Start consumes bus events until the channel closes or Stop is called.
// A periodic tick logs a one-line summary for operators tailing logs.
func (s *Service) Start(ctx context.Context, events <-chan domain.Event, logInterval time.Duration) {
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	s.started = true
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(logInterval)
		defer ticker.Stop()
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				s.Consume(e)
			case <-ticker.C:
				snap := s.Snapshot()
				slog.Debug("telemetry summary",
					slog.Int64("total", snap.TotalRequests),
					slog.Int64("failed", snap.FailedRequests),
					slog.Int64("cache_hits", snap.CacheHits),
					slog.Int64("fallbacks", snap.Fallbacks),
					slog.Float64("avg_latency_ms", snap.AverageLatencyMs))
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the consumer.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started {
		<-s.done
	}
}
