// Package health runs the background provider health monitor. Probes run
// in parallel on a fixed interval and the latest results are served from
// an atomically replaced snapshot, so readers never wait on a probe.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// Monitor tracks the health of a fixed set of providers.
type Monitor struct {
	providers []domain.ProviderClient
	interval  time.Duration
	timeout   time.Duration
	clock     domain.Clock
	sink      domain.EventSink

	snapshot atomic.Value // map[string]domain.ProviderHealth

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// NewMonitor builds a monitor over the given providers. Every provider
// starts out unknown-unhealthy until the first probe round completes.
func NewMonitor(providers []domain.ProviderClient, interval, timeout time.Duration, clk domain.Clock, sink domain.EventSink) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Monitor{
		providers: providers,
		interval:  interval,
		timeout:   timeout,
		clock:     clk,
		sink:      sink,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	initial := make(map[string]domain.ProviderHealth, len(providers))
	for _, p := range providers {
		initial[p.Name()] = domain.ProviderHealth{
			Provider:      p.Name(),
			Status:        domain.HealthUnhealthy,
			LastChecked:   clk.Now(),
			FailureReason: "not yet probed",
		}
	}
	m.snapshot.Store(initial)
	return m
}

// Start probes immediately, then on every tick until Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go func() {
			defer close(m.done)
			m.probeAll(ctx)
			ticker := time.NewTicker(m.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.probeAll(ctx)
				case <-m.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	results := make([]domain.ProviderHealth, len(m.providers))
	var wg sync.WaitGroup
	for i, p := range m.providers {
		wg.Add(1)
		go func(i int, p domain.ProviderClient) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			results[i] = p.HealthCheck(probeCtx)
		}(i, p)
	}
	wg.Wait()

	prev := m.Snapshot()
	next := make(map[string]domain.ProviderHealth, len(results))
	for _, h := range results {
		next[h.Provider] = h
		observability.ObserveProviderHealth(h.Provider, string(h.Status))
		if old, ok := prev[h.Provider]; !ok || old.Status != h.Status {
			slog.Info("provider health changed",
				slog.String("provider", h.Provider),
				slog.String("status", string(h.Status)),
				slog.Int64("latency_ms", h.LatencyMs),
				slog.String("reason", h.FailureReason))
			if m.sink != nil {
				m.sink.Emit(domain.Event{
					Name: domain.EventProviderHealth,
					At:   m.clock.Now(),
					Fields: map[string]any{
						"provider":   h.Provider,
						"status":     string(h.Status),
						"latency_ms": h.LatencyMs,
						"reason":     h.FailureReason,
					},
				})
			}
		}
	}
	m.snapshot.Store(next)
}

// Snapshot returns the latest probe results keyed by provider name. The
// returned map must not be mutated.
func (m *Monitor) Snapshot() map[string]domain.ProviderHealth {
	return m.snapshot.Load().(map[string]domain.ProviderHealth)
}

// Health returns the latest result for one provider.
func (m *Monitor) Health(provider string) (domain.ProviderHealth, bool) {
	h, ok := m.Snapshot()[provider]
	return h, ok
}

// Available reports whether the provider can currently take traffic
// (healthy or degraded).
func (m *Monitor) Available(provider string) bool {
	h, ok := m.Health(provider)
	return ok && h.Available()
}

// ForceProbe runs one probe round synchronously. Used by the readiness
// endpoint and tests.
func (m *Monitor) ForceProbe(ctx context.Context) {
	m.probeAll(ctx)
}
