// Package breaker implements named circuit breakers guarding provider
// calls: CLOSED/OPEN/HALF_OPEN with timeout wrapping, fallback support
// and state-change events.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// State is the breaker state machine position.
type State int

const (
	// StateClosed allows requests to pass through.
	StateClosed State = iota
	// StateOpen blocks requests until the reset timeout elapses.
	StateOpen
	// StateHalfOpen probes recovery with a bounded number of trials.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker. Zero fields take the defaults below.
type Config struct {
	FailureThreshold    int
	Timeout             time.Duration
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = 3
	}
	return c
}

// Metrics is a point-in-time snapshot of one breaker.
type Metrics struct {
	State           string    `json:"state"`
	TotalRequests   int64     `json:"total_requests"`
	FailedRequests  int64     `json:"failed_requests"`
	SuccessRate     float64   `json:"success_rate"`
	FailureRate     float64   `json:"failure_rate"`
	LastStateChange time.Time `json:"last_state_change"`
}

// noPenalty is implemented by errors that must not count against the
// breaker (client-side failures).
type noPenalty interface {
	CountsForBreaker() bool
}

// Breaker guards a single circuit. All state is behind one mutex; the
// guarded call itself runs outside the lock.
type Breaker struct {
	id    string
	cfg   Config
	clock domain.Clock
	sink  domain.EventSink

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenAttempts int
	lastFailureTime  time.Time
	nextAttemptTime  time.Time
	lastStateChange  time.Time
	totalRequests    int64
	failedRequests   int64
}

func newBreaker(id string, cfg Config, clk domain.Clock, sink domain.EventSink) *Breaker {
	return &Breaker{
		id:              id,
		cfg:             cfg.withDefaults(),
		clock:           clk,
		sink:            sink,
		state:           StateClosed,
		lastStateChange: clk.Now(),
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(next State, reason string) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.lastStateChange = b.clock.Now()
	observability.CircuitState.WithLabelValues(b.id).Set(float64(next))
	slog.Info("circuit state changed",
		slog.String("circuit", b.id),
		slog.String("prev", prev.String()),
		slog.String("next", next.String()),
		slog.String("reason", reason))
	if b.sink != nil {
		b.sink.Emit(domain.Event{
			Name: domain.EventCircuitStateChanged,
			At:   b.lastStateChange,
			Fields: map[string]any{
				"circuit_id": b.id,
				"prev":       prev.String(),
				"next":       next.String(),
				"reason":     reason,
			},
		})
	}
}

// Execute runs op under the breaker contract. When the circuit is open
// and not yet due for a probe, fallback runs instead (if provided);
// otherwise the call fails with ErrCircuitOpen.
func (b *Breaker) Execute(ctx domain.Context, op func(domain.Context) error, fallback func(domain.Context) error) error {
	b.mu.Lock()
	now := b.clock.Now()
	switch b.state {
	case StateOpen:
		if now.Before(b.nextAttemptTime) {
			b.mu.Unlock()
			if fallback != nil {
				return fallback(ctx)
			}
			return fmt.Errorf("circuit %s: %w", b.id, domain.ErrCircuitOpen)
		}
		b.transition(StateHalfOpen, "reset timeout elapsed")
		b.halfOpenAttempts = 0
	case StateHalfOpen, StateClosed:
	}
	b.totalRequests++
	b.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	err := op(opCtx)
	cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.recordSuccess()
		return nil
	}
	if np, ok := err.(noPenalty); ok && !np.CountsForBreaker() {
		// Client-side failure: surface without poisoning the circuit.
		return err
	}
	if pe, ok := domain.AsProviderError(err); ok && !pe.CountsForBreaker() {
		return err
	}
	b.recordFailure()
	return err
}

// recordSuccess must be called with the mutex held.
func (b *Breaker) recordSuccess() {
	b.successCount++
	switch b.state {
	case StateHalfOpen:
		b.transition(StateClosed, "successful recovery probe")
		b.failureCount = 0
		b.halfOpenAttempts = 0
	case StateClosed:
		b.failureCount = 0
	}
}

// recordFailure must be called with the mutex held.
func (b *Breaker) recordFailure() {
	now := b.clock.Now()
	b.failedRequests++
	b.failureCount++
	b.lastFailureTime = now

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.nextAttemptTime = now.Add(b.cfg.ResetTimeout)
			b.transition(StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		b.halfOpenAttempts++
		if b.halfOpenAttempts >= b.cfg.HalfOpenMaxAttempts {
			b.nextAttemptTime = now.Add(b.cfg.ResetTimeout)
			b.transition(StateOpen, "half-open attempts exhausted")
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and zeroes the counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed, "manual reset")
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenAttempts = 0
	b.nextAttemptTime = time.Time{}
}

// ForceOpen opens the breaker until the reset timeout elapses.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reason == "" {
		reason = "manual open"
	}
	b.nextAttemptTime = b.clock.Now().Add(b.cfg.ResetTimeout)
	b.transition(StateOpen, reason)
}

// ForceClosed closes the breaker without touching counters.
func (b *Breaker) ForceClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed, "manual close")
	b.failureCount = 0
}

// Metrics returns a snapshot of the breaker counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Metrics{
		State:           b.state.String(),
		TotalRequests:   b.totalRequests,
		FailedRequests:  b.failedRequests,
		LastStateChange: b.lastStateChange,
	}
	if b.totalRequests > 0 {
		m.FailureRate = float64(b.failedRequests) / float64(b.totalRequests)
		m.SuccessRate = 1 - m.FailureRate
	}
	return m
}

// Registry hands out breakers by circuit ID, creating them lazily on
// first use. Breakers live for the process lifetime.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	clock    domain.Clock
	sink     domain.EventSink
}

// NewRegistry constructs a registry with a shared default config.
func NewRegistry(cfg Config, clk domain.Clock, sink domain.EventSink) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg.withDefaults(),
		clock:    clk,
		sink:     sink,
	}
}

// Get returns the breaker for id, creating it on first use.
func (r *Registry) Get(id string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[id]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[id]; ok {
		return b
	}
	b = newBreaker(id, r.cfg, r.clock, r.sink)
	r.breakers[id] = b
	return b
}

// Stats returns metrics for every known breaker.
func (r *Registry) Stats() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Metrics, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Metrics()
	}
	return out
}

// ResetAll force-closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
