// Package selection picks which provider serves a request. Strategies
// only see providers the health monitor considers available; a pinned
// model bypasses strategy choice entirely in the orchestrator.
package selection

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// HealthSource exposes the latest probe results to strategies.
type HealthSource interface {
	Snapshot() map[string]domain.ProviderHealth
}

// Strategy chooses one provider from the candidate list. Candidates are
// already filtered to available providers and are never empty. The
// model is the request's, empty when the caller left it to the
// provider.
type Strategy interface {
	Name() string
	Select(ctx domain.Context, candidates []domain.ProviderClient, model string) (domain.ProviderClient, error)
}

// Selector applies health filtering in front of a strategy.
type Selector struct {
	strategy Strategy
	health   HealthSource
}

// NewSelector wires a strategy to a health source.
func NewSelector(strategy Strategy, health HealthSource) *Selector {
	return &Selector{strategy: strategy, health: health}
}

// Strategy returns the active strategy name.
func (s *Selector) Strategy() string { return s.strategy.Name() }

// Pick filters out unavailable providers, then delegates to the
// strategy. Returns ErrNoHealthyProvider when nothing is available.
func (s *Selector) Pick(ctx domain.Context, providers []domain.ProviderClient, model string) (domain.ProviderClient, error) {
	snap := s.health.Snapshot()
	candidates := make([]domain.ProviderClient, 0, len(providers))
	for _, p := range providers {
		if h, ok := snap[p.Name()]; ok && h.Available() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoHealthyProvider
	}
	return s.strategy.Select(ctx, candidates, model)
}

// Available returns the providers currently able to take traffic, in
// the caller's order. Used by the fallback path.
func (s *Selector) Available(providers []domain.ProviderClient) []domain.ProviderClient {
	snap := s.health.Snapshot()
	out := make([]domain.ProviderClient, 0, len(providers))
	for _, p := range providers {
		if h, ok := snap[p.Name()]; ok && h.Available() {
			out = append(out, p)
		}
	}
	return out
}

// RoundRobin hands out candidates in rotation. The index advances per
// call regardless of which providers are in the candidate set, which
// keeps the distribution even when the set is stable.
type RoundRobin struct {
	mu   sync.Mutex
	next uint64
}

// NewRoundRobin constructs the strategy.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) Name() string { return "round-robin" }

func (r *RoundRobin) Select(_ domain.Context, candidates []domain.ProviderClient, _ string) (domain.ProviderClient, error) {
	r.mu.Lock()
	i := r.next % uint64(len(candidates))
	r.next++
	r.mu.Unlock()
	return candidates[i], nil
}

// LowestLatency picks the candidate with the best probe latency.
type LowestLatency struct {
	health HealthSource
}

// NewLowestLatency constructs the strategy.
func NewLowestLatency(health HealthSource) *LowestLatency {
	return &LowestLatency{health: health}
}

func (l *LowestLatency) Name() string { return "lowest-latency" }

func (l *LowestLatency) Select(_ domain.Context, candidates []domain.ProviderClient, _ string) (domain.ProviderClient, error) {
	snap := l.health.Snapshot()
	best := candidates[0]
	bestLatency := snap[best.Name()].LatencyMs
	for _, p := range candidates[1:] {
		if lat := snap[p.Name()].LatencyMs; lat < bestLatency {
			best, bestLatency = p, lat
		}
	}
	return best, nil
}

// CostBiased picks the cheapest candidate for the request's model,
// priced per token (input plus output). Providers that don't know the
// model are priced by their default. Ties go to the lower probe
// latency.
type CostBiased struct {
	health HealthSource
}

// NewCostBiased constructs the strategy.
func NewCostBiased(health HealthSource) *CostBiased {
	return &CostBiased{health: health}
}

func (c *CostBiased) Name() string { return "cost-biased" }

func (c *CostBiased) Select(_ domain.Context, candidates []domain.ProviderClient, model string) (domain.ProviderClient, error) {
	snap := c.health.Snapshot()
	best := candidates[0]
	bestCost := requestCost(best, model)
	for _, p := range candidates[1:] {
		cost := requestCost(p, model)
		switch {
		case cost < bestCost:
			best, bestCost = p, cost
		case cost == bestCost && snap[p.Name()].LatencyMs < snap[best.Name()].LatencyMs:
			best = p
		}
	}
	return best, nil
}

func requestCost(p domain.ProviderClient, model string) float64 {
	if model != "" {
		if mc, ok := p.ModelConfig(model); ok {
			return mc.InputCostPerToken + mc.OutputCostPerToken
		}
	}
	mc, ok := p.ModelConfig(p.DefaultModel())
	if !ok {
		return 0
	}
	return mc.InputCostPerToken + mc.OutputCostPerToken
}

// ByName resolves the configured strategy name.
func ByName(name string, health HealthSource) (Strategy, error) {
	switch name {
	case "round-robin":
		return NewRoundRobin(), nil
	case "lowest-latency", "":
		return NewLowestLatency(health), nil
	case "cost-biased":
		return NewCostBiased(health), nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q: %w", name, domain.ErrInvalidArgument)
	}
}
