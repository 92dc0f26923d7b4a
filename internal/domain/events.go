package domain

import "time"

// Bus event names. Stable; shared with the rest of the system.
const (
	EventQuotaExceeded       = "quota.exceeded"
	EventRateLimitExceeded   = "rate-limit.exceeded"
	EventCircuitStateChanged = "circuit.state.changed"
	EventProviderHealth      = "provider.health.updated"
	EventCacheInvalidated    = "cache.invalidated"
	EventRequestCompleted    = "ai.request.completed"
	EventRequestFailed       = "ai.request.failed"
	EventRequestFallback     = "ai.request.fallback"
	EventRequestCacheHit     = "ai.request.cache_hit"
)

// Event is one occurrence published on the bus. Delivery is
// fire-and-forget; producers never block on slow subscribers.
type Event struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}
