package cache

import "github.com/fairyhunter13/ai-orchestrator/internal/domain"

// SemanticCache is the pluggable third tier: similarity lookup instead
// of exact keys. The default implementation is a no-op; a vector-store
// backed version can be dropped in without touching the cache service.
type SemanticCache interface {
	Lookup(ctx domain.Context, prompt, model string, threshold float64) (string, bool, error)
	Store(ctx domain.Context, prompt, response, model string) error
	Invalidate(ctx domain.Context, key string) error
}

// NoopSemanticCache never hits and stores nothing.
type NoopSemanticCache struct{}

func (NoopSemanticCache) Lookup(domain.Context, string, string, float64) (string, bool, error) {
	return "", false, nil
}

func (NoopSemanticCache) Store(domain.Context, string, string, string) error { return nil }

func (NoopSemanticCache) Invalidate(domain.Context, string) error { return nil }
