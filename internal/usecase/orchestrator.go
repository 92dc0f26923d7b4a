// Package usecase glues the services together into the request pipeline:
// quota, rate limit, cache, selection, breaker-guarded provider call,
// usage recording and event emission.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/clock"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/provider"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/breaker"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/cache"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/quota"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/ratelimit"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/selection"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/tokencount"
)

// FallbackMessage is returned when every provider is exhausted in
// fallback mode. Static on purpose: callers can match on it.
const FallbackMessage = "The AI service is temporarily unavailable. Please try again in a few moments."

// Orchestrator is the public entry point for generation requests.
type Orchestrator struct {
	providers []domain.ProviderClient
	byName    map[string]domain.ProviderClient
	selector  *selection.Selector
	breakers  *breaker.Registry
	quota     *quota.Service
	rate      *ratelimit.Service
	cache     *cache.Cache
	clock     domain.Clock
	sink      domain.EventSink
}

// New wires the orchestrator. Provider order is the registration order
// used by the fallback iteration.
func New(
	providers []domain.ProviderClient,
	selector *selection.Selector,
	breakers *breaker.Registry,
	quotaSvc *quota.Service,
	rateSvc *ratelimit.Service,
	cacheSvc *cache.Cache,
	clk domain.Clock,
	sink domain.EventSink,
) *Orchestrator {
	byName := make(map[string]domain.ProviderClient, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Orchestrator{
		providers: providers,
		byName:    byName,
		selector:  selector,
		breakers:  breakers,
		quota:     quotaSvc,
		rate:      rateSvc,
		cache:     cacheSvc,
		clock:     clk,
		sink:      sink,
	}
}

// Providers returns the registered provider clients.
func (o *Orchestrator) Providers() []domain.ProviderClient { return o.providers }

func (o *Orchestrator) emit(name string, fields map[string]any) {
	if o.sink == nil {
		return
	}
	o.sink.Emit(domain.Event{Name: name, At: o.clock.Now(), Fields: fields})
}

// enforce runs quota and rate-limit checks. A nil error means the
// request may proceed.
func (o *Orchestrator) enforce(ctx domain.Context, prompt string, opts domain.GenerateOptions) error {
	if opts.UserID == "" {
		return nil
	}
	estTokens := tokencount.Estimate(prompt, opts.Model)
	if err := o.quota.Enforce(ctx, opts.UserID, opts.SessionID, estTokens, 0); err != nil {
		return err
	}
	decision := o.rate.Check(ctx, opts.UserID, 0, 0)
	if !decision.CanMakeRequest {
		v := decision.Violations[0]
		return fmt.Errorf("%s per %s (%.6g of %.6g): %w", v.Type, v.Period, v.Current, v.Limit, domain.ErrRateLimited)
	}
	return nil
}

// pick resolves the provider: a model pinned to a single vendor bypasses
// the strategy, everything else goes through health-filtered selection.
func (o *Orchestrator) pick(ctx domain.Context, opts domain.GenerateOptions) (domain.ProviderClient, error) {
	if opts.Model != "" {
		if name, ok := provider.ForModel(opts.Model); ok {
			if p, ok := o.byName[name]; ok {
				return p, nil
			}
		}
	}
	return o.selector.Pick(ctx, o.providers, opts.Model)
}

// attempt runs one breaker-guarded provider call.
func (o *Orchestrator) attempt(ctx domain.Context, p domain.ProviderClient, prompt string, opts domain.GenerateOptions) (*domain.Response, error) {
	br := o.breakers.Get(p.Name())
	var resp *domain.Response
	err := br.Execute(ctx, func(ctx domain.Context) error {
		callCtx := ctx
		if t := p.Config().Timeout; t > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		r, err := p.Generate(callCtx, prompt, opts)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// cacheModel resolves the model identity used for cache keying: the
// caller's requested model, else the serving provider's default. Lookup
// and store must agree on it or entries are write-only.
func cacheModel(opts domain.GenerateOptions, p domain.ProviderClient) string {
	if opts.Model != "" {
		return opts.Model
	}
	if p != nil {
		return p.DefaultModel()
	}
	return ""
}

// finish records usage, stores the cache entry under model and emits
// the completion event for a successful provider response.
func (o *Orchestrator) finish(ctx domain.Context, resp *domain.Response, prompt, model string, opts domain.GenerateOptions, latency time.Duration, cacheMiss bool) {
	resp.RequestID = opts.RequestID
	resp.Timestamp = o.clock.Now()
	resp.Cached = false

	if opts.UseCache {
		o.cache.Set(ctx, prompt, model, resp.Content, opts.CacheTTL)
	}
	if opts.RecordQuota && opts.UserID != "" {
		if err := o.quota.Record(ctx, opts.UserID, opts.SessionID, resp.TokensUsed.Total, resp.Cost.Total); err != nil {
			slog.Warn("quota record failed", slog.String("user_id", opts.UserID), slog.Any("error", err))
		}
		if err := o.rate.RecordRequest(ctx, opts.UserID, resp.TokensUsed.Total, resp.Cost.Total); err != nil {
			slog.Warn("rate record failed", slog.String("user_id", opts.UserID), slog.Any("error", err))
		}
	}
	observability.AIRequestsTotal.WithLabelValues(resp.Provider, "success").Inc()
	observability.AITokensTotal.WithLabelValues(resp.Provider, "input").Add(float64(resp.TokensUsed.Prompt))
	observability.AITokensTotal.WithLabelValues(resp.Provider, "output").Add(float64(resp.TokensUsed.Completion))
	observability.AICostTotal.WithLabelValues(resp.Provider).Add(resp.Cost.Total)
	o.emit(domain.EventRequestCompleted, map[string]any{
		"provider":   resp.Provider,
		"model":      resp.Model,
		"latency_ms": float64(latency.Milliseconds()),
		"tokens":     resp.TokensUsed.Total,
		"request_id": opts.RequestID,
		"cache_miss": cacheMiss,
	})
}

// Generate runs the full pipeline against a single provider. Enforcement
// denials and provider failures surface as errors.
func (o *Orchestrator) Generate(ctx domain.Context, prompt string, opts domain.GenerateOptions) (*domain.Response, error) {
	if prompt == "" {
		return nil, fmt.Errorf("empty prompt: %w", domain.ErrInvalidArgument)
	}
	if opts.RequestID == "" {
		opts.RequestID = clock.NewRequestID()
	}

	if err := o.enforce(ctx, prompt, opts); err != nil {
		return nil, err
	}

	p, err := o.pick(ctx, opts)
	if err != nil {
		return nil, err
	}
	model := cacheModel(opts, p)

	cacheMiss := false
	if opts.UseCache {
		if value, ok := o.cache.Get(ctx, prompt, model, opts.CacheTTL); ok {
			o.emit(domain.EventRequestCacheHit, map[string]any{
				"model":      model,
				"request_id": opts.RequestID,
			})
			return &domain.Response{
				Content:   value,
				Model:     model,
				Cached:    true,
				RequestID: opts.RequestID,
				Timestamp: o.clock.Now(),
			}, nil
		}
		cacheMiss = true
	}

	start := time.Now()
	resp, err := o.attempt(ctx, p, prompt, opts)
	if err != nil {
		observability.AIRequestsTotal.WithLabelValues(p.Name(), "failure").Inc()
		o.emit(domain.EventRequestFailed, map[string]any{
			"provider":   p.Name(),
			"request_id": opts.RequestID,
			"error":      err.Error(),
		})
		return nil, err
	}
	o.finish(ctx, resp, prompt, model, opts, time.Since(start), cacheMiss)
	return resp, nil
}

// GenerateWithFallback runs the pipeline but walks the remaining healthy
// providers on failure. Enforcement denials and bad input still surface
// as errors; only provider-side failure degrades, and then the caller
// gets a static message instead of an error.
func (o *Orchestrator) GenerateWithFallback(ctx domain.Context, prompt string, opts domain.GenerateOptions) (*domain.Response, error) {
	if prompt == "" {
		return nil, fmt.Errorf("empty prompt: %w", domain.ErrInvalidArgument)
	}
	if opts.RequestID == "" {
		opts.RequestID = clock.NewRequestID()
	}
	if err := o.enforce(ctx, prompt, opts); err != nil {
		return nil, err
	}

	tried := make(map[string]bool)
	candidates := make([]domain.ProviderClient, 0, len(o.providers))
	if first, err := o.pick(ctx, opts); err == nil {
		candidates = append(candidates, first)
		tried[first.Name()] = true
	}
	for _, p := range o.selector.Available(o.providers) {
		if !tried[p.Name()] {
			candidates = append(candidates, p)
			tried[p.Name()] = true
		}
	}

	var primary domain.ProviderClient
	if len(candidates) > 0 {
		primary = candidates[0]
	}
	model := cacheModel(opts, primary)

	cacheMiss := false
	if opts.UseCache {
		if value, ok := o.cache.Get(ctx, prompt, model, opts.CacheTTL); ok {
			o.emit(domain.EventRequestCacheHit, map[string]any{
				"model":      model,
				"request_id": opts.RequestID,
			})
			return &domain.Response{
				Content:   value,
				Model:     model,
				Cached:    true,
				RequestID: opts.RequestID,
				Timestamp: o.clock.Now(),
			}, nil
		}
		cacheMiss = true
	}

	for i, p := range candidates {
		if i > 0 {
			o.emit(domain.EventRequestFallback, map[string]any{
				"provider":   p.Name(),
				"attempt":    i + 1,
				"request_id": opts.RequestID,
			})
		}
		start := time.Now()
		resp, err := o.attempt(ctx, p, prompt, opts)
		if err != nil {
			observability.AIRequestsTotal.WithLabelValues(p.Name(), "failure").Inc()
			o.emit(domain.EventRequestFailed, map[string]any{
				"provider":   p.Name(),
				"request_id": opts.RequestID,
				"error":      err.Error(),
			})
			continue
		}
		o.finish(ctx, resp, prompt, model, opts, time.Since(start), cacheMiss)
		return resp, nil
	}
	slog.Warn("all providers exhausted; serving degraded response",
		slog.String("request_id", opts.RequestID), slog.Int("attempts", len(candidates)))
	return &domain.Response{
		Content:   FallbackMessage,
		Model:     opts.Model,
		Cached:    false,
		RequestID: opts.RequestID,
		Timestamp: o.clock.Now(),
	}, nil
}
