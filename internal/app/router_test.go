package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/ai-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/kv"
	"github.com/fairyhunter13/ai-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/breaker"
	cachesvc "github.com/fairyhunter13/ai-orchestrator/internal/service/cache"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/health"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/quota"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/ratelimit"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/selection"
	"github.com/fairyhunter13/ai-orchestrator/internal/service/telemetry"
	"github.com/fairyhunter13/ai-orchestrator/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.example", []string{"https://a.example"}},
		{"https://a.example, https://b.example", []string{"https://a.example", "https://b.example"}},
		{" , ", []string{"*"}},
	}
	for _, c := range cases {
		if got := ParseOrigins(c.in); !reflect.DeepEqual(got, c.want) {
			t.Fatalf("ParseOrigins(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Now() }

type nopSink struct{}

func (nopSink) Emit(domain.Event) {}

type echoProvider struct{}

func (echoProvider) Initialize(context.Context) error { return nil }
func (echoProvider) Generate(_ context.Context, prompt string, _ domain.GenerateOptions) (*domain.Response, error) {
	return &domain.Response{Content: prompt, Model: "gpt-4o", Provider: "openai"}, nil
}
func (echoProvider) HealthCheck(context.Context) domain.ProviderHealth {
	return domain.ProviderHealth{Provider: "openai", Status: domain.HealthHealthy}
}
func (echoProvider) ModelConfig(string) (domain.ModelConfig, bool) {
	return domain.ModelConfig{}, true
}
func (echoProvider) Name() string                 { return "openai" }
func (echoProvider) DefaultModel() string         { return "gpt-4o" }
func (echoProvider) Config() domain.ProviderConfig {
	return domain.ProviderConfig{Name: "openai", Timeout: 5 * time.Second}
}

func newRouter(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.New(client, time.Second)
	clk := fixedClock{}
	sink := nopSink{}

	providers := []domain.ProviderClient{echoProvider{}}
	monitor := health.NewMonitor(providers, time.Hour, time.Second, clk, sink)
	monitor.ForceProbe(context.Background())

	selector := selection.NewSelector(selection.NewRoundRobin(), monitor)
	breakers := breaker.NewRegistry(breaker.Config{}, clk, sink)
	quotaSvc := quota.New(store, clk, sink, domain.QuotaLimits{})
	rateSvc := ratelimit.New(store, clk, sink, domain.RateLimits{})
	cacheSvc := cachesvc.New(store, nil, clk, sink, cachesvc.Config{InstanceID: "test"})
	orch := usecase.New(providers, selector, breakers, quotaSvc, rateSvc, cacheSvc, clk, sink)

	srv := &httpserver.Server{
		Cfg:        cfg,
		Orch:       orch,
		Health:     monitor,
		Breakers:   breakers,
		Cache:      cacheSvc,
		Quota:      quotaSvc,
		Rate:       rateSvc,
		Telemetry:  telemetry.New(),
		RedisCheck: store.Ping,
	}
	return BuildRouter(cfg, srv)
}

func TestRouterCoreEndpoints(t *testing.T) {
	router := newRouter(t, config.Config{HTTPRateLimitPerMin: 100})

	for _, c := range []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/readyz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/v1/providers/health", "", http.StatusOK},
		{http.MethodGet, "/v1/stats", "", http.StatusOK},
		{http.MethodPost, "/v1/generate", `{"prompt":"hi"}`, http.StatusOK},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	} {
		var req *http.Request
		if c.body != "" {
			req = httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
			req.Header.Set("Content-Type", "application/json")
		} else {
			req = httptest.NewRequest(c.method, c.path, nil)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Fatalf("%s %s = %d, want %d (body %q)", c.method, c.path, rec.Code, c.want, rec.Body.String())
		}
	}
}

func TestRouterSecurityHeaders(t *testing.T) {
	router := newRouter(t, config.Config{HTTPRateLimitPerMin: 100})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q, want DENY", got)
	}
}

func TestRouterRequestIDPropagated(t *testing.T) {
	router := newRouter(t, config.Config{HTTPRateLimitPerMin: 100})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id response header")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("X-Request-Id = %q, want req-123", got)
	}
}

func TestRouterAdminRequiresAuth(t *testing.T) {
	hash, err := httpserver.HashPassword("hunter2", httpserver.Argon2Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32,
	})
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	router := newRouter(t, config.Config{
		HTTPRateLimitPerMin: 100,
		AdminUsername:       "admin",
		AdminPasswordHash:   hash,
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/breakers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin = %d, want 401", rec.Code)
	}
}

func TestRouterAdminHiddenWhenDisabled(t *testing.T) {
	router := newRouter(t, config.Config{HTTPRateLimitPerMin: 100})

	req := httptest.NewRequest(http.MethodGet, "/admin/breakers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("admin without config = %d, want 404", rec.Code)
	}
}
