// Command server starts the AI request orchestrator HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/clock"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/events"
	httpserver "github.com/fairyhunter13/ai-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/kv"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/provider"
	"github.com/fairyhunter13/ai-orchestrator/internal/app"
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

func buildProviders(cfg config.Config) ([]domain.ProviderClient, error) {
	catalog, err := config.LoadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	maxElapsed, initial, maxInterval, multiplier := cfg.GetAIBackoffConfig()
	retries := provider.BackoffSettings{
		MaxElapsedTime:  maxElapsed,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		Multiplier:      multiplier,
	}
	out := make([]domain.ProviderClient, 0, len(catalog))
	for _, pc := range catalog {
		switch pc.Name {
		case "openai":
			out = append(out, provider.NewOpenAI(pc, retries))
		case "anthropic":
			out = append(out, provider.NewAnthropic(pc, retries))
		case "google":
			out = append(out, provider.NewGoogle(pc, retries))
		case "azure":
			out = append(out, provider.NewAzure(pc, retries))
		default:
			slog.Warn("unknown provider in catalog, skipping", slog.String("provider", pc.Name))
		}
	}
	return out, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, provider and cache instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	clk := clock.System{}

	// Infra: Redis-backed KV store
	rdb := kv.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	store := kv.New(rdb, cfg.KVOpTimeout)
	if err := store.Ping(ctx); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	// Event fan-out: in-process bus, optionally mirrored to Kafka.
	bus := events.NewBus()
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		if err != nil {
			slog.Error("kafka producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		bus.Attach(sink)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sink.Close(closeCtx)
		}()
	}

	// Providers from the catalog merged with env credentials
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("provider catalog load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if len(providers) == 0 {
		slog.Error("no providers configured, set at least one API key")
		os.Exit(1)
	}
	for _, p := range providers {
		slog.Info("provider registered", slog.String("provider", p.Name()))
	}

	// Health monitor and provider selection
	monitor := health.NewMonitor(providers, cfg.HealthProbeInterval, cfg.HealthProbeTimeout, clk, bus)
	monitor.Start(ctx)
	defer monitor.Stop()

	strategy, err := selection.ByName(cfg.SelectionStrategy, monitor)
	if err != nil {
		slog.Error("invalid selection strategy", slog.Any("error", err))
		os.Exit(1)
	}
	selector := selection.NewSelector(strategy, monitor)
	slog.Info("selection strategy active", slog.String("strategy", strategy.Name()))

	// Circuit breakers, one per provider, created lazily.
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:    cfg.BreakerFailureThreshold,
		Timeout:             cfg.BreakerTimeout,
		ResetTimeout:        cfg.BreakerResetTimeout,
		HalfOpenMaxAttempts: cfg.BreakerHalfOpenMaxAttempts,
	}, clk, bus)

	// Usage quotas and rate limits
	quotaSvc := quota.New(store, clk, bus, domain.QuotaLimits{
		MonthlyRequests: cfg.QuotaMonthlyRequests,
		MonthlyTokens:   cfg.QuotaMonthlyTokens,
		MonthlyCost:     cfg.QuotaMonthlyCost,
		DailyRequests:   cfg.QuotaDailyRequests,
		DailyTokens:     cfg.QuotaDailyTokens,
		DailyCost:       cfg.QuotaDailyCost,
		SessionRequests: cfg.QuotaSessionRequests,
		SessionTokens:   cfg.QuotaSessionTokens,
		SessionCost:     cfg.QuotaSessionCost,
	})
	rateSvc := ratelimit.New(store, clk, bus, domain.RateLimits{
		RequestsPerMinute: cfg.RateRequestsPerMinute,
		RequestsPerHour:   cfg.RateRequestsPerHour,
		TokensPerMinute:   cfg.RateTokensPerMinute,
		TokensPerHour:     cfg.RateTokensPerHour,
		CostPerMinute:     cfg.RateCostPerMinute,
		CostPerHour:       cfg.RateCostPerHour,
		BurstLimit:        cfg.RateBurstLimit,
		BurstWindow:       cfg.RateBurstWindow,
	})

	// Multi-tier response cache
	cacheSvc := cachesvc.New(store, nil, clk, bus, cachesvc.Config{
		MaxL1Entries:     cfg.CacheL1MaxSize,
		DefaultTTL:       cfg.CacheDefaultTTL,
		CleanupInterval:  cfg.CacheCleanupInterval,
		ScheduleInterval: cfg.CacheScheduleInterval,
		MaxCascadeDepth:  cfg.CacheInvalidationDepth,
		InstanceID:       clock.NewRequestID(),
	})
	cacheSvc.Start(ctx)
	defer cacheSvc.Stop()

	// Telemetry collector consuming the event stream
	telemetrySvc := telemetry.New()
	eventCh, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	telemetrySvc.Start(ctx, eventCh, cfg.TelemetryCollectInterval)
	defer telemetrySvc.Stop()

	orch := usecase.New(providers, selector, breakers, quotaSvc, rateSvc, cacheSvc, clk, bus)

	srv := &httpserver.Server{
		Cfg:        cfg,
		Orch:       orch,
		Health:     monitor,
		Breakers:   breakers,
		Cache:      cacheSvc,
		Quota:      quotaSvc,
		Rate:       rateSvc,
		Telemetry:  telemetrySvc,
		RedisCheck: store.Ping,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
