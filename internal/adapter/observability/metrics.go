package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)
	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Total tokens consumed by provider and direction",
		},
		[]string{"provider", "direction"},
	)
	AICostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_cost_dollars_total",
			Help: "Accumulated request cost in dollars by provider",
		},
		[]string{"provider"},
	)

	CacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_cache_operations_total",
			Help: "Cache lookups by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
	CacheL1Entries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ai_cache_l1_entries",
			Help: "Number of live entries in the in-process cache",
		},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ai_circuit_state",
			Help: "Circuit breaker state per circuit (0=closed, 1=open, 2=half-open)",
		},
		[]string{"circuit"},
	)

	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_quota_denials_total",
			Help: "Quota denials by period and dimension",
		},
		[]string{"period", "dimension"},
	)
	RateLimitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_rate_limit_denials_total",
			Help: "Rate limit denials by violation type",
		},
		[]string{"type"},
	)

	ProviderHealthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ai_provider_healthy",
			Help: "Provider health (1=healthy, 0.5=degraded, 0=unhealthy)",
		},
		[]string{"provider"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AITokensTotal)
	prometheus.MustRegister(AICostTotal)
	prometheus.MustRegister(CacheOperationsTotal)
	prometheus.MustRegister(CacheL1Entries)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(QuotaDenialsTotal)
	prometheus.MustRegister(RateLimitDenialsTotal)
	prometheus.MustRegister(ProviderHealthGauge)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveProviderHealth maps a health status onto the provider gauge.
func ObserveProviderHealth(provider, status string) {
	v := 0.0
	switch status {
	case "healthy":
		v = 1.0
	case "degraded":
		v = 0.5
	}
	ProviderHealthGauge.WithLabelValues(provider).Set(v)
}
