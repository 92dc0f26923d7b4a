// Package provider implements the upstream vendor adapters behind the
// domain.ProviderClient port: OpenAI, Anthropic, Google and Azure OpenAI.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// BackoffSettings tunes the retry policy shared by all vendor clients.
type BackoffSettings struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// base carries what every vendor client shares: config, HTTP client and
// retry policy. Vendor structs embed it.
type base struct {
	cfg     domain.ProviderConfig
	hc      *http.Client
	retries BackoffSettings
}

func newBase(cfg domain.ProviderConfig, retries BackoffSettings) base {
	return base{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retries: retries,
	}
}

func (b *base) Name() string                  { return b.cfg.Name }
func (b *base) DefaultModel() string          { return b.cfg.DefaultModel }
func (b *base) Config() domain.ProviderConfig { return b.cfg }

func (b *base) ModelConfig(name string) (domain.ModelConfig, bool) {
	mc, ok := b.cfg.Models[name]
	return mc, ok
}

// resolveModel returns the pinned model or the provider default, plus its
// config when known.
func (b *base) resolveModel(opts domain.GenerateOptions) (string, domain.ModelConfig, bool) {
	model := opts.Model
	if model == "" {
		model = b.cfg.DefaultModel
	}
	mc, ok := b.cfg.Models[model]
	return model, mc, ok
}

// cost computes the dollar cost of a call from the model price table.
func cost(mc domain.ModelConfig, usage domain.TokenUsage) domain.Cost {
	in := float64(usage.Prompt) * mc.InputCostPerToken
	out := float64(usage.Completion) * mc.OutputCostPerToken
	return domain.Cost{Input: in, Output: out, Total: in + out}
}

// classify maps an HTTP outcome onto the provider error taxonomy.
func classify(provider string, status int, retryAfter time.Duration, err error) *domain.ProviderError {
	pe := &domain.ProviderError{Provider: provider, StatusCode: status, RetryAfter: retryAfter, Err: err}
	switch {
	case status == 0:
		// Transport-level failure; context expiry counts as a timeout.
		if errors.Is(err, context.DeadlineExceeded) {
			pe.Kind = domain.ProviderTimeout
		} else {
			pe.Kind = domain.ProviderTransient
		}
	case status == http.StatusTooManyRequests:
		pe.Kind = domain.ProviderRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Kind = domain.ProviderAuth
	case status >= 400 && status < 500:
		pe.Kind = domain.ProviderBadRequest
	case status >= 500:
		pe.Kind = domain.ProviderServer
	default:
		pe.Kind = domain.ProviderUnknown
	}
	return pe
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// doJSON posts body to url with headers and decodes the response into
// out, retrying retryable failures with exponential backoff. The request
// body is rebuilt per attempt so a consumed reader is never reused.
func (b *base) doJSON(ctx domain.Context, method, url string, headers map[string]string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", domain.ErrInvalidArgument, err)
		}
	}

	op := func() error {
		start := time.Now()
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return backoff.Permanent(classify(b.cfg.Name, 0, 0, err))
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := b.hc.Do(req)
		observability.AIRequestDuration.WithLabelValues(b.cfg.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(classify(b.cfg.Name, 0, 0, context.DeadlineExceeded))
			}
			return classify(b.cfg.Name, 0, 0, err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return classify(b.cfg.Name, resp.StatusCode, 0, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			ra := parseRetryAfter(resp.Header)
			slog.Warn("ai provider rate limited",
				slog.String("provider", b.cfg.Name),
				slog.Int("status", resp.StatusCode),
				slog.Duration("retry_after", ra))
			// Honor Retry-After when it fits the remaining deadline,
			// otherwise surface so the orchestrator can fail over.
			if ra > 0 {
				if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > ra {
					select {
					case <-time.After(ra):
					case <-ctx.Done():
						return backoff.Permanent(classify(b.cfg.Name, 0, 0, context.DeadlineExceeded))
					}
					return classify(b.cfg.Name, resp.StatusCode, ra, fmt.Errorf("rate limited"))
				}
				return backoff.Permanent(classify(b.cfg.Name, resp.StatusCode, ra, fmt.Errorf("rate limited, retry-after exceeds deadline")))
			}
			return classify(b.cfg.Name, resp.StatusCode, 0, fmt.Errorf("rate limited"))
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			snippet := string(raw)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("ai provider 4xx",
				slog.String("provider", b.cfg.Name),
				slog.Int("status", resp.StatusCode),
				slog.String("endpoint", url),
				slog.String("body", snippet))
			return backoff.Permanent(classify(b.cfg.Name, resp.StatusCode, 0, fmt.Errorf("status %d", resp.StatusCode)))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet := string(raw)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Error("ai provider non-2xx",
				slog.String("provider", b.cfg.Name),
				slog.Int("status", resp.StatusCode),
				slog.String("endpoint", url),
				slog.String("body", snippet))
			return classify(b.cfg.Name, resp.StatusCode, 0, fmt.Errorf("status %d", resp.StatusCode))
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				slog.Error("ai provider decode error",
					slog.String("provider", b.cfg.Name),
					slog.String("endpoint", url),
					slog.Any("error", err))
				return backoff.Permanent(classify(b.cfg.Name, resp.StatusCode, 0, err))
			}
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = b.cfg.RetryDelay
	expo.Multiplier = 2.0
	if b.retries.InitialInterval > 0 {
		expo.InitialInterval = b.retries.InitialInterval
	}
	if b.retries.Multiplier > 0 {
		expo.Multiplier = b.retries.Multiplier
	}
	if b.retries.MaxInterval > 0 {
		expo.MaxInterval = b.retries.MaxInterval
	}
	if b.retries.MaxElapsedTime > 0 {
		expo.MaxElapsedTime = b.retries.MaxElapsedTime
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(b.cfg.MaxRetries)), ctx)
	return backoff.Retry(op, bo)
}

// probe issues the vendor's list-models GET under the health deadline and
// returns the health record.
func (b *base) probe(ctx domain.Context, url string, headers map[string]string) domain.ProviderHealth {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return unhealthy(b.cfg.Name, start, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := b.hc.Do(req)
	if err != nil {
		return unhealthy(b.cfg.Name, start, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	latency := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unhealthy(b.cfg.Name, start, fmt.Errorf("probe status %d", resp.StatusCode))
	}
	status := domain.HealthHealthy
	if latency > time.Second {
		status = domain.HealthDegraded
	}
	return domain.ProviderHealth{
		Provider:    b.cfg.Name,
		Status:      status,
		LatencyMs:   latency.Milliseconds(),
		LastChecked: time.Now(),
	}
}

func unhealthy(name string, start time.Time, err error) domain.ProviderHealth {
	return domain.ProviderHealth{
		Provider:      name,
		Status:        domain.HealthUnhealthy,
		LatencyMs:     time.Since(start).Milliseconds(),
		ErrorRate:     1,
		LastChecked:   time.Now(),
		FailureReason: err.Error(),
	}
}
