// Package ratelimit protects the gateway with layered request limits: a
// global ceiling, a per-tenant budget keyed by the tenant header, and a
// per-IP fallback for unattributed traffic.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/SettldHQ/gateway/internal/errors"
	"github.com/SettldHQ/gateway/internal/metrics"
	"github.com/SettldHQ/gateway/pkg/x402"
)

// Config holds the three limiter tiers.
type Config struct {
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	PerTenantEnabled bool
	PerTenantLimit   int
	PerTenantWindow  time.Duration

	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

// DefaultConfig returns limits sized to stop abuse without throttling a
// busy agent fleet.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  time.Minute,

		PerTenantEnabled: true,
		PerTenantLimit:   300,
		PerTenantWindow:  time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  time.Minute,
	}
}

// GlobalLimiter enforces the fleet-wide ceiling.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(limitHandler("global", cfg.GlobalWindow, cfg.Metrics)),
	)
}

// TenantLimiter enforces the per-tenant budget, falling back to IP for
// requests without a tenant header.
func TenantLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerTenantEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerTenantLimit,
		cfg.PerTenantWindow,
		httprate.WithKeyFuncs(tenantKey),
		httprate.WithLimitHandler(limitHandler("per_tenant", cfg.PerTenantWindow, cfg.Metrics)),
	)
}

// IPLimiter is the unattributed-traffic fallback.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", cfg.PerIPWindow, cfg.Metrics)),
	)
}

func tenantKey(r *http.Request) (string, error) {
	if tenant := r.Header.Get(x402.HeaderTenantID); tenant != "" {
		return "tenant:" + tenant, nil
	}
	return httprate.KeyByIP(r)
}

func limitHandler(limitType string, window time.Duration, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		if m != nil {
			m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
		errors.WriteStatus(w, http.StatusTooManyRequests,
			errors.E(errors.CodeRequestInvalid, "rate limit exceeded, retry after %s", window))
	}
}

func passthrough(next http.Handler) http.Handler { return next }
