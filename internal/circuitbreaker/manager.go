// Package circuitbreaker isolates the gateway's outbound dependencies from
// each other. The upstream provider, the JWKS endpoint, and the webhook
// receiver each get their own breaker so one failing dependency cannot
// exhaust the others' request budget.
package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ServiceType identifies one outbound dependency.
type ServiceType string

const (
	ServiceUpstream ServiceType = "upstream"
	ServiceJWKS     ServiceType = "jwks"
	ServiceWebhook  ServiceType = "webhook"
)

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval clears the closed-state counters; 0 never clears.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// Trip conditions: consecutive failures, or failure ratio once
	// MinRequests have been observed.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// Config holds breaker settings per service plus a global toggle.
type Config struct {
	Enabled  bool
	Upstream BreakerConfig
	JWKS     BreakerConfig
	Webhook  BreakerConfig
}

// DefaultConfig returns production defaults. Webhook deliveries tolerate
// more failures because the outbox retries them anyway.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Upstream: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		JWKS: BreakerConfig{
			MaxRequests:         1,
			Interval:            60 * time.Second,
			Timeout:             15 * time.Second,
			ConsecutiveFailures: 3,
			FailureRatio:        0.5,
			MinRequests:         5,
		},
		Webhook: BreakerConfig{
			MaxRequests:         5,
			Interval:            60 * time.Second,
			Timeout:             60 * time.Second,
			ConsecutiveFailures: 10,
			FailureRatio:        0.7,
			MinRequests:         20,
		},
	}
}

// Manager holds one breaker per outbound service.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// NewManager builds breakers from config. A disabled config yields a
// pass-through manager.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
	}
	if !cfg.Enabled {
		return m
	}
	for service, bc := range map[ServiceType]BreakerConfig{
		ServiceUpstream: cfg.Upstream,
		ServiceJWKS:     cfg.JWKS,
		ServiceWebhook:  cfg.Webhook,
	} {
		m.breakers[service] = gobreaker.NewCircuitBreaker(settings(string(service), bc, logger))
	}
	return m
}

// Execute runs fn behind the service's breaker. Unknown or disabled
// services pass through, as does a nil manager.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if m == nil || !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State returns the named breaker's current state for health reporting.
func (m *Manager) State(service ServiceType) string {
	if m == nil || !m.enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

func settings(name string, cfg BreakerConfig, logger zerolog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
}
