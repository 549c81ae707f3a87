package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Signing        SigningConfig        `yaml:"signing"`
	Gate           GateConfig           `yaml:"gate"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	Maintenance    MaintenanceConfig    `yaml:"maintenance"`
	Webhooks       WebhooksConfig       `yaml:"webhooks"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics endpoint (leave empty to disable protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend      string             `yaml:"backend"`       // "memory" or "postgres"
	PostgresURL  string             `yaml:"postgres_url"`  // PostgreSQL connection string
	PostgresPool PostgresPoolConfig `yaml:"postgres_pool"` // PostgreSQL connection pool settings
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// SigningConfig holds the tenant Ed25519 signing key. The seed is base64 of
// 32 bytes. An empty seed means an ephemeral key is generated at startup,
// which invalidates outstanding tokens on restart.
type SigningConfig struct {
	SeedBase64 string `yaml:"seed_base64"`
}

// GateConfig holds gate lifecycle windows.
type GateConfig struct {
	GateTTL  Duration `yaml:"gate_ttl"`  // Offer-to-settlement deadline (default: 15m)
	QuoteTTL Duration `yaml:"quote_ttl"` // Quote validity window (default: 5m)
	TokenTTL Duration `yaml:"token_ttl"` // Payment token validity window (default: 5m)
}

// ProxyConfig holds the transparent gateway configuration.
type ProxyConfig struct {
	UpstreamURL          string `yaml:"upstream_url"`            // Provider base URL proxied requests are forwarded to
	ProviderPublicKeyPem string `yaml:"provider_public_key_pem"` // SPKI PEM used to verify provider response signatures
	MaxResponseBytes     int64  `yaml:"max_response_bytes"`      // Response buffer cap before forced-red settlement (default: 2MiB)
}

// MaintenanceConfig holds background scheduler tuning.
type MaintenanceConfig struct {
	TickInterval     Duration `yaml:"tick_interval"`      // Scheduler pass interval (default: 5s)
	BatchSize        int      `yaml:"batch_size"`         // Max rows per sweep (default: 100)
	RetryBase        Duration `yaml:"retry_base"`         // Outbox retry backoff base (default: 250ms)
	RetryMax         Duration `yaml:"retry_max"`          // Outbox retry backoff cap (default: 60s)
	RetryMaxAttempts int      `yaml:"retry_max_attempts"` // Attempts before a delivery is permanently failed (default: 50)
}

// WebhooksConfig holds delivery destinations and the inbound receiver.
type WebhooksConfig struct {
	Destinations map[string]WebhookDestination `yaml:"destinations"`
	Timeout      Duration                      `yaml:"timeout"` // Per-delivery HTTP timeout (default: 10s)
	Receiver     WebhookReceiverConfig         `yaml:"receiver"`
}

// WebhookDestination is one configured receiver endpoint.
type WebhookDestination struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// WebhookReceiverConfig configures the inbound delivery receiver endpoint.
type WebhookReceiverConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Dir     string `yaml:"dir"` // Archive directory (default: ./data/deliveries)
}

// RateLimitConfig holds rate limiting configuration.
// Provides multi-tier rate limiting to prevent spam while allowing legitimate use.
type RateLimitConfig struct {
	// Global rate limiting (across all tenants)
	GlobalEnabled bool     `yaml:"global_enabled"` // Enable global rate limiting
	GlobalLimit   int      `yaml:"global_limit"`   // Requests allowed per global window
	GlobalWindow  Duration `yaml:"global_window"`  // Time window for global limit

	// Per-tenant rate limiting (identified by the tenant header)
	PerTenantEnabled bool     `yaml:"per_tenant_enabled"` // Enable per-tenant rate limiting
	PerTenantLimit   int      `yaml:"per_tenant_limit"`   // Requests allowed per tenant per window
	PerTenantWindow  Duration `yaml:"per_tenant_window"`  // Time window for per-tenant limit

	// Per-IP rate limiting (fallback when tenant not identified)
	PerIPEnabled bool     `yaml:"per_ip_enabled"` // Enable per-IP rate limiting
	PerIPLimit   int      `yaml:"per_ip_limit"`   // Requests allowed per IP per window
	PerIPWindow  Duration `yaml:"per_ip_window"`  // Time window for per-IP limit
}

// APIKeyConfig holds API key authentication configuration.
type APIKeyConfig struct {
	Enabled bool                    `yaml:"enabled"` // Enable API key authentication (default: false)
	Keys    map[string]APIKeyGrants `yaml:"keys"`    // Map of API key secret -> grants
}

// APIKeyGrants names a key and lists its scopes ("gate", "ops").
type APIKeyGrants struct {
	Name   string   `yaml:"name"`
	Scopes []string `yaml:"scopes"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when external services are degraded.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`  // Enable circuit breakers (default: true)
	Upstream BreakerServiceConfig `yaml:"upstream"` // Proxied provider circuit breaker
	JWKS     BreakerServiceConfig `yaml:"jwks"`     // Well-known keyset fetch circuit breaker
	Webhook  BreakerServiceConfig `yaml:"webhook"`  // Webhook delivery circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
