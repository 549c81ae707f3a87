package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use SETTLD_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "SETTLD_SERVER_ADDRESS")
	setDurationIfEnv(&c.Server.ReadTimeout, "SETTLD_SERVER_READ_TIMEOUT")
	setDurationIfEnv(&c.Server.WriteTimeout, "SETTLD_SERVER_WRITE_TIMEOUT")
	setDurationIfEnv(&c.Server.IdleTimeout, "SETTLD_SERVER_IDLE_TIMEOUT")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "SETTLD_ADMIN_METRICS_API_KEY")
	if v := os.Getenv("SETTLD_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitAndTrim(v)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "SETTLD_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "SETTLD_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "SETTLD_ENVIRONMENT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "SETTLD_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "SETTLD_POSTGRES_URL")
	setIntIfEnv(&c.Storage.PostgresPool.MaxOpenConns, "SETTLD_POSTGRES_MAX_OPEN_CONNS")
	setIntIfEnv(&c.Storage.PostgresPool.MaxIdleConns, "SETTLD_POSTGRES_MAX_IDLE_CONNS")
	setDurationIfEnv(&c.Storage.PostgresPool.ConnMaxLifetime, "SETTLD_POSTGRES_CONN_MAX_LIFETIME")

	// Signing config
	setIfEnv(&c.Signing.SeedBase64, "SETTLD_SIGNING_SEED")

	// Gate config
	setDurationIfEnv(&c.Gate.GateTTL, "SETTLD_GATE_TTL")
	setDurationIfEnv(&c.Gate.QuoteTTL, "SETTLD_GATE_QUOTE_TTL")
	setDurationIfEnv(&c.Gate.TokenTTL, "SETTLD_GATE_TOKEN_TTL")

	// Proxy config
	setIfEnv(&c.Proxy.UpstreamURL, "SETTLD_PROXY_UPSTREAM_URL")
	setIfEnv(&c.Proxy.ProviderPublicKeyPem, "SETTLD_PROXY_PROVIDER_PUBLIC_KEY_PEM")
	setInt64IfEnv(&c.Proxy.MaxResponseBytes, "SETTLD_PROXY_MAX_RESPONSE_BYTES")

	// Maintenance config
	setDurationIfEnv(&c.Maintenance.TickInterval, "SETTLD_MAINTENANCE_TICK_INTERVAL")
	setIntIfEnv(&c.Maintenance.BatchSize, "SETTLD_MAINTENANCE_BATCH_SIZE")
	setDurationIfEnv(&c.Maintenance.RetryBase, "SETTLD_MAINTENANCE_RETRY_BASE")
	setDurationIfEnv(&c.Maintenance.RetryMax, "SETTLD_MAINTENANCE_RETRY_MAX")
	setIntIfEnv(&c.Maintenance.RetryMaxAttempts, "SETTLD_MAINTENANCE_RETRY_MAX_ATTEMPTS")

	// Webhooks config
	setDurationIfEnv(&c.Webhooks.Timeout, "SETTLD_WEBHOOK_TIMEOUT")
	setBoolIfEnv(&c.Webhooks.Receiver.Enabled, "SETTLD_WEBHOOK_RECEIVER_ENABLED")
	setIfEnv(&c.Webhooks.Receiver.Secret, "SETTLD_WEBHOOK_RECEIVER_SECRET")
	setIfEnv(&c.Webhooks.Receiver.Dir, "SETTLD_WEBHOOK_RECEIVER_DIR")
	c.loadWebhookDestinations()

	// API Key config
	setBoolIfEnv(&c.APIKey.Enabled, "SETTLD_API_KEY_ENABLED")
	c.loadAPIKeys()

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "SETTLD_CIRCUIT_BREAKER_ENABLED")
}

// loadWebhookDestinations merges destinations configured through paired
// environment variables:
//
//	SETTLD_WEBHOOK_URL_<NAME>=https://receiver.example/deliveries
//	SETTLD_WEBHOOK_SECRET_<NAME>=whsec_...
//
// The destination id is <NAME> lowercased.
func (c *Config) loadWebhookDestinations() {
	const urlPrefix = "SETTLD_WEBHOOK_URL_"
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, urlPrefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], urlPrefix)
		if name == "" {
			continue
		}
		if c.Webhooks.Destinations == nil {
			c.Webhooks.Destinations = make(map[string]WebhookDestination)
		}
		id := strings.ToLower(name)
		dest := c.Webhooks.Destinations[id]
		dest.URL = parts[1]
		if secret := os.Getenv("SETTLD_WEBHOOK_SECRET_" + name); secret != "" {
			dest.Secret = secret
		}
		c.Webhooks.Destinations[id] = dest
	}
}

// loadAPIKeys merges keys configured through environment variables:
//
//	SETTLD_API_KEY_<NAME>=<secret>:<scope>,<scope>
//
// e.g. SETTLD_API_KEY_OPSBOT=sk_live_abc123:gate,ops registers the secret
// sk_live_abc123 under the name "opsbot" with both scopes.
func (c *Config) loadAPIKeys() {
	const prefix = "SETTLD_API_KEY_"
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], prefix)
		if name == "" || name == "ENABLED" {
			continue
		}
		secret, scopesRaw, ok := strings.Cut(parts[1], ":")
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		scopes := []string{"gate"}
		if ok {
			scopes = splitAndTrim(scopesRaw)
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]APIKeyGrants)
		}
		c.APIKey.Keys[secret] = APIKeyGrants{
			Name:   strings.ToLower(name),
			Scopes: scopes,
		}
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
