package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	// Apply defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}

	if c.Gate.GateTTL.Duration <= 0 {
		c.Gate.GateTTL = Duration{Duration: 15 * time.Minute}
	}
	if c.Gate.QuoteTTL.Duration <= 0 {
		c.Gate.QuoteTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Gate.TokenTTL.Duration <= 0 {
		c.Gate.TokenTTL = Duration{Duration: 5 * time.Minute}
	}

	if c.Proxy.MaxResponseBytes <= 0 {
		c.Proxy.MaxResponseBytes = 2 << 20
	}

	if c.Maintenance.TickInterval.Duration <= 0 {
		c.Maintenance.TickInterval = Duration{Duration: 5 * time.Second}
	}
	if c.Maintenance.BatchSize <= 0 {
		c.Maintenance.BatchSize = 100
	}
	if c.Maintenance.RetryBase.Duration <= 0 {
		c.Maintenance.RetryBase = Duration{Duration: 250 * time.Millisecond}
	}
	if c.Maintenance.RetryMax.Duration <= 0 {
		c.Maintenance.RetryMax = Duration{Duration: 60 * time.Second}
	}
	if c.Maintenance.RetryMaxAttempts <= 0 {
		c.Maintenance.RetryMaxAttempts = 50
	}

	if c.Webhooks.Timeout.Duration <= 0 {
		c.Webhooks.Timeout = Duration{Duration: 10 * time.Second}
	}
	if c.Webhooks.Destinations == nil {
		c.Webhooks.Destinations = make(map[string]WebhookDestination)
	}
	if c.Webhooks.Receiver.Dir == "" {
		c.Webhooks.Receiver.Dir = "./data/deliveries"
	}

	if c.APIKey.Keys == nil {
		c.APIKey.Keys = make(map[string]APIKeyGrants)
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (use 'memory' or 'postgres')", c.Storage.Backend))
	}

	if c.Signing.SeedBase64 != "" {
		seed, err := base64.StdEncoding.DecodeString(c.Signing.SeedBase64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("signing.seed_base64 is not valid base64: %v", err))
		} else if len(seed) != ed25519.SeedSize {
			errs = append(errs, fmt.Sprintf("signing.seed_base64 must decode to %d bytes, got %d", ed25519.SeedSize, len(seed)))
		}
	}

	if c.Proxy.UpstreamURL != "" {
		u, err := url.Parse(c.Proxy.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("proxy.upstream_url %q is not an absolute URL", c.Proxy.UpstreamURL))
		}
	}

	for id, dest := range c.Webhooks.Destinations {
		if dest.URL == "" {
			errs = append(errs, fmt.Sprintf("webhooks.destinations.%s.url is required", id))
		}
		if dest.Secret == "" {
			errs = append(errs, fmt.Sprintf("webhooks.destinations.%s.secret is required", id))
		}
	}
	if c.Webhooks.Receiver.Enabled && c.Webhooks.Receiver.Secret == "" {
		errs = append(errs, "webhooks.receiver.secret is required when the receiver is enabled")
	}

	if c.APIKey.Enabled && len(c.APIKey.Keys) == 0 {
		errs = append(errs, "api_key.keys must define at least one key when api_key.enabled is true")
	}
	for _, grants := range c.APIKey.Keys {
		if len(grants.Scopes) == 0 {
			errs = append(errs, fmt.Sprintf("api_key key %q must grant at least one scope", grants.Name))
			continue
		}
		for _, scope := range grants.Scopes {
			switch scope {
			case "gate", "ops":
			default:
				errs = append(errs, fmt.Sprintf("api_key key %q grants unknown scope %q", grants.Name, scope))
			}
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// SigningSeed decodes the configured signing seed. Returns nil when no seed
// is configured.
func (c *Config) SigningSeed() ([]byte, error) {
	if c.Signing.SeedBase64 == "" {
		return nil, nil
	}
	seed, err := base64.StdEncoding.DecodeString(c.Signing.SeedBase64)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	return seed, nil
}
