// Package settld wires the gateway components for standalone serving or
// embedding into a host application's router.
package settld

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/SettldHQ/gateway/internal/circuitbreaker"
	"github.com/SettldHQ/gateway/internal/config"
	"github.com/SettldHQ/gateway/internal/gate"
	"github.com/SettldHQ/gateway/internal/httpserver"
	"github.com/SettldHQ/gateway/internal/httputil"
	"github.com/SettldHQ/gateway/internal/lifecycle"
	"github.com/SettldHQ/gateway/internal/logger"
	"github.com/SettldHQ/gateway/internal/maintenance"
	"github.com/SettldHQ/gateway/internal/metrics"
	"github.com/SettldHQ/gateway/internal/proxy"
	"github.com/SettldHQ/gateway/internal/signing"
	"github.com/SettldHQ/gateway/internal/storage"
	"github.com/SettldHQ/gateway/internal/webhooks"
)

// upstreamClientTimeout bounds a single proxied exchange end to end. The
// proxy route group enforces its own request timeout above this.
const upstreamClientTimeout = 60 * time.Second

// App wires the Settld gateway components for reuse or standalone serving.
type App struct {
	Config    *config.Config
	Store     storage.Store
	Signer    *signing.KeyPair
	Gates     *gate.Service
	Scheduler *maintenance.Scheduler
	Deliverer *webhooks.Deliverer
	Proxy     *proxy.Proxy
	Receiver  *webhooks.Receiver

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
	registry         *prometheus.Registry
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store  storage.Store
	signer *signing.KeyPair
	router chi.Router
}

// WithStore sets a custom storage backend.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithSigner injects the tenant signing key pair.
func WithSigner(signer *signing.KeyPair) Option {
	return func(o *options) {
		o.signer = signer
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// NewApp assembles the gateway services for embedding.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("settld: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
		registry:        prometheus.NewRegistry(),
	}
	app.metricsCollector = metrics.New(app.registry)

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "settld-gateway",
		Environment: cfg.Logging.Environment,
	})

	if optState.store != nil {
		app.Store = optState.store
	} else {
		switch cfg.Storage.Backend {
		case "postgres":
			store, err := storage.NewPostgresStore(context.Background(), cfg.Storage.PostgresURL,
				cfg.Storage.PostgresPool.MaxOpenConns,
				cfg.Storage.PostgresPool.MaxIdleConns,
				cfg.Storage.PostgresPool.ConnMaxLifetime.Duration)
			if err != nil {
				return nil, fmt.Errorf("settld: open postgres store: %w", err)
			}
			app.Store = store
		default:
			app.Store = storage.NewMemoryStore()
			log.Warn().
				Msg("settld: defaulting to in-memory store, gates will not survive a restart")
		}
		app.resourceManager.Register("storage", app.Store)
	}

	if optState.signer != nil {
		app.Signer = optState.signer
	} else {
		seed, err := cfg.SigningSeed()
		if err != nil {
			return nil, err
		}
		if seed != nil {
			app.Signer, err = signing.KeyPairFromSeed(seed)
		} else {
			app.Signer, err = signing.GenerateKeyPair()
			log.Warn().
				Msg("settld: generated ephemeral signing key, outstanding tokens will not survive a restart")
		}
		if err != nil {
			return nil, err
		}
	}

	app.Gates = gate.NewService(app.Store, app.Signer, gate.Config{
		GateTTL:  cfg.Gate.GateTTL.Duration,
		QuoteTTL: cfg.Gate.QuoteTTL.Duration,
		TokenTTL: cfg.Gate.TokenTTL.Duration,
	}, appLogger)

	breakers := circuitbreaker.NewManager(breakerConfig(cfg.CircuitBreaker), appLogger)

	destinations := make(map[string]webhooks.Destination, len(cfg.Webhooks.Destinations))
	for id, dest := range cfg.Webhooks.Destinations {
		destinations[id] = webhooks.Destination{URL: dest.URL, Secret: dest.Secret}
	}
	if len(destinations) == 0 {
		log.Warn().
			Msg("settld: no webhook destinations configured, settlement artifacts will fail delivery")
	}
	app.Deliverer = webhooks.NewDeliverer(destinations,
		httputil.NewClient(cfg.Webhooks.Timeout.Duration), breakers, appLogger, app.metricsCollector)

	app.Scheduler = maintenance.NewScheduler(app.Store, app.Gates, app.Deliverer, maintenance.Config{
		TickInterval:     cfg.Maintenance.TickInterval.Duration,
		BatchSize:        cfg.Maintenance.BatchSize,
		RetryBase:        cfg.Maintenance.RetryBase.Duration,
		RetryMax:         cfg.Maintenance.RetryMax.Duration,
		RetryMaxAttempts: cfg.Maintenance.RetryMaxAttempts,
	}, appLogger, app.metricsCollector)

	var proxyHandler http.Handler
	if cfg.Proxy.UpstreamURL != "" {
		upstream, err := url.Parse(cfg.Proxy.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("settld: parse upstream url: %w", err)
		}
		app.Proxy = proxy.New(app.Gates, proxy.Config{
			Upstream:             upstream,
			ProviderPublicKeyPem: cfg.Proxy.ProviderPublicKeyPem,
			MaxResponseBytes:     cfg.Proxy.MaxResponseBytes,
		}, httputil.NewClient(upstreamClientTimeout), breakers, appLogger, app.metricsCollector)
		proxyHandler = app.Proxy
	}

	var receiverHandler http.Handler
	if cfg.Webhooks.Receiver.Enabled {
		receiver, err := webhooks.NewReceiver(cfg.Webhooks.Receiver.Secret, cfg.Webhooks.Receiver.Dir, appLogger)
		if err != nil {
			return nil, err
		}
		app.Receiver = receiver
		receiverHandler = receiver
	}

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	httpserver.ConfigureRouter(app.router, cfg, app.Gates, app.Store, app.Scheduler,
		proxyHandler, receiverHandler, app.metricsCollector, app.registry, appLogger)

	return app, nil
}

// breakerConfig translates file configuration into breaker settings.
func breakerConfig(cfg config.CircuitBreakerConfig) circuitbreaker.Config {
	convert := func(b config.BreakerServiceConfig) circuitbreaker.BreakerConfig {
		return circuitbreaker.BreakerConfig{
			MaxRequests:         b.MaxRequests,
			Interval:            b.Interval.Duration,
			Timeout:             b.Timeout.Duration,
			ConsecutiveFailures: b.ConsecutiveFailures,
			FailureRatio:        b.FailureRatio,
			MinRequests:         b.MinRequests,
		}
	}
	return circuitbreaker.Config{
		Enabled:  cfg.Enabled,
		Upstream: convert(cfg.Upstream),
		JWKS:     convert(cfg.JWKS),
		Webhook:  convert(cfg.Webhook),
	}
}

// Router returns the chi router with gateway routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Metrics exposes the collector for callers adding their own observations.
func (a *App) Metrics() *metrics.Metrics {
	return a.metricsCollector
}

// Close releases resources owned by the app.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the gateway.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
