// Package httpserver exposes the gate lifecycle API, the ops surface, the
// webhook receiver, the well-known keyset, and the transparent x402 proxy on
// one chi router.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/SettldHQ/gateway/internal/apikey"
	"github.com/SettldHQ/gateway/internal/config"
	"github.com/SettldHQ/gateway/internal/gate"
	"github.com/SettldHQ/gateway/internal/logger"
	"github.com/SettldHQ/gateway/internal/maintenance"
	"github.com/SettldHQ/gateway/internal/metrics"
	"github.com/SettldHQ/gateway/internal/ratelimit"
	"github.com/SettldHQ/gateway/internal/storage"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg       *config.Config
	gates     *gate.Service
	store     storage.Store
	scheduler *maintenance.Scheduler
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New builds the HTTP server with configured router. proxyHandler and
// receiverHandler may be nil when those surfaces are disabled.
func New(cfg *config.Config, gates *gate.Service, store storage.Store, scheduler *maintenance.Scheduler, proxyHandler, receiverHandler http.Handler, metricsCollector *metrics.Metrics, gatherer prometheus.Gatherer, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:       cfg,
			gates:     gates,
			store:     store,
			scheduler: scheduler,
			metrics:   metricsCollector,
			logger:    appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, gates, store, scheduler, proxyHandler, receiverHandler, metricsCollector, gatherer, appLogger)

	return s
}

// NewFromRouter wraps an already configured router in a Server using the
// listener settings from cfg. Used when route wiring happened elsewhere.
func NewFromRouter(cfg *config.Config, router chi.Router) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
}

// ConfigureRouter attaches Settld routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, gates *gate.Service, store storage.Store, scheduler *maintenance.Scheduler, proxyHandler, receiverHandler http.Handler, metricsCollector *metrics.Metrics, gatherer prometheus.Gatherer, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:       cfg,
		gates:     gates,
		store:     store,
		scheduler: scheduler,
		metrics:   metricsCollector,
		logger:    appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Rate limiting middleware (applied globally)
	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:    cfg.RateLimit.GlobalEnabled,
		GlobalLimit:      cfg.RateLimit.GlobalLimit,
		GlobalWindow:     cfg.RateLimit.GlobalWindow.Duration,
		PerTenantEnabled: cfg.RateLimit.PerTenantEnabled,
		PerTenantLimit:   cfg.RateLimit.PerTenantLimit,
		PerTenantWindow:  cfg.RateLimit.PerTenantWindow.Duration,
		PerIPEnabled:     cfg.RateLimit.PerIPEnabled,
		PerIPLimit:       cfg.RateLimit.PerIPLimit,
		PerIPWindow:      cfg.RateLimit.PerIPWindow.Duration,
		Metrics:          metricsCollector,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.TenantLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	apiKeyCfg := apikey.Config{
		Enabled: cfg.APIKey.Enabled,
		Keys:    make(map[string]apikey.Key, len(cfg.APIKey.Keys)),
	}
	for secret, grants := range cfg.APIKey.Keys {
		scopes := make([]apikey.Scope, 0, len(grants.Scopes))
		for _, s := range grants.Scopes {
			scopes = append(scopes, apikey.Scope(s))
		}
		apiKeyCfg.Keys[secret] = apikey.Key{Name: grants.Name, Scopes: scopes}
	}
	authenticate := apikey.Middleware(apiKeyCfg)

	// Lightweight endpoints with 5s timeout (health, keyset, metrics)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", handler.health)
		r.Get("/.well-known/settldpay-keyset", handler.wellKnownKeyset)
		if gatherer != nil {
			r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).
				Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		} else {
			r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).
				Handle("/metrics", promhttp.Handler())
		}
	})

	// Webhook receiver: authenticated by its own HMAC envelope, not API keys.
	if receiverHandler != nil {
		router.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Method(http.MethodPost, "/deliveries/nooterra", receiverHandler)
		})
	}

	// Gate lifecycle API
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(authenticate)
		r.Use(apikey.RequireScope(apikey.ScopeGate))
		r.Use(requireTenant)
		r.Use(protocolHeader)

		r.With(handler.idempotent("gate.create", nil)).Post("/x402/gate/create", handler.createGate)
		r.With(handler.idempotent("gate.quote", nil)).Post("/x402/gate/quote", handler.quoteGate)
		r.With(handler.idempotent("gate.authorize", authorizeReplayGuard)).Post("/x402/gate/authorize-payment", handler.authorizePayment)
		r.With(handler.idempotent("gate.verify", nil)).Post("/x402/gate/verify", handler.verifyGate)
		r.Post("/x402/gate/hold/challenge", handler.challengeHold)
		r.Get("/x402/gate/{gateID}", handler.getGate)
	})

	// Transparent x402 proxy
	if proxyHandler != nil {
		router.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Use(authenticate)
			r.Use(apikey.RequireScope(apikey.ScopeGate))
			r.Handle("/proxy/*", http.StripPrefix("/proxy", proxyHandler))
		})
	}

	// Ops surface
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(authenticate)
		r.Use(apikey.RequireScope(apikey.ScopeOps))

		r.Post("/ops/maintenance/holdback/run", handler.runMaintenance)
		r.With(requireTenant).Post("/ops/holds/verdict", handler.holdVerdict)
		r.With(requireTenant).Post("/ops/wallets/credit", handler.creditWallet)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
