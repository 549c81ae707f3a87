// Command settld-gateway runs the Settld payment gateway as a standalone
// HTTP service with the maintenance scheduler attached.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/SettldHQ/gateway/internal/config"
	"github.com/SettldHQ/gateway/internal/httpserver"
	"github.com/SettldHQ/gateway/internal/logger"
	"github.com/SettldHQ/gateway/pkg/settld"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	// A missing .env is fine; env vars may come from the real environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "settld-gateway",
		Environment: cfg.Logging.Environment,
	})

	app, err := settld.NewApp(cfg)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("wire application")
	}
	defer func() {
		if err := app.Close(); err != nil {
			appLogger.Error().Err(err).Msg("close resources")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go app.Scheduler.Run(ctx)

	server := httpserver.NewFromRouter(cfg, app.Router())

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("backend", cfg.Storage.Backend).
			Msg("gateway listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			appLogger.Fatal().Err(err).Msg("serve")
		}
	case <-ctx.Done():
		appLogger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("shutdown")
		os.Exit(1)
	}
	appLogger.Info().Msg("gateway stopped")
}
