package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentlens/optimizer/internal/adapter/executor"
	"github.com/agentlens/optimizer/internal/config"
	"github.com/agentlens/optimizer/internal/metrics"
	"github.com/agentlens/optimizer/internal/repository"
	"github.com/agentlens/optimizer/internal/service"
	"github.com/agentlens/optimizer/internal/transport/http/internalapi"
	v1 "github.com/agentlens/optimizer/internal/transport/http/v1"
	"github.com/agentlens/optimizer/policy"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	logger.Info().
		Int("http_port", cfg.HTTPPort).
		Int("internal_port", cfg.InternalPort).
		Str("database", cfg.DatabaseURL).
		Str("executor_url", cfg.ExecutorURL).
		Msg("starting optimizer orchestrator")

	// Store
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer store.Close()

	// Promotion gate
	ctx := context.Background()
	gate, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize promotion gate")
	}

	// Collaborators
	collaborators := executor.NewClient(cfg.ExecutorURL, cfg.DeployerURL)

	// Controller
	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)
	svc := service.New(store, collaborators, collaborators, gate, cfg, logger, recorder)
	defer svc.Shutdown()

	// Resume any loops that were in flight when the previous process died.
	if err := svc.Recover(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to recover in-flight loops")
	}

	// External server: operator control surface.
	externalServer := echo.New()
	externalServer.HideBanner = true
	externalServer.Use(middleware.Logger())
	externalServer.Use(middleware.Recover())
	externalServer.Use(middleware.CORS())
	v1.NewHandler(svc).RegisterRoutes(externalServer)

	// Internal server: stage executors and the production monitor.
	internalServer := echo.New()
	internalServer.HideBanner = true
	internalServer.Use(middleware.Logger())
	internalServer.Use(middleware.Recover())
	internalapi.NewHandler(svc).RegisterRoutes(internalServer)
	internalServer.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start external server")
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start internal server")
		}
	}()

	logger.Info().Int("port", cfg.HTTPPort).Msg("external API started")
	logger.Info().Int("port", cfg.InternalPort).Msg("internal API started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("external server shutdown failed")
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("internal server shutdown failed")
	}
}
