package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"generation-orchestrator/internal/api"
	"generation-orchestrator/internal/app"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(os.Stderr, "error", "json").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("start orchestrator", "error", err)
		os.Exit(1)
	}

	var archive api.Archive
	if a.Store != nil {
		archive = a.Store
	}
	server := api.New(api.Options{
		WaitTimeout:       cfg.WaitTimeout,
		DefaultMaxRetries: cfg.Retry.MaxRetries,
	}, a.Registry, a.Generation, a.Sections, a.Pipeline, archive, a.TenantLimiter, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown", "error", err)
	}
}
