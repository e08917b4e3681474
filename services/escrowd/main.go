package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowdao/observability/logging"
	telemetry "escrowdao/observability/otel"
	"escrowdao/services/escrowd/config"
)

func main() {
	configPath := flag.String("config", "services/escrowd/config.example.yaml", "path to escrowd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.Setup("escrowd", cfg.Environment, logging.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTel("escrowd"))
	if err != nil {
		logger.Error("init telemetry", slog.Any("error", err))
		os.Exit(1)
	}

	application, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("init escrowd", slog.Any("error", err))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           application.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("escrowd listening", slog.String("addr", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.Any("error", err))
		}
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
		return nil
	})

	runErr := group.Wait()
	if err := application.Close(); err != nil {
		logger.Warn("close resources", slog.Any("error", err))
	}
	if runErr != nil {
		logger.Error("escrowd stopped", slog.Any("error", runErr))
		os.Exit(1)
	}
	logger.Info("escrowd stopped")
}
