package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"refurb-tracker/internal/config"
	"refurb-tracker/internal/effects"
	"refurb-tracker/internal/models"
	"refurb-tracker/internal/objstore"
	"refurb-tracker/internal/store"
	"refurb-tracker/internal/telemetry"
	"refurb-tracker/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	queue := effects.NewQueue(cfg)
	uploader, err := objstore.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init evidence storage", zap.Error(err))
	}

	processor := worker.NewProcessor(cfg, queue, st, logger)
	processor.RegisterHandler(models.EffectDiagnosticsSync,
		worker.NewDiagnosticsHandler(cfg, st, logger).Handle)
	processor.RegisterHandler(models.EffectCompletionNotice,
		worker.NewCompletionNotifier(cfg, logger).Handle)
	processor.RegisterHandler(models.EffectEvidenceThumbnail,
		worker.NewThumbnailHandler(cfg, st, uploader, logger).Handle)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial))
	if err := processor.Run(ctx); err != nil {
		logger.Info("worker stopped", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
