package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nadmax/cihealer/internal/api"
	"github.com/nadmax/cihealer/internal/config"
	"github.com/nadmax/cihealer/internal/learning"
	"github.com/nadmax/cihealer/internal/middleware"
	"github.com/nadmax/cihealer/internal/queue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.Load(afero.NewOsFs(), "")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := queue.NewQueue(ctx, cfg.Queue.RedisAddr)
	if err != nil {
		logger.Error("failed to connect to redis", "addr", cfg.Queue.RedisAddr, "error", err)
		os.Exit(1)
	}

	defer func() {
		if err := q.Close(); err != nil {
			logger.Warn("failed to close server queue", "error", err)
		}
	}()

	store, err := learning.Open(ctx, cfg.Learning.DSN, learning.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open learning store", "error", err)
		os.Exit(1)
	}

	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close learning store", "error", err)
		}
	}()

	go startMetricsCollector(ctx, q, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", middleware.MetricsMiddleware(api.NewAPI(q, store, logger, api.WithWorkflowDir(filepath.Dir(cfg.WorkflowPath)))))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           otelhttp.NewHandler(mux, "cihealer-server"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "port", cfg.Server.Port, "redis", cfg.Queue.RedisAddr, "learning_dialect", learning.DialectFor(cfg.Learning.DSN))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
