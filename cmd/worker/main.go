package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/cihealer/internal/config"
	"github.com/nadmax/cihealer/internal/healing"
	"github.com/nadmax/cihealer/internal/job"
	"github.com/nadmax/cihealer/internal/learning"
	"github.com/nadmax/cihealer/internal/notify"
	"github.com/nadmax/cihealer/internal/queue"
	"github.com/nadmax/cihealer/internal/report"
	"github.com/nadmax/cihealer/internal/suggest"
	"github.com/nadmax/cihealer/internal/vcs"
	"github.com/nadmax/cihealer/internal/worker"
	"github.com/nadmax/cihealer/internal/worker/handlers"
	"github.com/spf13/afero"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	fs := afero.NewOsFs()

	cfg, err := config.Load(fs, "")
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := learning.Open(ctx, cfg.Learning.DSN, learning.WithLogger(logger))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close learning store", "error", err)
		}
	}()

	q, err := queue.NewQueue(ctx, cfg.Queue.RedisAddr)
	if err != nil {
		return err
	}

	defer func() {
		if err := q.Close(); err != nil {
			logger.Warn("failed to close worker queue", "error", err)
		}
	}()

	opts := []healing.Option{
		healing.WithFs(fs),
		healing.WithLogger(logger),
		healing.WithCommitter(vcs.New(".", vcs.WithLogger(logger))),
	}
	if cfg.Suggest.Enabled() {
		clientOpts := []suggest.Option{suggest.WithLogger(logger)}
		if cfg.Suggest.Timeout > 0 {
			clientOpts = append(clientOpts, suggest.WithTimeout(cfg.Suggest.Timeout))
		}
		client := suggest.New(cfg.Suggest.BaseURL, cfg.Suggest.APIKey, clientOpts...)
		if client.TestConnection(ctx) {
			logger.Info("suggestion service connected", "base_url", cfg.Suggest.BaseURL)
		}
		opts = append(opts, healing.WithAdvisor(client))
	} else {
		logger.Info("suggestion service disabled, healing with local knowledge only")
	}

	orch := healing.New(store, cfg.Healing, opts...)
	if err := orch.Start(ctx); err != nil {
		return err
	}

	defer func() {
		// the run context is already cancelled at this point
		endCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := orch.End(endCtx); err != nil {
			logger.Warn("failed to close learning session", "session_id", orch.SessionID(), "error", err)
		}
	}()

	mailer := notify.NewSendGrid(cfg.Notify.APIKey, cfg.Notify.FromName, cfg.Notify.FromAddress, notify.WithLogger(logger))

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	w := worker.NewWorker(workerID, q, logger)
	if cfg.Worker.PollInterval > 0 {
		w.SetPollInterval(cfg.Worker.PollInterval)
	}

	healHandler := handlers.NewHealHandler(orch, cfg.WorkflowPath, mailer, cfg.Notify.To, logger)
	reportHandler := handlers.NewReportHandler(store, report.NewExporter(fs), cfg.Report.Dir, logger)
	cleanupHandler := handlers.NewCleanupHandler(store, logger)

	w.RegisterHandler(job.TypeHealWorkflow, healHandler.Handle)
	w.RegisterHandler(job.TypeGenerateReport, reportHandler.Handle)
	w.RegisterHandler(job.TypeCleanup, cleanupHandler.Handle)
	w.RegisterHandler(job.TypeSendNotification, handlers.EmailHandler(mailer))

	go w.Start(ctx)

	logger.Info("worker started", "worker_id", workerID, "session_id", orch.SessionID())
	<-ctx.Done()

	logger.Info("shutting down worker", "worker_id", workerID)
	w.Stop()
	return nil
}
