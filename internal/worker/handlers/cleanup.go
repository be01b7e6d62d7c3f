package handlers

import (
	"context"
	"log/slog"

	"github.com/nadmax/cihealer/internal/job"
	"github.com/nadmax/cihealer/internal/learning"
)

type CleanupHandler struct {
	store  learning.Store
	logger *slog.Logger
}

func NewCleanupHandler(store learning.Store, logger *slog.Logger) *CleanupHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupHandler{store: store, logger: logger}
}

func (ch *CleanupHandler) Handle(ctx context.Context, j *job.Job) error {
	days := j.PayloadInt("days_to_keep", learning.DefaultDaysToKeep)

	res, err := ch.store.CleanupOldData(ctx, days)
	if err != nil {
		return err
	}

	j.Result = map[string]any{
		"errors_deleted":  res.ErrorsDeleted,
		"metrics_deleted": res.MetricsDeleted,
		"days_kept":       res.DaysKept,
	}
	ch.logger.Info("learning data cleaned up", "job_id", j.ID, "errors_deleted", res.ErrorsDeleted, "metrics_deleted", res.MetricsDeleted)
	return nil
}
