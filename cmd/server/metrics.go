package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/cihealer/internal/job"
	"github.com/nadmax/cihealer/internal/metrics"
	"github.com/nadmax/cihealer/internal/queue"
)

func startMetricsCollector(ctx context.Context, q *queue.Queue, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateQueueMetrics(ctx, q, logger)
		}
	}
}

func updateQueueMetrics(ctx context.Context, q *queue.Queue, logger *slog.Logger) {
	jobs, err := q.GetAllJobs(ctx)
	if err != nil {
		logger.Warn("failed to get jobs for metrics", "error", err)
		return
	}

	jobsByStatus := make(map[job.Status]map[string]int)
	for _, j := range jobs {
		if jobsByStatus[j.Status] == nil {
			jobsByStatus[j.Status] = make(map[string]int)
		}
		jobsByStatus[j.Status][j.Type]++
	}

	metrics.UpdateJobGauges(jobsByStatus)

	if _, _, err := q.Depth(ctx); err != nil {
		logger.Warn("failed to read queue depth", "error", err)
	}
}
