// Package worker provides the background job processor that consumes and executes healing jobs from the queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadmax/cihealer/internal/job"
	"github.com/nadmax/cihealer/internal/metrics"
	"github.com/nadmax/cihealer/internal/queue"
)

const (
	DefaultPollInterval = time.Second
	retryBackoff        = 10 * time.Second
)

type Handler func(ctx context.Context, j *job.Job) error

var activeWorkers atomic.Int64

type Worker struct {
	id           string
	queue        *queue.Queue
	handlers     map[string]Handler
	logger       *slog.Logger
	pollInterval time.Duration
	stop         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
}

func NewWorker(id string, q *queue.Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:           id,
		queue:        q,
		handlers:     make(map[string]Handler),
		logger:       logger.With("worker_id", id),
		pollInterval: DefaultPollInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (w *Worker) RegisterHandler(jobType string, handler Handler) {
	w.handlers[jobType] = handler
}

func (w *Worker) SetPollInterval(d time.Duration) {
	w.pollInterval = d
}

// Start polls the queue until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("worker started")
	metrics.UpdateActiveWorkers(int(activeWorkers.Add(1)))
	defer func() {
		metrics.UpdateActiveWorkers(int(activeWorkers.Add(-1)))
		w.logger.Info("worker stopped")
	}()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		j, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Warn("dequeue failed", "error", err)
		}
		if j != nil {
			w.processJob(ctx, j)
			continue
		}

		if _, _, err := w.queue.Depth(ctx); err != nil {
			w.logger.Debug("failed to read queue depth", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) update(ctx context.Context, j *job.Job) {
	if err := w.queue.UpdateJob(ctx, j); err != nil {
		w.logger.Error("failed to update job", "job_id", j.ID, "status", j.Status, "error", err)
	}
}

func (w *Worker) processJob(ctx context.Context, j *job.Job) {
	logger := w.logger.With("job_id", j.ID, "job_type", j.Type)
	logger.Info("processing job")

	start := time.Now()
	j.Status = job.StatusRunning
	j.StartedAt = &start
	w.update(ctx, j)

	handler, exists := w.handlers[j.Type]
	if !exists {
		j.Status = job.StatusFailed
		j.Error = fmt.Sprintf("no handler for job type: %s", j.Type)
		w.update(ctx, j)
		metrics.RecordJobFailed(j.Type, time.Since(start))
		logger.Error("no handler registered")
		return
	}

	err := handler(ctx, j)
	completedAt := time.Now()
	j.CompletedAt = &completedAt
	duration := completedAt.Sub(start)

	if err == nil {
		j.Status = job.StatusCompleted
		j.Error = ""
		w.update(ctx, j)
		metrics.RecordJobCompleted(j.Type, duration)
		logger.Info("job completed", "duration", duration)
		return
	}

	j.RetryCount++
	j.Error = err.Error()
	if j.RetryCount < j.MaxRetries {
		j.Status = job.StatusPending
		j.ScheduledAt = time.Now().Add(time.Duration(j.RetryCount) * retryBackoff)
		if err := w.queue.Enqueue(ctx, j); err != nil {
			logger.Error("failed to re-enqueue job", "error", err)
		}
		metrics.RecordJobRetried(j.Type)
		logger.Warn("job failed, will retry", "retry", j.RetryCount, "max_retries", j.MaxRetries, "error", err)
		return
	}

	j.Status = job.StatusFailed
	metrics.RecordJobFailed(j.Type, duration)
	if err := w.queue.MoveToDeadLetter(ctx, j, j.Error); err != nil {
		logger.Error("failed to move job to dead letter", "error", err)
		w.update(ctx, j)
	}
	logger.Error("job failed permanently", "error", err)
}

// Stop signals Start to return and waits for it. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
