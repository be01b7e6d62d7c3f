// Package queue is the Redis-backed job queue shared by the API server and the
// healing worker. Jobs live in a hash keyed by id; scheduling order lives in a
// sorted set scored by scheduled time and inverted priority.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/cihealer/internal/job"
	"github.com/nadmax/cihealer/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	jobsKey       = "cihealer:jobs"
	scheduleKey   = "cihealer:job_queue"
	deadLetterKey = "cihealer:dead_letter"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrNotDeadLettered = errors.New("job is not in the dead letter queue")
)

type Queue struct {
	client *redis.Client
}

func NewQueue(ctx context.Context, redisAddr string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func score(j *job.Job) float64 {
	invertedPriority := float64(job.PriorityHigh - j.Priority)
	return float64(j.ScheduledAt.Unix())*1000 + invertedPriority
}

func (q *Queue) Enqueue(ctx context.Context, j *job.Job) error {
	jobJSON, err := j.ToJSON()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobsKey, j.ID, jobJSON)
	pipe.ZAdd(ctx, scheduleKey, redis.Z{Score: score(j), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", j.ID, err)
	}

	metrics.RecordJobEnqueued(j.Type, j.Priority)
	return nil
}

// Dequeue pops the next due job, or returns nil when nothing is due. A job
// claimed concurrently by another worker is skipped.
func (q *Queue) Dequeue(ctx context.Context) (*job.Job, error) {
	now := time.Now().Unix()
	maxScore := float64(now)*1000 + float64(job.PriorityHigh-job.PriorityLow)

	results, err := q.client.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", maxScore),
		Count: 1,
	}).Result()
	if err != nil || len(results) == 0 {
		return nil, err
	}

	jobID := results[0]
	removed, err := q.client.ZRem(ctx, scheduleKey, jobID).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, nil
	}

	j, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	metrics.RecordJobWaitTime(j.Type, j.Priority, time.Since(j.ScheduledAt))
	return j, nil
}

func (q *Queue) UpdateJob(ctx context.Context, j *job.Job) error {
	jobJSON, err := j.ToJSON()
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, jobsKey, j.ID, jobJSON).Err()
}

func (q *Queue) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	jobJSON, err := q.client.HGet(ctx, jobsKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	return job.FromJSON(jobJSON)
}

func (q *Queue) GetAllJobs(ctx context.Context) ([]*job.Job, error) {
	jobMap, err := q.client.HGetAll(ctx, jobsKey).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(jobMap))
	for _, jobJSON := range jobMap {
		j, err := job.FromJSON(jobJSON)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}

	return jobs, nil
}

// MoveToDeadLetter parks a job that exhausted its retries.
func (q *Queue) MoveToDeadLetter(ctx context.Context, j *job.Job, reason string) error {
	j.Status = job.StatusDeadLetter
	j.Error = reason

	jobJSON, err := j.ToJSON()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobsKey, j.ID, jobJSON)
	pipe.ZRem(ctx, scheduleKey, j.ID)
	pipe.RPush(ctx, deadLetterKey, j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move job %s to dead letter: %w", j.ID, err)
	}

	metrics.RecordJobDeadLettered(j.Type)
	return nil
}

func (q *Queue) DeadLetterJobs(ctx context.Context) ([]*job.Job, error) {
	ids, err := q.client.LRange(ctx, deadLetterKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := q.GetJob(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// RetryDeadLetter takes a parked job off the dead letter list and schedules it
// again with a fresh retry budget.
func (q *Queue) RetryDeadLetter(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusDeadLetter {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, jobID, j.Status)
	}

	removed, err := q.client.LRem(ctx, deadLetterKey, 0, jobID).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotDeadLettered, jobID)
	}

	j.Status = job.StatusPending
	j.RetryCount = 0
	j.Error = ""
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ScheduledAt = time.Now()
	if err := q.Enqueue(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Depth reports the scheduled and dead-lettered job counts and refreshes the gauges.
func (q *Queue) Depth(ctx context.Context) (int64, int64, error) {
	scheduled, err := q.client.ZCard(ctx, scheduleKey).Result()
	if err != nil {
		return 0, 0, err
	}
	dead, err := q.client.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return 0, 0, err
	}

	metrics.UpdateQueueDepth(int(scheduled))
	metrics.UpdateDeadLetterQueueDepth(int(dead))
	return scheduled, dead, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
