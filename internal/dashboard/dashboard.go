// Package dashboard serves the monitoring views: job queue statistics and the
// contents of the learning store.
package dashboard

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/cihealer/internal/httputil"
	"github.com/nadmax/cihealer/internal/job"
	"github.com/nadmax/cihealer/internal/learning"
	"github.com/nadmax/cihealer/internal/queue"
)

type Dashboard struct {
	queue *queue.Queue
	store learning.Store
}

type Stats struct {
	TotalJobs       int            `json:"total_jobs"`
	PendingJobs     int            `json:"pending_jobs"`
	RunningJobs     int            `json:"running_jobs"`
	CompletedJobs   int            `json:"completed_jobs"`
	FailedJobs      int            `json:"failed_jobs"`
	DeadLetterJobs  int            `json:"dead_letter_jobs"`
	JobsByType      map[string]int `json:"jobs_by_type"`
	AverageWaitTime string         `json:"average_wait_time"`
	LastUpdated     time.Time      `json:"last_updated"`
}

type JobHistory struct {
	JobID       string         `json:"job_id"`
	Type        string         `json:"type"`
	Status      job.Status     `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	Duration    string         `json:"duration"`
	Result      map[string]any `json:"result,omitempty"`
}

func NewDashboard(q *queue.Queue, store learning.Store) *Dashboard {
	return &Dashboard{queue: q, store: store}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	jobs, err := d.queue.GetAllJobs(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		TotalJobs:   len(jobs),
		JobsByType:  make(map[string]int),
		LastUpdated: time.Now(),
	}

	var totalWaitTime time.Duration
	waitCount := 0

	for _, j := range jobs {
		switch j.Status {
		case job.StatusPending:
			stats.PendingJobs++
		case job.StatusRunning:
			stats.RunningJobs++
		case job.StatusCompleted:
			stats.CompletedJobs++
		case job.StatusFailed:
			stats.FailedJobs++
		case job.StatusDeadLetter:
			stats.DeadLetterJobs++
		}

		stats.JobsByType[j.Type]++

		if j.StartedAt != nil {
			totalWaitTime += j.StartedAt.Sub(j.CreatedAt)
			waitCount++
		}
	}

	if waitCount > 0 {
		avgWait := totalWaitTime / time.Duration(waitCount)
		stats.AverageWaitTime = avgWait.Round(time.Millisecond).String()
	} else {
		stats.AverageWaitTime = "N/A"
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (d *Dashboard) GetRecentJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := d.queue.GetAllJobs(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	history := []JobHistory{}

	for _, j := range jobs {
		if j.CompletedAt == nil || j.CompletedAt.Before(cutoff) {
			continue
		}

		var duration string
		if j.StartedAt != nil {
			duration = j.CompletedAt.Sub(*j.StartedAt).Round(time.Millisecond).String()
		}

		history = append(history, JobHistory{
			JobID:       j.ID,
			Type:        j.Type,
			Status:      j.Status,
			CreatedAt:   j.CreatedAt,
			CompletedAt: j.CompletedAt,
			Duration:    duration,
			Result:      j.Result,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, history)
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (d *Dashboard) GetReport(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, d.store.GenerateReport(r.Context()))
}

func (d *Dashboard) GetInsights(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", learning.DefaultInsightsLimit)
	httputil.WriteJSON(w, http.StatusOK, d.store.GetLearningInsights(r.Context(), limit))
}

func (d *Dashboard) GetPatterns(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, d.store.GetErrorPatterns(r.Context()))
}

// GetSimilarErrors matches on ?message= and ?context= substrings.
func (d *Dashboard) GetSimilarErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	message, errContext := q.Get("message"), q.Get("context")
	if message == "" && errContext == "" {
		httputil.WriteJSONError(w, "message or context is required", http.StatusBadRequest)
		return
	}

	limit := queryInt(r, "limit", learning.DefaultSimilarLimit)
	httputil.WriteJSON(w, http.StatusOK, d.store.GetSimilarErrors(r.Context(), message, errContext, limit))
}

func (d *Dashboard) GetError(w http.ResponseWriter, r *http.Request) {
	fp := strings.TrimPrefix(r.URL.Path, "/api/learning/errors/")
	if fp == "" {
		httputil.WriteJSONError(w, "Fingerprint is required", http.StatusBadRequest)
		return
	}

	rec := d.store.GetErrorRecord(r.Context(), fp)
	if rec == nil {
		httputil.WriteJSONError(w, "Error not found", http.StatusNotFound)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (d *Dashboard) GetBestSolution(w http.ResponseWriter, r *http.Request) {
	fp := strings.TrimPrefix(r.URL.Path, "/api/learning/solutions/")
	if fp == "" {
		httputil.WriteJSONError(w, "Fingerprint is required", http.StatusBadRequest)
		return
	}

	sol := d.store.GetBestSolution(r.Context(), fp)
	if sol == nil {
		httputil.WriteJSONError(w, "No solution recorded", http.StatusNotFound)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sol)
}
