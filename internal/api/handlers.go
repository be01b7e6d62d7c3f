// Package api exposes the healing job queue and the learning store over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nadmax/cihealer/internal/dashboard"
	"github.com/nadmax/cihealer/internal/healing"
	"github.com/nadmax/cihealer/internal/httputil"
	"github.com/nadmax/cihealer/internal/job"
	"github.com/nadmax/cihealer/internal/learning"
	"github.com/nadmax/cihealer/internal/queue"
)

type API struct {
	queue       *queue.Queue
	store       learning.Store
	mux         *http.ServeMux
	logger      *slog.Logger
	workflowDir string
}

type Option func(*API)

// WithWorkflowDir restricts heal requests to files under dir.
func WithWorkflowDir(dir string) Option {
	return func(a *API) { a.workflowDir = dir }
}

type JobRequest struct {
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Priority   string         `json:"priority"`
	ScheduleIn *int           `json:"schedule_in"`
}

type HealRequest struct {
	WorkflowPath string `json:"workflow_path"`
	ErrorLog     string `json:"error_log"`
	Priority     string `json:"priority"`
}

var knownTypes = map[string]bool{
	job.TypeHealWorkflow:     true,
	job.TypeGenerateReport:   true,
	job.TypeCleanup:          true,
	job.TypeSendNotification: true,
}

func NewAPI(q *queue.Queue, store learning.Store, logger *slog.Logger, opts ...Option) *API {
	if logger == nil {
		logger = slog.Default()
	}
	api := &API{
		queue:       q,
		store:       store,
		mux:         http.NewServeMux(),
		logger:      logger,
		workflowDir: healing.DefaultWorkflowDir,
	}
	for _, opt := range opts {
		opt(api)
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/healthz", a.handleHealth)
	a.mux.HandleFunc("/api/jobs", a.handleJobs)
	a.mux.HandleFunc("/api/jobs/", a.handleJobByID)
	a.mux.HandleFunc("/api/heal", a.handleHeal)
	a.mux.HandleFunc("/api/dlq/jobs", a.handleDeadLetterJobs)
	a.mux.HandleFunc("/api/dlq/jobs/", a.handleDeadLetterJob)

	dash := dashboard.NewDashboard(a.queue, a.store)
	a.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("/api/dashboard/history", dash.GetRecentJobs)
	a.mux.HandleFunc("/api/learning/report", dash.GetReport)
	a.mux.HandleFunc("/api/learning/insights", dash.GetInsights)
	a.mux.HandleFunc("/api/learning/patterns", dash.GetPatterns)
	a.mux.HandleFunc("/api/learning/similar", dash.GetSimilarErrors)
	a.mux.HandleFunc("/api/learning/errors/", dash.GetError)
	a.mux.HandleFunc("/api/learning/solutions/", dash.GetBestSolution)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return false
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.logger.Warn("failed to close request body", "error", err)
		}
	}()

	if err := json.Unmarshal(body, v); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *API) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createJob(w, r)
	case http.MethodGet:
		a.listJobs(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if !a.decode(w, r, &req) {
		return
	}

	if req.Type == "" {
		httputil.WriteJSONError(w, "Job type is required", http.StatusBadRequest)
		return
	}
	if !knownTypes[req.Type] {
		httputil.WriteJSONError(w, "Unknown job type: "+req.Type, http.StatusBadRequest)
		return
	}

	if req.Type == job.TypeHealWorkflow {
		if path, ok := req.Payload["workflow_path"].(string); ok && path != "" {
			if err := healing.CheckWorkflowPath(a.workflowDir, path); err != nil {
				httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
	}

	j := job.New(req.Type, req.Payload, job.ParsePriority(req.Priority))
	if req.ScheduleIn != nil {
		j.ScheduledAt = time.Now().Add(time.Duration(*req.ScheduleIn) * time.Second)
	}

	a.enqueue(w, r, j)
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request, j *job.Job) {
	if err := a.queue.Enqueue(r.Context(), j); err != nil {
		a.logger.Error("failed to enqueue job", "job_type", j.Type, "error", err)
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.logger.Info("job enqueued", "job_id", j.ID, "job_type", j.Type, "priority", j.Priority.String())
	httputil.WriteJSON(w, http.StatusCreated, j)
}

// handleHeal enqueues a heal_workflow job. Heals default to high priority.
func (a *API) handleHeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req HealRequest
	if !a.decode(w, r, &req) {
		return
	}

	if strings.TrimSpace(req.ErrorLog) == "" {
		httputil.WriteJSONError(w, "error_log is required", http.StatusBadRequest)
		return
	}

	if req.WorkflowPath != "" {
		if err := healing.CheckWorkflowPath(a.workflowDir, req.WorkflowPath); err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	priority := job.PriorityHigh
	if req.Priority != "" {
		priority = job.ParsePriority(req.Priority)
	}

	payload := map[string]any{"error_log": req.ErrorLog}
	if req.WorkflowPath != "" {
		payload["workflow_path"] = req.WorkflowPath
	}

	a.enqueue(w, r, job.New(job.TypeHealWorkflow, payload, priority))
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.queue.GetAllJobs(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := make([]*job.Job, 0, len(jobs))
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	httputil.WriteJSON(w, http.StatusOK, jobs)
}

func (a *API) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if jobID == "" {
		httputil.WriteJSONError(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	a.writeJob(w, r, jobID)
}

func (a *API) writeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	j, err := a.queue.GetJob(r.Context(), jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		httputil.WriteJSONError(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, j)
}

func (a *API) handleDeadLetterJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobs, err := a.queue.DeadLetterJobs(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, jobs)
}

func (a *API) handleDeadLetterJob(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/dlq/jobs/"), "/")
	jobID := parts[0]
	if jobID == "" {
		httputil.WriteJSONError(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.writeJob(w, r, jobID)
	case len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost:
		a.retryDeadLetterJob(w, r, jobID)
	case len(parts) > 2 || (len(parts) == 2 && parts[1] != "retry"):
		httputil.WriteJSONError(w, "Not found", http.StatusNotFound)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) retryDeadLetterJob(w http.ResponseWriter, r *http.Request, jobID string) {
	j, err := a.queue.RetryDeadLetter(r.Context(), jobID)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		httputil.WriteJSONError(w, "Job not found", http.StatusNotFound)
		return
	case errors.Is(err, queue.ErrNotDeadLettered):
		httputil.WriteJSONError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.logger.Info("dead letter job requeued", "job_id", j.ID, "job_type", j.Type)
	httputil.WriteJSON(w, http.StatusOK, j)
}
