// Package handlers provides job handlers for the worker.
// Each handler implements the business logic for a specific job type
// and can be registered with the worker to process jobs from the queue.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/nadmax/cihealer/internal/healing"
	"github.com/nadmax/cihealer/internal/job"
	"github.com/nadmax/cihealer/internal/notify"
)

type Healer interface {
	Heal(ctx context.Context, workflowPath, errorLog string) (*healing.Analysis, *healing.Result, error)
}

type HealHandler struct {
	healer      Healer
	mailer      notify.Mailer
	notifyTo    string
	defaultPath string
	logger      *slog.Logger
}

// NewHealHandler builds the heal_workflow handler. When mailer and notifyTo
// are set, failed heals are reported by email. Payload paths must lie in the
// directory of defaultPath.
func NewHealHandler(healer Healer, defaultPath string, mailer notify.Mailer, notifyTo string, logger *slog.Logger) *HealHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealHandler{
		healer:      healer,
		mailer:      mailer,
		notifyTo:    notifyTo,
		defaultPath: defaultPath,
		logger:      logger,
	}
}

// Handle heals one workflow failure. An unsuccessful fix completes the job
// with its outcome in the result; only learning store failures fail the job.
func (h *HealHandler) Handle(ctx context.Context, j *job.Job) error {
	errorLog := j.PayloadString("error_log")
	if errorLog == "" {
		return errors.New("missing 'error_log' field")
	}

	workflowPath := j.PayloadString("workflow_path")
	if workflowPath == "" {
		workflowPath = h.defaultPath
	} else if err := healing.CheckWorkflowPath(filepath.Dir(h.defaultPath), workflowPath); err != nil {
		h.logger.Warn("Rejected heal request", "job_id", j.ID, "workflow_path", workflowPath, "error", err)
		return err
	}

	analysis, res, err := h.healer.Heal(ctx, workflowPath, errorLog)
	if err != nil {
		return err
	}

	j.Result = map[string]any{
		"error_hash":    analysis.Fingerprint,
		"error_type":    analysis.ErrorType,
		"workflow_path": workflowPath,
		"outcome":       string(res.Outcome),
		"success":       res.Success,
		"path":          string(res.Fix.Path),
		"solution_type": res.Fix.Kind,
		"confidence":    res.Fix.Confidence,
		"committed":     res.Committed,
		"pushed":        res.Pushed,
	}
	if res.Error != "" {
		j.Result["error"] = res.Error
	}

	h.logger.Info("heal job finished",
		"job_id", j.ID,
		"error_type", analysis.ErrorType,
		"outcome", res.Outcome,
		"solution_type", res.Fix.Kind,
	)

	if !res.Success {
		h.notifyFailure(ctx, analysis, res)
	}
	return nil
}

func (h *HealHandler) notifyFailure(ctx context.Context, a *healing.Analysis, res *healing.Result) {
	if h.mailer == nil || h.notifyTo == "" {
		return
	}

	subject, body := notify.HealFailure(a.Workflow, a.ErrorType, res.Fix.Kind, res.Error)
	if err := h.mailer.Send(ctx, h.notifyTo, subject, body); err != nil {
		h.logger.Warn("failed to send heal failure notification", "to", h.notifyTo, "error", err)
	}
}
