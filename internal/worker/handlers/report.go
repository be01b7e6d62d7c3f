package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/cihealer/internal/job"
	"github.com/nadmax/cihealer/internal/learning"
	"github.com/nadmax/cihealer/internal/report"
)

type ReportPayload struct {
	Format     string `json:"format"`
	OutputPath string `json:"output_path"`
	ScheduleIn int    `json:"schedule_in"`
}

type ReportHandler struct {
	store    learning.Store
	exporter *report.Exporter
	dir      string
	logger   *slog.Logger
}

func NewReportHandler(store learning.Store, exporter *report.Exporter, dir string, logger *slog.Logger) *ReportHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportHandler{store: store, exporter: exporter, dir: dir, logger: logger}
}

func (rh *ReportHandler) Handle(ctx context.Context, j *job.Job) error {
	payload, err := parsePayload(j.Payload, rh.dir)
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payload.ScheduleIn > 0 {
		rh.logger.Info("delaying report generation", "job_id", j.ID, "seconds", payload.ScheduleIn)

		select {
		case <-time.After(time.Duration(payload.ScheduleIn) * time.Second):
		case <-ctx.Done():
			rh.logger.Info("job cancelled during delay", "job_id", j.ID)
			return ctx.Err()
		}
	}

	r := rh.store.GenerateReport(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	path, err := rh.exporter.Save(r, payload.OutputPath, payload.Format)
	if err != nil {
		return err
	}

	j.Result = map[string]any{
		"path":         path,
		"format":       payload.Format,
		"total_errors": r.Summary.TotalErrors,
	}
	rh.logger.Info("report generated", "job_id", j.ID, "path", path)
	return nil
}

func parsePayload(payload map[string]any, defaultDir string) (*ReportPayload, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var rp ReportPayload
	if err := json.Unmarshal(data, &rp); err != nil {
		return nil, err
	}

	if rp.OutputPath == "" {
		rp.OutputPath = defaultDir
	}
	if rp.Format == "" {
		rp.Format = report.FormatJSON
	}
	if _, err := report.Path(rp.OutputPath, rp.Format); err != nil {
		return nil, err
	}

	return &rp, nil
}
