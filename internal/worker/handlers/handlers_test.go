package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nadmax/cihealer/internal/healing"
	"github.com/nadmax/cihealer/internal/job"
	"github.com/nadmax/cihealer/internal/learning"
	"github.com/nadmax/cihealer/internal/report"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHealer struct {
	path, log string
	result    *healing.Result
	err       error
}

func (f *fakeHealer) Heal(ctx context.Context, workflowPath, errorLog string) (*healing.Analysis, *healing.Result, error) {
	f.path, f.log = workflowPath, errorLog
	if f.err != nil {
		return nil, nil, f.err
	}
	return &healing.Analysis{Fingerprint: "abc", Workflow: filepath.Base(workflowPath), ErrorType: healing.DetectErrorType(errorLog)}, f.result, nil
}

type fakeMailer struct {
	to, subject, body string
	sent              int
	err               error
}

func (f *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	f.to, f.subject, f.body = to, subject, body
	f.sent++
	return f.err
}

func TestHealHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("missing error log", func(t *testing.T) {
		h := NewHealHandler(&fakeHealer{}, ".github/workflows/ci.yml", nil, "", quietLogger())
		err := h.Handle(ctx, job.New(job.TypeHealWorkflow, map[string]any{}, job.PriorityHigh))
		assert.Error(t, err)
	})

	t.Run("success fills result and uses default path", func(t *testing.T) {
		healer := &fakeHealer{result: &healing.Result{
			Success: true,
			Outcome: healing.OutcomeFixed,
			Fix:     healing.LocalFix(healing.KindYAMLSyntax),
		}}
		mailer := &fakeMailer{}
		h := NewHealHandler(healer, ".github/workflows/ci.yml", mailer, "dev@example.com", quietLogger())

		j := job.New(job.TypeHealWorkflow, map[string]any{"error_log": "YAML parsing error"}, job.PriorityHigh)
		require.NoError(t, h.Handle(ctx, j))

		assert.Equal(t, ".github/workflows/ci.yml", healer.path)
		assert.Equal(t, "fixed", j.Result["outcome"])
		assert.Equal(t, healing.FixYAMLSyntax, j.Result["solution_type"])
		assert.Equal(t, 0, mailer.sent)
	})

	t.Run("failed fix completes the job and notifies", func(t *testing.T) {
		healer := &fakeHealer{result: &healing.Result{
			Outcome: healing.OutcomeFailed,
			Fix:     healing.LocalFix(healing.KindTimeout),
			Error:   "verification failed",
		}}
		mailer := &fakeMailer{}
		h := NewHealHandler(healer, ".github/workflows/ci.yml", mailer, "dev@example.com", quietLogger())

		j := job.New(job.TypeHealWorkflow, map[string]any{
			"error_log":     "Timeout",
			"workflow_path": ".github/workflows/build.yml",
		}, job.PriorityHigh)
		require.NoError(t, h.Handle(ctx, j))

		assert.Equal(t, ".github/workflows/build.yml", healer.path)
		assert.Equal(t, "verification failed", j.Result["error"])
		assert.Equal(t, 1, mailer.sent)
		assert.Equal(t, "dev@example.com", mailer.to)
		assert.Contains(t, mailer.subject, "build.yml")
	})

	t.Run("rejects paths outside the workflows directory", func(t *testing.T) {
		for _, path := range []string{
			"/srv/app/deploy.sh",
			".github/workflows/../../deploy.sh",
			"scripts/deploy.sh",
		} {
			healer := &fakeHealer{result: &healing.Result{Success: true}}
			h := NewHealHandler(healer, ".github/workflows/ci.yml", nil, "", quietLogger())

			j := job.New(job.TypeHealWorkflow, map[string]any{
				"error_log":     "YAML parsing error",
				"workflow_path": path,
			}, job.PriorityHigh)
			err := h.Handle(ctx, j)

			assert.ErrorIs(t, err, healing.ErrWorkflowPath, path)
			assert.Empty(t, healer.path, "healer must not run for %s", path)
		}
	})

	t.Run("store failure fails the job", func(t *testing.T) {
		h := NewHealHandler(&fakeHealer{err: errors.New("disk full")}, "ci.yml", nil, "", quietLogger())
		j := job.New(job.TypeHealWorkflow, map[string]any{"error_log": "x"}, job.PriorityHigh)
		assert.Error(t, h.Handle(ctx, j))
	})
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name        string
		payload     map[string]any
		expected    *ReportPayload
		expectError bool
	}{
		{
			name:     "defaults",
			payload:  map[string]any{},
			expected: &ReportPayload{Format: "json", OutputPath: "reports"},
		},
		{
			name:     "all fields",
			payload:  map[string]any{"format": "csv", "output_path": "/tmp/out", "schedule_in": 5},
			expected: &ReportPayload{Format: "csv", OutputPath: "/tmp/out", ScheduleIn: 5},
		},
		{
			name:        "unsupported format",
			payload:     map[string]any{"format": "xml"},
			expectError: true,
		},
		{
			name:        "wrong type",
			payload:     map[string]any{"schedule_in": "soon"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePayload(tt.payload, "reports")
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestReportHandler(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := learning.NewMockStore()
	ctx := context.Background()

	_, err := store.LogError(ctx, learning.ErrorEntry{Workflow: "ci.yml", Message: "Timeout", Kind: "timeout"})
	require.NoError(t, err)

	h := NewReportHandler(store, report.NewExporter(fs), "reports", quietLogger())
	j := job.New(job.TypeGenerateReport, nil, job.PriorityLow)
	require.NoError(t, h.Handle(ctx, j))

	path, ok := j.Result["path"].(string)
	require.True(t, ok)
	assert.Equal(t, filepath.Join("reports", "ci-learning-report.json"), path)
	assert.EqualValues(t, 1, j.Result["total_errors"])

	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReportHandlerCancelledDuringDelay(t *testing.T) {
	h := NewReportHandler(learning.NewMockStore(), report.NewExporter(afero.NewMemMapFs()), "reports", quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	j := job.New(job.TypeGenerateReport, map[string]any{"schedule_in": 60}, job.PriorityLow)
	assert.ErrorIs(t, h.Handle(ctx, j), context.DeadlineExceeded)
}

func TestCleanupHandler(t *testing.T) {
	store := learning.NewMockStore()
	ctx := context.Background()

	now := time.Now()
	store.Now = func() time.Time { return now.AddDate(0, 0, -10) }
	_, err := store.LogError(ctx, learning.ErrorEntry{Message: "old"})
	require.NoError(t, err)
	store.Now = func() time.Time { return now }

	h := NewCleanupHandler(store, quietLogger())

	j := job.New(job.TypeCleanup, map[string]any{"days_to_keep": float64(7)}, job.PriorityLow)
	require.NoError(t, h.Handle(ctx, j))
	assert.EqualValues(t, 1, j.Result["errors_deleted"])
	assert.Equal(t, 7, j.Result["days_kept"])

	store.CleanupError = errors.New("locked")
	assert.Error(t, h.Handle(ctx, job.New(job.TypeCleanup, nil, job.PriorityLow)))
}

func TestEmailHandler(t *testing.T) {
	ctx := context.Background()
	mailer := &fakeMailer{}
	handle := EmailHandler(mailer)

	j := job.New(job.TypeSendNotification, map[string]any{"to": "dev@example.com", "subject": "hi", "body": "text"}, job.PriorityMedium)
	require.NoError(t, handle(ctx, j))
	assert.Equal(t, "dev@example.com", mailer.to)

	for _, missing := range []string{"to", "subject", "body"} {
		payload := map[string]any{"to": "a", "subject": "b", "body": "c"}
		delete(payload, missing)
		err := handle(ctx, job.New(job.TypeSendNotification, payload, job.PriorityMedium))
		require.Error(t, err)
		assert.Contains(t, err.Error(), missing)
	}

	mailer.err = errors.New("status 401")
	assert.Error(t, handle(ctx, j))
}
