// Package healing turns a failed CI workflow into a recorded fix attempt.
//
// For each failure the Orchestrator classifies the error log, logs it in the
// learning store, then picks a fix from the first tier that has one: a proven
// solution from history, a remote suggestion, or the built-in local table.
// The fix is applied, verified and its outcome written back to the store.
package healing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/cihealer/internal/fsutil"
	"github.com/nadmax/cihealer/internal/learning"
	"github.com/nadmax/cihealer/internal/metrics"
	"github.com/nadmax/cihealer/internal/suggest"
	"github.com/spf13/afero"
)

var (
	ErrNoAdvisor   = errors.New("suggestion service not configured")
	ErrNeedsReview = errors.New("no automated remediation available; flagged for review")
)

// Advisor is the remote suggestion service as seen by the orchestrator.
type Advisor interface {
	TestConnection(ctx context.Context) bool
	GetFixSuggestions(ctx context.Context, errorType, errContext string) []suggest.Suggestion
	SendErrorReport(ctx context.Context, report suggest.ErrorReport) error
	SendLearningData(ctx context.Context, data suggest.LearningData) error
	ValidateFix(ctx context.Context, v suggest.FixValidation) (*suggest.ValidationResult, error)
	OptimizeWorkflow(ctx context.Context, workflowPath, content string) (*suggest.OptimizationResult, error)
}

// Committer records a changed workflow file in version control.
type Committer interface {
	Commit(ctx context.Context, path, message string) error
	Push(ctx context.Context) error
}

type Config struct {
	// ConfidenceThreshold is the inclusive lower bound for trusting a stored
	// solution, in [0, 1].
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// MaxRetries caps failed attempts per fingerprint within one session.
	MaxRetries    int    `yaml:"max_retries"`
	AutoCommit    bool   `yaml:"auto_commit"`
	AutoPush      bool   `yaml:"auto_push"`
	WorkflowRunID string `yaml:"workflow_run_id"`
}

func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.7,
		MaxRetries:          3,
	}
}

type Outcome string

const (
	OutcomeFixed            Outcome = "fixed"
	OutcomeFailed           Outcome = "failed"
	OutcomeRetriesExhausted Outcome = "retries_exhausted"
)

type Analysis struct {
	Fingerprint   string                  `json:"error_hash"`
	Workflow      string                  `json:"workflow"`
	WorkflowPath  string                  `json:"workflow_path"`
	ErrorMessage  string                  `json:"error_message"`
	ErrorType     string                  `json:"error_type"`
	Context       string                  `json:"context"`
	SimilarErrors []learning.SimilarError `json:"similar_errors"`
	BestSolution  *learning.Solution      `json:"best_solution"`
	HasSolution   bool                    `json:"has_solution"`
}

type Result struct {
	Success      bool     `json:"success"`
	Outcome      Outcome  `json:"outcome"`
	Fingerprint  string   `json:"error_hash"`
	Fix          Fix      `json:"fix"`
	ResolutionMs int64    `json:"resolution_time"`
	RulesApplied []string `json:"rules_applied,omitempty"`
	Committed    bool     `json:"committed"`
	Pushed       bool     `json:"pushed"`
	Error        string   `json:"error,omitempty"`
}

type Orchestrator struct {
	store     learning.Store
	advisor   Advisor
	committer Committer
	fs        afero.Fs
	cfg       Config
	logger    *slog.Logger
	sessionID string

	mu             sync.Mutex
	errorsAnalyzed int
	fixesApplied   int
	attempts       int
	failures       map[string]int
}

type Option func(*Orchestrator)

// WithAdvisor enables the remote tier. A nil advisor keeps healing local-only.
func WithAdvisor(a Advisor) Option {
	return func(o *Orchestrator) { o.advisor = a }
}

func WithCommitter(c Committer) Option {
	return func(o *Orchestrator) { o.committer = c }
}

func WithFs(fs afero.Fs) Option {
	return func(o *Orchestrator) { o.fs = fs }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.sessionID = id }
}

// NewSessionID returns an id of the form session-<unix ms>-<8 hex>.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("session-%d-%s", now.UnixMilli(), uuid.New().String()[:8])
}

// New builds an orchestrator. cfg is taken as given apart from MaxRetries,
// which falls back to the default when not positive; a zero threshold trusts
// any recorded solution.
func New(store learning.Store, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}

	o := &Orchestrator{
		store:    store,
		fs:       afero.NewOsFs(),
		cfg:      cfg,
		logger:   slog.Default(),
		failures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sessionID == "" {
		o.sessionID = NewSessionID(time.Now())
	}
	return o
}

func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Start opens the learning session and checks the suggestion service.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.store.StartLearningSession(ctx, o.sessionID); err != nil {
		return fmt.Errorf("failed to start learning session: %w", err)
	}

	if o.advisor == nil {
		o.logger.Warn("suggestion service not configured, continuing with local learning only")
	} else if !o.advisor.TestConnection(ctx) {
		o.logger.Warn("suggestion service not available, continuing with local learning only")
	}

	o.logger.Info("healing session started", "session_id", o.sessionID)
	return nil
}

// Summary reports the session counters. ErrorsAnalyzed counts Analyze calls,
// FixesApplied counts successful executions and SuccessRate is FixesApplied
// over executed attempts. Attempts refused by the retry cap are not counted.
func (o *Orchestrator) Summary() learning.SessionSummary {
	o.mu.Lock()
	defer o.mu.Unlock()

	rate := 0.0
	if o.attempts > 0 {
		rate = float64(o.fixesApplied) / float64(o.attempts)
	}
	return learning.SessionSummary{
		ErrorsAnalyzed: o.errorsAnalyzed,
		FixesApplied:   o.fixesApplied,
		SuccessRate:    rate,
		Insights:       fmt.Sprintf("%d errors analyzed, %d of %d fix attempts succeeded", o.errorsAnalyzed, o.fixesApplied, o.attempts),
	}
}

// End closes the learning session and shares its summary with the
// suggestion service when one is configured.
func (o *Orchestrator) End(ctx context.Context) error {
	summary := o.Summary()
	if err := o.store.EndLearningSession(ctx, o.sessionID, summary); err != nil {
		return fmt.Errorf("failed to end learning session: %w", err)
	}

	if o.advisor != nil {
		err := o.advisor.SendLearningData(ctx, suggest.LearningData{
			SessionID:      o.sessionID,
			ErrorsAnalyzed: summary.ErrorsAnalyzed,
			FixesApplied:   summary.FixesApplied,
			SuccessRate:    summary.SuccessRate,
			Insights:       o.store.GetLearningInsights(ctx, learning.DefaultInsightsLimit),
		})
		if err != nil {
			o.logger.Warn("failed to send learning data", "session_id", o.sessionID, "error", err)
		}
	}

	o.logger.Info("healing session ended",
		"session_id", o.sessionID,
		"errors_analyzed", summary.ErrorsAnalyzed,
		"fixes_applied", summary.FixesApplied,
		"success_rate", summary.SuccessRate,
	)
	return nil
}

// Analyze classifies errorLog, records it and gathers what history knows about it.
func (o *Orchestrator) Analyze(ctx context.Context, workflowPath, errorLog string) (*Analysis, error) {
	a := &Analysis{
		Workflow:     filepath.Base(workflowPath),
		WorkflowPath: workflowPath,
		ErrorMessage: errorLog,
		ErrorType:    DetectErrorType(errorLog),
		Context:      "File: " + workflowPath,
	}

	fp, err := o.store.LogError(ctx, learning.ErrorEntry{
		Workflow:   a.Workflow,
		Message:    errorLog,
		Kind:       a.ErrorType,
		Context:    a.Context,
		StackTrace: errorLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to log error: %w", err)
	}
	a.Fingerprint = fp

	a.SimilarErrors = o.store.GetSimilarErrors(ctx, errorLog, workflowPath, learning.DefaultSimilarLimit)
	a.BestSolution = o.store.GetBestSolution(ctx, fp)
	a.HasSolution = a.BestSolution != nil

	o.mu.Lock()
	o.errorsAnalyzed++
	o.mu.Unlock()

	o.logger.Info("analyzed workflow error",
		"workflow", a.Workflow,
		"error_type", a.ErrorType,
		"fingerprint", fp,
		"similar_errors", len(a.SimilarErrors),
		"has_solution", a.HasSolution,
	)
	return a, nil
}

// SelectFix picks the fix for an analysis: a stored solution at or above the
// confidence threshold (never the generic fix), else the most confident
// remote suggestion, else the local table entry for the error kind.
func (o *Orchestrator) SelectFix(ctx context.Context, a *Analysis) Fix {
	if best := a.BestSolution; best != nil && best.Kind != FixGeneric && best.Confidence >= o.cfg.ConfidenceThreshold {
		o.logger.Info("using proven solution", "solution_type", best.Kind, "confidence", best.Confidence)
		return Fix{
			Path:       PathProvenSolution,
			Kind:       best.Kind,
			Payload:    best.Payload,
			Confidence: best.Confidence,
			Source:     SourceLearningDB,
		}
	}

	if o.advisor != nil {
		suggestions := o.advisor.GetFixSuggestions(ctx, a.ErrorType, a.Context)
		if len(suggestions) > 0 {
			top := suggestions[0]
			for _, s := range suggestions[1:] {
				if s.Confidence > top.Confidence {
					top = s
				}
			}

			o.logger.Info("using remote suggestion", "count", len(suggestions), "solution_type", top.Kind, "confidence", top.Confidence)
			return Fix{
				Path:       PathRemoteSuggested,
				Kind:       top.Kind,
				Payload:    top.Payload(),
				Confidence: top.Confidence,
				Source:     SourceRemote,
			}
		}
	}

	fix := LocalFix(a.ErrorType)
	o.logger.Info("using local fix", "error_type", a.ErrorType, "solution_type", fix.Kind)
	return fix
}

type application struct {
	before  string
	after   string
	changed []string
}

// apply performs fix against the workflow file. The rewritten text is
// verified before it is written, so a failed verification leaves the file as
// it was. Declared remediations touch nothing and verify immediately; the
// generic fix never verifies.
func (o *Orchestrator) apply(fix Fix, workflowPath string) (application, error) {
	var app application

	if fix.Kind == FixGeneric {
		return app, ErrNeedsReview
	}

	rules, ok := fileRules[fix.Kind]
	if !ok {
		return app, nil
	}

	data, err := afero.ReadFile(o.fs, workflowPath)
	if err != nil {
		return app, fmt.Errorf("failed to read workflow: %w", err)
	}

	app.before = string(data)
	app.after, app.changed = ApplyRules(app.before, rules)

	if err := VerifyYAML([]byte(app.after)); err != nil {
		return app, fmt.Errorf("verification failed: %w", err)
	}

	if len(app.changed) > 0 {
		if err := fsutil.WriteFileAtomic(o.fs, workflowPath, []byte(app.after)); err != nil {
			return app, fmt.Errorf("failed to write workflow: %w", err)
		}
	}
	return app, nil
}

func (o *Orchestrator) validateRemote(ctx context.Context, a *Analysis, fix Fix, app application) error {
	verdict, err := o.advisor.ValidateFix(ctx, suggest.FixValidation{
		Workflow:     a.Workflow,
		ErrorType:    a.ErrorType,
		SolutionType: fix.Kind,
		SolutionData: fix.Payload,
		Confidence:   fix.Confidence,
		Before:       app.before,
		After:        app.after,
	})
	if err != nil {
		o.logger.Warn("remote validation unavailable", "solution_type", fix.Kind, "error", err)
		return nil
	}
	if verdict.Rejected() {
		return fmt.Errorf("fix rejected by suggestion service: %s", verdict.Reason)
	}
	return nil
}

// Execute applies fix and records the outcome. Fix failures are reported in
// the Result; only learning store write failures are returned as errors.
func (o *Orchestrator) Execute(ctx context.Context, a *Analysis, fix Fix) (*Result, error) {
	res := &Result{Fingerprint: a.Fingerprint, Fix: fix}

	o.mu.Lock()
	failed := o.failures[a.Fingerprint]
	o.mu.Unlock()
	if failed >= o.cfg.MaxRetries {
		res.Outcome = OutcomeRetriesExhausted
		res.Error = fmt.Sprintf("%d failed attempts for this error in session %s", failed, o.sessionID)
		o.logger.Warn("retry cap reached", "fingerprint", a.Fingerprint, "failed_attempts", failed)
		metrics.RecordHealAttempt(a.ErrorType, string(fix.Path), string(res.Outcome), 0)
		return res, nil
	}

	start := time.Now()
	app, fixErr := o.apply(fix, a.WorkflowPath)
	if fixErr == nil && fix.Path == PathRemoteSuggested && o.advisor != nil {
		fixErr = o.validateRemote(ctx, a, fix, app)
	}
	elapsed := time.Since(start)

	res.Success = fixErr == nil
	res.ResolutionMs = elapsed.Milliseconds()
	res.RulesApplied = app.changed
	res.Outcome = OutcomeFixed
	if !res.Success {
		res.Outcome = OutcomeFailed
		res.Error = fixErr.Error()
	}

	o.mu.Lock()
	o.attempts++
	if res.Success {
		o.fixesApplied++
	} else {
		o.failures[a.Fingerprint]++
	}
	o.mu.Unlock()

	metrics.RecordHealAttempt(a.ErrorType, string(fix.Path), string(res.Outcome), elapsed)

	if err := o.record(ctx, a, fix, res, app); err != nil {
		return nil, err
	}

	if res.Success {
		o.logger.Info("fix applied", "solution_type", fix.Kind, "resolution_ms", res.ResolutionMs, "rules", app.changed)
		if len(app.changed) > 0 && o.cfg.AutoCommit && o.committer != nil {
			res.Committed = o.commitFix(ctx, a.WorkflowPath, fix)
			if res.Committed && o.cfg.AutoPush {
				res.Pushed = o.pushFix(ctx)
			}
		}
	} else {
		o.logger.Warn("fix failed", "solution_type", fix.Kind, "error", fixErr)
		o.reportFailure(ctx, a, fix, fixErr)
	}

	return res, nil
}

func (o *Orchestrator) record(ctx context.Context, a *Analysis, fix Fix, res *Result, app application) error {
	err := o.store.RecordSolution(ctx, learning.SolutionOutcome{
		Fingerprint:  a.Fingerprint,
		Kind:         fix.Kind,
		Payload:      fix.Payload,
		Success:      res.Success,
		ResolutionMs: res.ResolutionMs,
	})
	if err != nil {
		return fmt.Errorf("failed to record solution: %w", err)
	}

	if !res.Success {
		return nil
	}

	err = o.store.MarkResolved(ctx, learning.Resolution{
		Fingerprint:  a.Fingerprint,
		FixAction:    fix.Kind,
		FixedBy:      fix.Source,
		Confidence:   fix.Confidence,
		ResolutionMs: res.ResolutionMs,
	})
	if err != nil {
		return fmt.Errorf("failed to mark error resolved: %w", err)
	}

	err = o.store.RecordImprovement(ctx, learning.Improvement{
		Component:         a.Workflow,
		ChangeDescription: fix.Payload,
		Result:            "success",
		QualityScore:      fix.Confidence * 100,
		WorkflowRunID:     o.cfg.WorkflowRunID,
		BeforeState:       app.before,
		AfterState:        app.after,
	})
	if err != nil {
		return fmt.Errorf("failed to record improvement: %w", err)
	}

	err = o.store.RecordPerformanceMetric(ctx, learning.PerformanceMetric{
		Workflow:    a.Workflow,
		MetricName:  "fix_resolution_time",
		MetricValue: float64(res.ResolutionMs),
		Unit:        "ms",
		Context:     fix.Kind,
	})
	if err != nil {
		return fmt.Errorf("failed to record performance metric: %w", err)
	}
	return nil
}

func (o *Orchestrator) reportFailure(ctx context.Context, a *Analysis, fix Fix, fixErr error) {
	if o.advisor == nil {
		return
	}

	err := o.advisor.SendErrorReport(ctx, suggest.ErrorReport{
		Workflow:     a.Workflow,
		ErrorType:    a.ErrorType,
		ErrorMessage: a.ErrorMessage,
		Fingerprint:  a.Fingerprint,
		Context:      fixErr.Error(),
		AttemptedFix: fix.Kind,
		SessionID:    o.sessionID,
	})
	if err != nil {
		o.logger.Warn("failed to send error report", "fingerprint", a.Fingerprint, "error", err)
	}
}

// CommitMessage renders the commit message for an applied fix.
func CommitMessage(fix Fix) string {
	return fmt.Sprintf(`Auto-healed CI workflow

Fix details:
- Type: %s
- Solution: %s
- Confidence: %.2f
- Source: %s

Learning:
- Error pattern learned and recorded
- Solution added to knowledge base

Generated by: CI Self-Healing System`, fix.Kind, fix.Payload, fix.Confidence, fix.Source)
}

func (o *Orchestrator) commitFix(ctx context.Context, workflowPath string, fix Fix) bool {
	if err := o.committer.Commit(ctx, workflowPath, CommitMessage(fix)); err != nil {
		o.logger.Error("failed to commit fix", "workflow_path", workflowPath, "error", err)
		return false
	}
	o.logger.Info("fix committed", "workflow_path", workflowPath)
	return true
}

func (o *Orchestrator) pushFix(ctx context.Context) bool {
	if err := o.committer.Push(ctx); err != nil {
		o.logger.Error("failed to push fix", "error", err)
		return false
	}
	o.logger.Info("fix pushed")
	return true
}

// Heal runs the whole flow for one failure.
func (o *Orchestrator) Heal(ctx context.Context, workflowPath, errorLog string) (*Analysis, *Result, error) {
	a, err := o.Analyze(ctx, workflowPath, errorLog)
	if err != nil {
		return nil, nil, err
	}

	res, err := o.Execute(ctx, a, o.SelectFix(ctx, a))
	if err != nil {
		return a, nil, err
	}
	return a, res, nil
}

// Optimize asks the suggestion service to review a workflow file.
func (o *Orchestrator) Optimize(ctx context.Context, workflowPath string) (*suggest.OptimizationResult, error) {
	if o.advisor == nil {
		return nil, ErrNoAdvisor
	}

	data, err := afero.ReadFile(o.fs, workflowPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}

	return o.advisor.OptimizeWorkflow(ctx, workflowPath, string(data))
}
