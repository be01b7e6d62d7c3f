package healing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/nadmax/cihealer/internal/learning"
	"github.com/nadmax/cihealer/internal/suggest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workflowPath = ".github/workflows/ci.yml"

const brokenWorkflow = "name: CI\non: push   \njobs:\n  build:\n    runs-on: ubuntu-latest\n    steps:\n      -name: checkout\n        uses: actions/checkout@v4\n"

type fakeAdvisor struct {
	mu sync.Mutex

	connected   bool
	suggestions []suggest.Suggestion
	verdict     *suggest.ValidationResult
	validateErr error

	suggestionCalls int
	validateCalls   int
	reports         []suggest.ErrorReport
	learningData    []suggest.LearningData
}

func (f *fakeAdvisor) TestConnection(ctx context.Context) bool {
	return f.connected
}

func (f *fakeAdvisor) GetFixSuggestions(ctx context.Context, errorType, errContext string) []suggest.Suggestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suggestionCalls++
	return f.suggestions
}

func (f *fakeAdvisor) SendErrorReport(ctx context.Context, report suggest.ErrorReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeAdvisor) SendLearningData(ctx context.Context, data suggest.LearningData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.learningData = append(f.learningData, data)
	return nil
}

func (f *fakeAdvisor) ValidateFix(ctx context.Context, v suggest.FixValidation) (*suggest.ValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	if f.verdict == nil {
		return &suggest.ValidationResult{}, nil
	}
	return f.verdict, nil
}

func (f *fakeAdvisor) OptimizeWorkflow(ctx context.Context, path, content string) (*suggest.OptimizationResult, error) {
	return &suggest.OptimizationResult{Summary: "reviewed " + path}, nil
}

type fakeCommitter struct {
	messages  []string
	paths     []string
	pushes    int
	commitErr error
	pushErr   error
}

func (f *fakeCommitter) Commit(ctx context.Context, path, message string) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.paths = append(f.paths, path)
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeCommitter) Push(ctx context.Context) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes++
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupOrchestrator(t *testing.T, content string, cfg Config, opts ...Option) (*Orchestrator, *learning.MockStore, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	if content != "" {
		require.NoError(t, afero.WriteFile(fs, workflowPath, []byte(content), 0o644))
	}

	store := learning.NewMockStore()
	base := []Option{WithFs(fs), WithLogger(quietLogger()), WithSessionID("session-test")}
	o := New(store, cfg, append(base, opts...)...)
	return o, store, fs
}

func seedSolution(t *testing.T, store *learning.MockStore, fp, kind string, successes, failures int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < successes; i++ {
		require.NoError(t, store.RecordSolution(ctx, learning.SolutionOutcome{Fingerprint: fp, Kind: kind, Payload: "Fixed common YAML syntax issues", Success: true}))
	}
	for i := 0; i < failures; i++ {
		require.NoError(t, store.RecordSolution(ctx, learning.SolutionOutcome{Fingerprint: fp, Kind: kind}))
	}
}

func TestHealUsesProvenSolutionWithoutRemote(t *testing.T) {
	advisor := &fakeAdvisor{
		connected:   true,
		suggestions: []suggest.Suggestion{{Kind: FixGeneric, Confidence: 0.99}},
	}
	o, store, fs := setupOrchestrator(t, brokenWorkflow, DefaultConfig(), WithAdvisor(advisor))

	errorLog := "YAML parsing error: bad indent"
	fp := learning.Fingerprint(errorLog, "File: "+workflowPath)
	seedSolution(t, store, fp, FixYAMLSyntax, 8, 2)

	a, res, err := o.Heal(context.Background(), workflowPath, errorLog)
	require.NoError(t, err)

	assert.Equal(t, fp, a.Fingerprint)
	assert.True(t, a.HasSolution)
	assert.Equal(t, PathProvenSolution, res.Fix.Path)
	assert.Equal(t, SourceLearningDB, res.Fix.Source)
	assert.InDelta(t, 0.8, res.Fix.Confidence, 1e-9)
	assert.Equal(t, 0, advisor.suggestionCalls)
	assert.Equal(t, 0, advisor.validateCalls)

	assert.True(t, res.Success)
	assert.Equal(t, OutcomeFixed, res.Outcome)
	assert.Contains(t, res.RulesApplied, RuleTrimTrailingWhitespace.Name)
	assert.Contains(t, res.RulesApplied, RuleNormalizeStepNames.Name)

	data, err := afero.ReadFile(fs, workflowPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "      - name: checkout")
	assert.Contains(t, string(data), "\npermissions:\n")
	assert.NotContains(t, string(data), "push   ")
	require.NoError(t, VerifyYAML(data))

	sol, ok := store.SolutionFor(fp, FixYAMLSyntax)
	require.True(t, ok)
	assert.Equal(t, 9, sol.SuccessCount)
	assert.Equal(t, 2, sol.FailureCount)

	rec := store.GetErrorRecord(context.Background(), fp)
	require.NotNil(t, rec)
	assert.True(t, rec.Success)
	assert.Equal(t, SourceLearningDB, rec.FixedBy)

	require.Len(t, store.Improvements, 1)
	assert.InDelta(t, 80.0, store.Improvements[0].QualityScore, 1e-9)
	assert.Equal(t, brokenWorkflow, store.Improvements[0].BeforeState)
	require.Len(t, store.Metrics, 1)
	assert.Equal(t, "fix_resolution_time", store.Metrics[0].MetricName)
}

func TestSelectFixThresholdIsInclusive(t *testing.T) {
	o, _, _ := setupOrchestrator(t, "", DefaultConfig())
	ctx := context.Background()

	at := &Analysis{ErrorType: KindYAMLSyntax, BestSolution: &learning.Solution{Kind: FixYAMLSyntax, Confidence: 0.7}}
	assert.Equal(t, PathProvenSolution, o.SelectFix(ctx, at).Path)

	below := &Analysis{ErrorType: KindYAMLSyntax, BestSolution: &learning.Solution{Kind: FixYAMLSyntax, Confidence: 0.69}}
	fix := o.SelectFix(ctx, below)
	assert.Equal(t, PathLocalHeuristic, fix.Path)
	assert.Equal(t, FixYAMLSyntax, fix.Kind)
	assert.Equal(t, 0.8, fix.Confidence)
}

func TestSelectFixRemoteSuggestions(t *testing.T) {
	ctx := context.Background()
	a := &Analysis{ErrorType: KindTimeout, Context: "File: " + workflowPath}

	t.Run("most confident wins and first wins ties", func(t *testing.T) {
		advisor := &fakeAdvisor{suggestions: []suggest.Suggestion{
			{Kind: "a", Confidence: 0.4},
			{Kind: "b", Confidence: 0.9, Data: json.RawMessage(`"raise the limit"`)},
			{Kind: "c", Confidence: 0.9},
		}}
		o, _, _ := setupOrchestrator(t, "", DefaultConfig(), WithAdvisor(advisor))

		fix := o.SelectFix(ctx, a)
		assert.Equal(t, PathRemoteSuggested, fix.Path)
		assert.Equal(t, "b", fix.Kind)
		assert.Equal(t, "raise the limit", fix.Payload)
		assert.Equal(t, SourceRemote, fix.Source)
	})

	t.Run("empty list falls back to local", func(t *testing.T) {
		advisor := &fakeAdvisor{}
		o, _, _ := setupOrchestrator(t, "", DefaultConfig(), WithAdvisor(advisor))

		fix := o.SelectFix(ctx, a)
		assert.Equal(t, PathLocalHeuristic, fix.Path)
		assert.Equal(t, FixTimeout, fix.Kind)
		assert.Equal(t, 1, advisor.suggestionCalls)
	})

	t.Run("low confidence history still asks remote", func(t *testing.T) {
		advisor := &fakeAdvisor{suggestions: []suggest.Suggestion{{Kind: "remote_fix", Confidence: 0.5}}}
		o, _, _ := setupOrchestrator(t, "", DefaultConfig(), WithAdvisor(advisor))

		weak := &Analysis{ErrorType: KindTimeout, BestSolution: &learning.Solution{Kind: FixTimeout, Confidence: 0.2}}
		assert.Equal(t, PathRemoteSuggested, o.SelectFix(ctx, weak).Path)
	})
}

func TestHealWithoutAdvisorUsesLocalFix(t *testing.T) {
	workflow := "name: CI\non: push\njobs:\n  build:\n    runs-on: ubuntu-latest\n    timeout-minutes: 120\n"
	o, store, fs := setupOrchestrator(t, workflow, DefaultConfig())

	a, res, err := o.Heal(context.Background(), workflowPath, "Error: Timeout after 120 minutes")
	require.NoError(t, err)

	assert.Equal(t, KindTimeout, a.ErrorType)
	assert.False(t, a.HasSolution)
	assert.Equal(t, PathLocalHeuristic, res.Fix.Path)
	assert.Equal(t, FixTimeout, res.Fix.Kind)
	assert.True(t, res.Success)
	assert.Equal(t, []string{RuleClampTimeouts.Name}, res.RulesApplied)

	data, err := afero.ReadFile(fs, workflowPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "timeout-minutes: 30")
	assert.NotContains(t, string(data), "permissions:")

	sol, ok := store.SolutionFor(a.Fingerprint, FixTimeout)
	require.True(t, ok)
	assert.Equal(t, 1.0, sol.Confidence)
}

func TestExecuteDeclaredRemediationLeavesFileAlone(t *testing.T) {
	o, store, _ := setupOrchestrator(t, "", DefaultConfig())

	a, res, err := o.Heal(context.Background(), workflowPath, "npm install failed with ERESOLVE")
	require.NoError(t, err)

	assert.Equal(t, KindDependency, a.ErrorType)
	assert.Equal(t, FixDependency, res.Fix.Kind)
	assert.True(t, res.Success)
	assert.Empty(t, res.RulesApplied)

	require.Len(t, store.Improvements, 1)
	assert.Empty(t, store.Improvements[0].BeforeState)
}

func TestExecuteVerificationFailureAndRetryCap(t *testing.T) {
	advisor := &fakeAdvisor{}
	const unparsable = "name: CI\non: [push   \n"
	o, store, fs := setupOrchestrator(t, unparsable, Config{ConfidenceThreshold: 0.7, MaxRetries: 2}, WithAdvisor(advisor))
	ctx := context.Background()

	errorLog := "YAML parsing error: flow sequence"
	for i := 0; i < 2; i++ {
		_, res, err := o.Heal(ctx, workflowPath, errorLog)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.Contains(t, res.Error, "verification failed")

		data, err := afero.ReadFile(fs, workflowPath)
		require.NoError(t, err)
		assert.Equal(t, unparsable, string(data))
	}

	_, res, err := o.Heal(ctx, workflowPath, errorLog)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetriesExhausted, res.Outcome)
	assert.False(t, res.Success)

	fp := learning.Fingerprint(errorLog, "File: "+workflowPath)
	sol, ok := store.SolutionFor(fp, FixYAMLSyntax)
	require.True(t, ok)
	assert.Equal(t, 0, sol.SuccessCount)
	assert.Equal(t, 2, sol.FailureCount)
	assert.Equal(t, 2, store.GetRecordSolutionCallCount())
	assert.Empty(t, store.MarkResolvedCalls)

	require.Len(t, advisor.reports, 2)
	assert.Equal(t, fp, advisor.reports[0].Fingerprint)
	assert.Equal(t, FixYAMLSyntax, advisor.reports[0].AttemptedFix)

	summary := o.Summary()
	assert.Equal(t, 3, summary.ErrorsAnalyzed)
	assert.Equal(t, 0, summary.FixesApplied)
	assert.Equal(t, 0.0, summary.SuccessRate)
}

func TestExecuteRemoteValidation(t *testing.T) {
	ctx := context.Background()
	valid := false

	t.Run("explicit rejection fails the fix", func(t *testing.T) {
		advisor := &fakeAdvisor{
			suggestions: []suggest.Suggestion{{Kind: "cache_fix", Confidence: 0.9}},
			verdict:     &suggest.ValidationResult{Valid: &valid, Reason: "cache key collides"},
		}
		o, store, _ := setupOrchestrator(t, "", DefaultConfig(), WithAdvisor(advisor))

		a, res, err := o.Heal(ctx, workflowPath, "Artifact not found: build-output")
		require.NoError(t, err)
		assert.Equal(t, PathRemoteSuggested, res.Fix.Path)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "cache key collides")

		sol, ok := store.SolutionFor(a.Fingerprint, "cache_fix")
		require.True(t, ok)
		assert.Equal(t, 1, sol.FailureCount)
	})

	t.Run("unreachable validator keeps the fix", func(t *testing.T) {
		advisor := &fakeAdvisor{
			suggestions: []suggest.Suggestion{{Kind: "cache_fix", Confidence: 0.9}},
			validateErr: suggest.ErrTimeout,
		}
		o, _, _ := setupOrchestrator(t, "", DefaultConfig(), WithAdvisor(advisor))

		_, res, err := o.Heal(ctx, workflowPath, "Artifact not found: build-output")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, advisor.validateCalls)
	})
}

func TestExecuteStoreWriteFailurePropagates(t *testing.T) {
	o, store, _ := setupOrchestrator(t, "", DefaultConfig())
	boom := errors.New("disk full")
	store.RecordSolutionError = boom

	a, res, err := o.Heal(context.Background(), workflowPath, "ESLint found 3 problems")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, res)
	require.NotNil(t, a)
	assert.Equal(t, KindLinting, a.ErrorType)
}

func TestAnalyzeLogErrorFailure(t *testing.T) {
	o, store, _ := setupOrchestrator(t, "", DefaultConfig())
	store.LogErrorError = errors.New("connection refused")

	_, err := o.Analyze(context.Background(), workflowPath, "YAML parsing error")
	require.Error(t, err)
	assert.Equal(t, 0, o.Summary().ErrorsAnalyzed)
}

func TestExecuteCommitsAndPushes(t *testing.T) {
	ctx := context.Background()
	cfg := Config{ConfidenceThreshold: 0.7, AutoCommit: true, AutoPush: true}

	t.Run("changed file is committed and pushed", func(t *testing.T) {
		committer := &fakeCommitter{}
		o, _, _ := setupOrchestrator(t, brokenWorkflow, cfg, WithCommitter(committer))

		_, res, err := o.Heal(ctx, workflowPath, "YAML parsing error: bad indent")
		require.NoError(t, err)
		assert.True(t, res.Committed)
		assert.True(t, res.Pushed)
		require.Len(t, committer.messages, 1)
		assert.Equal(t, workflowPath, committer.paths[0])
		assert.Contains(t, committer.messages[0], "- Type: yaml_syntax_fix")
		assert.Contains(t, committer.messages[0], "- Confidence: 0.80")
		assert.Equal(t, 1, committer.pushes)
	})

	t.Run("commit failure keeps recorded success", func(t *testing.T) {
		committer := &fakeCommitter{commitErr: errors.New("nothing to commit")}
		o, store, _ := setupOrchestrator(t, brokenWorkflow, cfg, WithCommitter(committer))

		a, res, err := o.Heal(ctx, workflowPath, "YAML parsing error: bad indent")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.False(t, res.Committed)
		assert.False(t, res.Pushed)

		sol, ok := store.SolutionFor(a.Fingerprint, FixYAMLSyntax)
		require.True(t, ok)
		assert.Equal(t, 1, sol.SuccessCount)
	})

	t.Run("unchanged file is not committed", func(t *testing.T) {
		committer := &fakeCommitter{}
		o, _, _ := setupOrchestrator(t, "", cfg, WithCommitter(committer))

		_, res, err := o.Heal(ctx, workflowPath, "Playwright browsers missing")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.False(t, res.Committed)
		assert.Empty(t, committer.messages)
	})
}

func TestSessionLifecycle(t *testing.T) {
	advisor := &fakeAdvisor{connected: true}
	o, store, _ := setupOrchestrator(t, "", DefaultConfig(), WithAdvisor(advisor))
	ctx := context.Background()

	require.NoError(t, o.Start(ctx))
	require.Contains(t, store.Sessions, "session-test")

	_, _, err := o.Heal(ctx, workflowPath, "TypeScript error TS2322")
	require.NoError(t, err)
	_, _, err = o.Heal(ctx, workflowPath, "something nobody has seen")
	require.NoError(t, err)

	require.NoError(t, o.End(ctx))

	session := store.Sessions["session-test"]
	require.NotNil(t, session.EndTime)
	assert.Equal(t, 2, session.ErrorsAnalyzed)
	assert.Equal(t, 1, session.FixesApplied)
	assert.Equal(t, 0.5, session.SuccessRate)

	require.Len(t, advisor.learningData, 1)
	assert.Equal(t, "session-test", advisor.learningData[0].SessionID)
}

func TestNewSessionID(t *testing.T) {
	o := New(learning.NewMockStore(), Config{})
	assert.Regexp(t, `^session-\d+-[0-9a-f]{8}$`, o.SessionID())
	assert.Equal(t, DefaultConfig().MaxRetries, o.cfg.MaxRetries)
	assert.Zero(t, o.cfg.ConfidenceThreshold)
}

func TestZeroConfidenceThresholdTrustsAnyRecordedSolution(t *testing.T) {
	advisor := &fakeAdvisor{suggestions: []suggest.Suggestion{{Kind: "remote_fix", Confidence: 0.9}}}
	o, store, _ := setupOrchestrator(t, brokenWorkflow, Config{ConfidenceThreshold: 0, MaxRetries: 3}, WithAdvisor(advisor))
	ctx := context.Background()

	half := &Analysis{ErrorType: KindYAMLSyntax, BestSolution: &learning.Solution{Kind: FixYAMLSyntax, Confidence: 0.5}}
	assert.Equal(t, PathProvenSolution, o.SelectFix(ctx, half).Path)

	never := &Analysis{ErrorType: KindYAMLSyntax, BestSolution: &learning.Solution{Kind: FixYAMLSyntax, Confidence: 0}}
	assert.Equal(t, PathProvenSolution, o.SelectFix(ctx, never).Path)
	assert.Equal(t, 0, advisor.suggestionCalls)

	errorLog := "YAML parsing error: bad indent"
	fp := learning.Fingerprint(errorLog, "File: "+workflowPath)
	seedSolution(t, store, fp, FixYAMLSyntax, 1, 1)

	_, res, err := o.Heal(ctx, workflowPath, errorLog)
	require.NoError(t, err)
	assert.Equal(t, PathProvenSolution, res.Fix.Path)
	assert.InDelta(t, 0.5, res.Fix.Confidence, 1e-9)
}

func TestExecuteLeavesUnverifiableFileUntouched(t *testing.T) {
	const script = "#!/bin/sh\necho hi  \n\tset -e: [oops\n"
	o, store, fs := setupOrchestrator(t, script, DefaultConfig())

	a, res, err := o.Heal(context.Background(), workflowPath, "YAML parsing error: line 3")
	require.NoError(t, err)
	assert.Equal(t, FixYAMLSyntax, res.Fix.Kind)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "verification failed")

	data, err := afero.ReadFile(fs, workflowPath)
	require.NoError(t, err)
	assert.Equal(t, script, string(data))

	sol, ok := store.SolutionFor(a.Fingerprint, FixYAMLSyntax)
	require.True(t, ok)
	assert.Equal(t, 1, sol.FailureCount)
	assert.Empty(t, store.Improvements)
}

func TestGenericFixIsFlaggedForReview(t *testing.T) {
	advisor := &fakeAdvisor{}
	o, store, _ := setupOrchestrator(t, "", DefaultConfig(), WithAdvisor(advisor))
	ctx := context.Background()

	errorLog := "something nobody has seen"
	a, res, err := o.Heal(ctx, workflowPath, errorLog)
	require.NoError(t, err)

	assert.Equal(t, FixGeneric, res.Fix.Kind)
	assert.False(t, res.Success)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "flagged for review")

	sol, ok := store.SolutionFor(a.Fingerprint, FixGeneric)
	require.True(t, ok)
	assert.Equal(t, 0, sol.SuccessCount)
	assert.Equal(t, 1, sol.FailureCount)

	rec := store.GetErrorRecord(ctx, a.Fingerprint)
	require.NotNil(t, rec)
	assert.False(t, rec.Success)
	assert.Empty(t, store.Improvements)
	require.Len(t, advisor.reports, 1)
	assert.Equal(t, FixGeneric, advisor.reports[0].AttemptedFix)

	t.Run("never served as a proven solution", func(t *testing.T) {
		seeded := &Analysis{ErrorType: KindUnknown, BestSolution: &learning.Solution{Kind: FixGeneric, Confidence: 1.0}}
		fix := o.SelectFix(ctx, seeded)
		assert.NotEqual(t, PathProvenSolution, fix.Path)
	})
}

func TestOptimize(t *testing.T) {
	ctx := context.Background()

	o, _, _ := setupOrchestrator(t, brokenWorkflow, DefaultConfig())
	_, err := o.Optimize(ctx, workflowPath)
	assert.ErrorIs(t, err, ErrNoAdvisor)

	o, _, _ = setupOrchestrator(t, brokenWorkflow, DefaultConfig(), WithAdvisor(&fakeAdvisor{}))
	result, err := o.Optimize(ctx, workflowPath)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result.Summary, workflowPath))
}
