package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store. It keeps the same semantics as SQLStore
// and records calls so tests can assert on them.
type MockStore struct {
	mu  sync.Mutex
	Now func() time.Time

	Errors       map[string]*ErrorRecord
	Solutions    map[string]map[string]*Solution
	Improvements []Improvement
	Metrics      []PerformanceMetric
	Sessions     map[string]*LearningSession

	LogErrorCalls       []ErrorEntry
	RecordSolutionCalls []SolutionOutcome
	MarkResolvedCalls   []Resolution
	EndSessionCalls     []SessionSummary

	LogErrorError       error
	RecordSolutionError error
	MarkResolvedError   error
	ImprovementError    error
	MetricError         error
	SessionError        error
	CleanupError        error

	nextID int64
}

func NewMockStore() *MockStore {
	return &MockStore{
		Now:       time.Now,
		Errors:    make(map[string]*ErrorRecord),
		Solutions: make(map[string]map[string]*Solution),
		Sessions:  make(map[string]*LearningSession),
	}
}

func (m *MockStore) stamp() time.Time {
	return m.Now().UTC().Truncate(time.Second)
}

func (m *MockStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MockStore) LogError(ctx context.Context, entry ErrorEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LogErrorCalls = append(m.LogErrorCalls, entry)
	if m.LogErrorError != nil {
		return "", m.LogErrorError
	}

	if entry.Kind == "" {
		entry.Kind = "unknown"
	}
	fingerprint := Fingerprint(entry.Message, entry.Context)
	now := m.stamp()

	if r, exists := m.Errors[fingerprint]; exists {
		r.RetryCount++
		r.LastSeen = now
		return fingerprint, nil
	}

	m.Errors[fingerprint] = &ErrorRecord{
		ID:           m.id(),
		Workflow:     entry.Workflow,
		ErrorMessage: entry.Message,
		Fingerprint:  fingerprint,
		ErrorType:    entry.Kind,
		FixAction:    entry.FixAction,
		FixedBy:      entry.FixedBy,
		FirstSeen:    now,
		LastSeen:     now,
		Context:      entry.Context,
		StackTrace:   entry.StackTrace,
	}
	return fingerprint, nil
}

func (m *MockStore) RecordSolution(ctx context.Context, outcome SolutionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RecordSolutionCalls = append(m.RecordSolutionCalls, outcome)
	if m.RecordSolutionError != nil {
		return m.RecordSolutionError
	}

	byKind, exists := m.Solutions[outcome.Fingerprint]
	if !exists {
		byKind = make(map[string]*Solution)
		m.Solutions[outcome.Fingerprint] = byKind
	}

	sol, exists := byKind[outcome.Kind]
	if !exists {
		sol = &Solution{
			ID:                  m.id(),
			Fingerprint:         outcome.Fingerprint,
			Kind:                outcome.Kind,
			Payload:             outcome.Payload,
			AverageResolutionMs: float64(outcome.ResolutionMs),
		}
		byKind[outcome.Kind] = sol
	} else {
		sol.AverageResolutionMs = (sol.AverageResolutionMs + float64(outcome.ResolutionMs)) / 2
	}

	if outcome.Success {
		sol.SuccessCount++
	} else {
		sol.FailureCount++
	}
	sol.Confidence = Confidence(sol.SuccessCount, sol.FailureCount)
	sol.LastUsed = m.stamp()
	return nil
}

func (m *MockStore) MarkResolved(ctx context.Context, res Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MarkResolvedCalls = append(m.MarkResolvedCalls, res)
	if m.MarkResolvedError != nil {
		return m.MarkResolvedError
	}

	if r, exists := m.Errors[res.Fingerprint]; exists {
		r.Success = true
		r.FixAction = res.FixAction
		r.FixedBy = res.FixedBy
		r.ConfidenceScore = res.Confidence
		r.ResolutionTimeMs = res.ResolutionMs
	}
	return nil
}

func (m *MockStore) RecordImprovement(ctx context.Context, imp Improvement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ImprovementError != nil {
		return m.ImprovementError
	}

	imp.ID = m.id()
	imp.Timestamp = m.stamp()
	m.Improvements = append(m.Improvements, imp)
	return nil
}

func (m *MockStore) RecordPerformanceMetric(ctx context.Context, pm PerformanceMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MetricError != nil {
		return m.MetricError
	}

	pm.ID = m.id()
	pm.Timestamp = m.stamp()
	m.Metrics = append(m.Metrics, pm)
	return nil
}

func (m *MockStore) StartLearningSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SessionError != nil {
		return m.SessionError
	}
	if _, exists := m.Sessions[sessionID]; exists {
		return fmt.Errorf("learning session %s already exists", sessionID)
	}

	m.Sessions[sessionID] = &LearningSession{
		ID:        m.id(),
		SessionID: sessionID,
		StartTime: m.stamp(),
	}
	return nil
}

func (m *MockStore) EndLearningSession(ctx context.Context, sessionID string, summary SessionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EndSessionCalls = append(m.EndSessionCalls, summary)
	if m.SessionError != nil {
		return m.SessionError
	}

	s, exists := m.Sessions[sessionID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	end := m.stamp()
	s.EndTime = &end
	s.ErrorsAnalyzed = summary.ErrorsAnalyzed
	s.FixesApplied = summary.FixesApplied
	s.SuccessRate = summary.SuccessRate
	s.Insights = summary.Insights
	return nil
}

func (m *MockStore) CleanupOldData(ctx context.Context, daysToKeep int) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if daysToKeep <= 0 {
		daysToKeep = DefaultDaysToKeep
	}
	result := CleanupResult{DaysKept: daysToKeep}
	if m.CleanupError != nil {
		return result, m.CleanupError
	}

	cutoff := m.stamp().AddDate(0, 0, -daysToKeep)
	for fp, r := range m.Errors {
		if r.LastSeen.Before(cutoff) {
			delete(m.Errors, fp)
			result.ErrorsDeleted++
		}
	}

	kept := m.Metrics[:0]
	for _, pm := range m.Metrics {
		if pm.Timestamp.Before(cutoff) {
			result.MetricsDeleted++
			continue
		}
		kept = append(kept, pm)
	}
	m.Metrics = kept

	return result, nil
}

func (m *MockStore) GetErrorRecord(ctx context.Context, fingerprint string) *ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.Errors[fingerprint]
	if !exists {
		return nil
	}
	cp := *r
	return &cp
}

func (m *MockStore) bestSolution(fingerprint string) *Solution {
	var best *Solution
	for _, sol := range m.Solutions[fingerprint] {
		if best == nil ||
			sol.Confidence > best.Confidence ||
			(sol.Confidence == best.Confidence && sol.SuccessCount > best.SuccessCount) ||
			(sol.Confidence == best.Confidence && sol.SuccessCount == best.SuccessCount && sol.ID < best.ID) {
			best = sol
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (m *MockStore) GetBestSolution(ctx context.Context, fingerprint string) *Solution {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.bestSolution(fingerprint)
}

// sortedErrors returns error records newest first.
func (m *MockStore) sortedErrors() []ErrorRecord {
	records := make([]ErrorRecord, 0, len(m.Errors))
	for _, r := range m.Errors {
		records = append(records, *r)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].LastSeen.Equal(records[j].LastSeen) {
			return records[i].LastSeen.After(records[j].LastSeen)
		}
		return records[i].ID > records[j].ID
	})
	return records
}

func (m *MockStore) GetSimilarErrors(ctx context.Context, message, errContext string, limit int) []SimilarError {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = DefaultSimilarLimit
	}

	similar := []SimilarError{}
	for _, r := range m.sortedErrors() {
		matches := strings.Contains(r.ErrorMessage, message) ||
			(errContext != "" && strings.Contains(r.Context, errContext))
		if !matches {
			continue
		}

		se := SimilarError{ErrorRecord: r}
		if sol := m.bestSolution(r.Fingerprint); sol != nil {
			confidence := sol.Confidence
			se.SolutionType = sol.Kind
			se.SolutionData = sol.Payload
			se.SolutionConfidence = &confidence
		}
		similar = append(similar, se)
		if len(similar) == limit {
			break
		}
	}
	return similar
}

func (m *MockStore) aggregate(window time.Duration, confidence func(ErrorRecord) (float64, bool)) []ErrorTypeStats {
	cutoff := m.stamp().Add(-window)

	type acc struct {
		stats      ErrorTypeStats
		resolution float64
		confSum    float64
		confN      int
	}
	byType := make(map[string]*acc)
	for _, r := range m.Errors {
		if !r.LastSeen.After(cutoff) {
			continue
		}
		a, exists := byType[r.ErrorType]
		if !exists {
			a = &acc{stats: ErrorTypeStats{ErrorType: r.ErrorType}}
			byType[r.ErrorType] = a
		}
		a.stats.Frequency++
		a.resolution += float64(r.ResolutionTimeMs)
		if c, ok := confidence(*r); ok {
			a.confSum += c
			a.confN++
		}
		if r.LastSeen.After(a.stats.LastSeen) {
			a.stats.LastSeen = r.LastSeen
		}
	}

	stats := make([]ErrorTypeStats, 0, len(byType))
	for _, a := range byType {
		a.stats.AvgResolutionTimeMs = a.resolution / float64(a.stats.Frequency)
		if a.confN > 0 {
			a.stats.AvgConfidence = a.confSum / float64(a.confN)
		}
		stats = append(stats, a.stats)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].ErrorType < stats[j].ErrorType
	})
	return stats
}

func (m *MockStore) GetLearningInsights(ctx context.Context, limit int) []ErrorTypeStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = DefaultInsightsLimit
	}
	stats := m.aggregate(InsightsWindow, func(r ErrorRecord) (float64, bool) {
		if sol := m.bestSolution(r.Fingerprint); sol != nil {
			return sol.Confidence, true
		}
		return 0, false
	})
	if len(stats) > limit {
		stats = stats[:limit]
	}
	return stats
}

func (m *MockStore) GetErrorPatterns(ctx context.Context) []ErrorTypeStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.aggregate(PatternsWindow, func(r ErrorRecord) (float64, bool) {
		return r.ConfidenceScore, true
	})
}

func (m *MockStore) GenerateReport(ctx context.Context) *Report {
	patterns := m.GetErrorPatterns(ctx)
	insights := m.GetLearningInsights(ctx, DefaultInsightsLimit)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.stamp()
	report := newReport(now)
	report.ErrorPatterns = patterns
	report.LearningInsights = insights

	var solutions int64
	for _, byKind := range m.Solutions {
		solutions += int64(len(byKind))
	}
	report.Summary = ReportSummary{
		TotalErrors:       int64(len(m.Errors)),
		TotalSolutions:    solutions,
		TotalImprovements: int64(len(m.Improvements)),
		TotalSessions:     int64(len(m.Sessions)),
	}

	cutoff := now.Add(-RecentActivityWindow)
	for _, r := range m.sortedErrors() {
		if !r.LastSeen.After(cutoff) {
			continue
		}
		report.RecentActivity = append(report.RecentActivity, r)
		if len(report.RecentActivity) == RecentActivityLimit {
			break
		}
	}
	return report
}

func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) SolutionFor(fingerprint, kind string) (Solution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sol, exists := m.Solutions[fingerprint][kind]
	if !exists {
		return Solution{}, false
	}
	return *sol, true
}

func (m *MockStore) GetLogErrorCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.LogErrorCalls)
}

func (m *MockStore) GetRecordSolutionCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.RecordSolutionCalls)
}
