// Package learning is the long-term memory of the self-healing pipeline: it
// records observed CI failures, the solutions tried against them and how
// those attempts turned out.
//
// Writes fail loudly and reads fail soft. Every write returns the storage
// error to the caller after logging it; every read logs the failure and
// returns an empty result, because missing history must never block healing.
package learning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

const (
	FingerprintLength = 16

	// InsightsWindow bounds GetLearningInsights.
	InsightsWindow = 30 * 24 * time.Hour
	// PatternsWindow bounds GetErrorPatterns.
	PatternsWindow = 7 * 24 * time.Hour
	// RecentActivityWindow and RecentActivityLimit bound the raw rows in a report.
	RecentActivityWindow = 24 * time.Hour
	RecentActivityLimit  = 10

	DefaultSimilarLimit  = 5
	DefaultInsightsLimit = 100
	DefaultDaysToKeep    = 30
)

var ErrSessionNotFound = errors.New("learning session not found")

type Store interface {
	LogError(ctx context.Context, entry ErrorEntry) (string, error)
	RecordSolution(ctx context.Context, outcome SolutionOutcome) error
	MarkResolved(ctx context.Context, res Resolution) error
	RecordImprovement(ctx context.Context, imp Improvement) error
	RecordPerformanceMetric(ctx context.Context, m PerformanceMetric) error
	StartLearningSession(ctx context.Context, sessionID string) error
	EndLearningSession(ctx context.Context, sessionID string, summary SessionSummary) error
	CleanupOldData(ctx context.Context, daysToKeep int) (CleanupResult, error)

	GetErrorRecord(ctx context.Context, fingerprint string) *ErrorRecord
	GetBestSolution(ctx context.Context, fingerprint string) *Solution
	GetSimilarErrors(ctx context.Context, message, errContext string, limit int) []SimilarError
	GetLearningInsights(ctx context.Context, limit int) []ErrorTypeStats
	GetErrorPatterns(ctx context.Context) []ErrorTypeStats
	GenerateReport(ctx context.Context) *Report

	Close() error
}

// Fingerprint derives the deduplication key of a failure from its message and
// context: the first 16 hex characters of SHA-256(message + context).
func Fingerprint(message, errContext string) string {
	sum := sha256.Sum256([]byte(message + errContext))
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// Confidence is success / (success + failure), zero when nothing was tried.
func Confidence(successCount, failureCount int) float64 {
	total := successCount + failureCount
	if total == 0 {
		return 0
	}
	return float64(successCount) / float64(total)
}

func newReport(now time.Time) *Report {
	return &Report{
		Timestamp:        now,
		ErrorPatterns:    []ErrorTypeStats{},
		LearningInsights: []ErrorTypeStats{},
		RecentActivity:   []ErrorRecord{},
	}
}
