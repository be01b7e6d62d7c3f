package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/nadmax/cihealer/internal/metrics"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"

	DefaultOpTimeout = 10 * time.Second
)

// SQLStore persists learning data in PostgreSQL or SQLite through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

type Option func(*SQLStore)

func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLStore) { s.logger = logger }
}

// WithTimeout bounds every individual statement.
func WithTimeout(d time.Duration) Option {
	return func(s *SQLStore) { s.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

// DialectFor picks the driver for a DSN: postgres URLs go to lib/pq,
// anything else is treated as a SQLite database path.
func DialectFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// Open connects to the store behind dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	dialect := DialectFor(dsn)

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open learning store: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping learning store: %w", err)
	}

	if dialect == DialectPostgres {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	} else {
		// one writer per SQLite file; also keeps ":memory:" on a single database
		db.SetMaxOpenConns(1)
	}

	s := NewSQLStore(db, dialect, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func NewSQLStore(db *sql.DB, dialect string, opts ...Option) *SQLStore {
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default(),
		timeout: DefaultOpTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// rebind converts ? placeholders to $N for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	n := 1
	var out strings.Builder
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&out, "$%d", n)
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// stamp returns the current time in UTC at second precision so textual
// timestamps compare correctly in SQLite.
func (s *SQLStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

func (s *SQLStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQLStore) writeFailed(op string, err error, attrs ...any) error {
	metrics.RecordStoreError(op)
	s.logger.Error("learning store write failed", append([]any{"op", op, "error", err}, attrs...)...)
	return fmt.Errorf("%s: %w", op, err)
}

func (s *SQLStore) readFailed(op string, err error, attrs ...any) {
	metrics.RecordStoreError(op)
	s.logger.Warn("learning store read failed", append([]any{"op", op, "error", err}, attrs...)...)
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *SQLStore) LogError(ctx context.Context, entry ErrorEntry) (string, error) {
	fingerprint := Fingerprint(entry.Message, entry.Context)
	if entry.Kind == "" {
		entry.Kind = "unknown"
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.stamp()
	query := s.rebind(`
		INSERT INTO error_logs (
			workflow, error_message, error_hash, error_type, fix_action,
			fixed_by, context, stack_trace, timestamp, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (error_hash) DO UPDATE SET
			retry_count = error_logs.retry_count + 1,
			last_seen = excluded.last_seen
		RETURNING retry_count
	`)

	var retryCount int
	err := s.db.QueryRowContext(
		ctx,
		query,
		entry.Workflow,
		entry.Message,
		fingerprint,
		entry.Kind,
		nullString(entry.FixAction),
		nullString(entry.FixedBy),
		entry.Context,
		entry.StackTrace,
		now,
		now,
	).Scan(&retryCount)
	if err != nil {
		return "", s.writeFailed("log_error", err, "fingerprint", fingerprint)
	}

	if retryCount == 0 {
		s.logger.Info("logged new error", "fingerprint", fingerprint, "workflow", entry.Workflow, "error_type", entry.Kind)
	} else {
		s.logger.Info("updated existing error", "fingerprint", fingerprint, "retry_count", retryCount)
	}

	return fingerprint, nil
}

func (s *SQLStore) RecordSolution(ctx context.Context, outcome SolutionOutcome) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	successes, failures, confidence := 0, 1, 0.0
	if outcome.Success {
		successes, failures, confidence = 1, 0, 1.0
	}

	query := s.rebind(`
		INSERT INTO solutions (
			error_hash, solution_type, solution_data, success_count,
			failure_count, average_resolution_time, last_used, confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (error_hash, solution_type) DO UPDATE SET
			success_count = solutions.success_count + excluded.success_count,
			failure_count = solutions.failure_count + excluded.failure_count,
			average_resolution_time = (solutions.average_resolution_time + excluded.average_resolution_time) / 2,
			last_used = excluded.last_used,
			confidence = (solutions.success_count + excluded.success_count) * 1.0
				/ (solutions.success_count + solutions.failure_count + 1)
	`)

	_, err := s.db.ExecContext(
		ctx,
		query,
		outcome.Fingerprint,
		outcome.Kind,
		outcome.Payload,
		successes,
		failures,
		float64(outcome.ResolutionMs),
		s.stamp(),
		confidence,
	)
	if err != nil {
		return s.writeFailed("record_solution", err, "fingerprint", outcome.Fingerprint, "solution_type", outcome.Kind)
	}

	s.logger.Info("recorded solution outcome",
		"fingerprint", outcome.Fingerprint,
		"solution_type", outcome.Kind,
		"success", outcome.Success,
		"resolution_ms", outcome.ResolutionMs,
	)
	return nil
}

func (s *SQLStore) MarkResolved(ctx context.Context, res Resolution) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := s.rebind(`
		UPDATE error_logs
		SET success = ?,
		    fix_action = ?,
		    fixed_by = ?,
		    confidence_score = ?,
		    resolution_time = ?
		WHERE error_hash = ?
	`)
	_, err := s.db.ExecContext(ctx, query, true, res.FixAction, nullString(res.FixedBy), res.Confidence, res.ResolutionMs, res.Fingerprint)
	if err != nil {
		return s.writeFailed("mark_resolved", err, "fingerprint", res.Fingerprint)
	}

	return nil
}

func (s *SQLStore) RecordImprovement(ctx context.Context, imp Improvement) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := s.rebind(`
		INSERT INTO improvements (
			component, change_description, commit_hash, result, performance_gain,
			quality_score, timestamp, workflow_run_id, before_state, after_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(
		ctx,
		query,
		imp.Component,
		imp.ChangeDescription,
		nullString(imp.CommitHash),
		imp.Result,
		imp.PerformanceGain,
		imp.QualityScore,
		s.stamp(),
		nullString(imp.WorkflowRunID),
		imp.BeforeState,
		imp.AfterState,
	)
	if err != nil {
		return s.writeFailed("record_improvement", err, "component", imp.Component)
	}

	s.logger.Info("recorded improvement", "component", imp.Component, "result", imp.Result)
	return nil
}

func (s *SQLStore) RecordPerformanceMetric(ctx context.Context, m PerformanceMetric) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := s.rebind(`
		INSERT INTO performance_metrics (
			workflow, metric_name, metric_value, unit, timestamp, context, improvement_percentage
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, m.Workflow, m.MetricName, m.MetricValue, m.Unit, s.stamp(), m.Context, m.ImprovementPercentage)
	if err != nil {
		return s.writeFailed("record_performance_metric", err, "metric", m.MetricName)
	}

	s.logger.Debug("recorded performance metric", "metric", m.MetricName, "value", m.MetricValue, "unit", m.Unit)
	return nil
}

func (s *SQLStore) StartLearningSession(ctx context.Context, sessionID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := s.rebind(`INSERT INTO learning_sessions (session_id, start_time) VALUES (?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, sessionID, s.stamp()); err != nil {
		return s.writeFailed("start_learning_session", err, "session_id", sessionID)
	}

	s.logger.Info("started learning session", "session_id", sessionID)
	return nil
}

func (s *SQLStore) EndLearningSession(ctx context.Context, sessionID string, summary SessionSummary) error {
	snapshot, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal session summary: %w", err)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := s.rebind(`
		UPDATE learning_sessions
		SET end_time = ?,
		    errors_analyzed = ?,
		    fixes_applied = ?,
		    success_rate = ?,
		    learning_insights = ?,
		    session_data = ?
		WHERE session_id = ?
	`)
	res, err := s.db.ExecContext(
		ctx,
		query,
		s.stamp(),
		summary.ErrorsAnalyzed,
		summary.FixesApplied,
		summary.SuccessRate,
		summary.Insights,
		string(snapshot),
		sessionID,
	)
	if err != nil {
		return s.writeFailed("end_learning_session", err, "session_id", sessionID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return s.writeFailed("end_learning_session", err, "session_id", sessionID)
	}
	if n == 0 {
		return s.writeFailed("end_learning_session", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}

	s.logger.Info("ended learning session", "session_id", sessionID, "errors_analyzed", summary.ErrorsAnalyzed, "fixes_applied", summary.FixesApplied)
	return nil
}

func (s *SQLStore) CleanupOldData(ctx context.Context, daysToKeep int) (CleanupResult, error) {
	if daysToKeep <= 0 {
		daysToKeep = DefaultDaysToKeep
	}
	result := CleanupResult{DaysKept: daysToKeep}
	cutoff := s.stamp().AddDate(0, 0, -daysToKeep)

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM error_logs WHERE last_seen < ?`), cutoff)
	if err != nil {
		return result, s.writeFailed("cleanup_error_logs", err)
	}
	result.ErrorsDeleted, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, s.rebind(`DELETE FROM performance_metrics WHERE timestamp < ?`), cutoff)
	if err != nil {
		return result, s.writeFailed("cleanup_performance_metrics", err)
	}
	result.MetricsDeleted, _ = res.RowsAffected()

	s.logger.Info("cleaned up learning data",
		"days_kept", daysToKeep,
		"errors_deleted", result.ErrorsDeleted,
		"metrics_deleted", result.MetricsDeleted,
	)
	return result, nil
}

const errorColumns = `
	id, workflow, error_message, error_hash, error_type,
	COALESCE(fix_action, ''), COALESCE(fixed_by, ''), success, confidence_score,
	timestamp, last_seen, COALESCE(context, ''), COALESCE(stack_trace, ''),
	retry_count, resolution_time
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanErrorRecord(row rowScanner) (ErrorRecord, error) {
	var r ErrorRecord
	var firstSeen, lastSeen dbTime
	err := row.Scan(
		&r.ID,
		&r.Workflow,
		&r.ErrorMessage,
		&r.Fingerprint,
		&r.ErrorType,
		&r.FixAction,
		&r.FixedBy,
		&r.Success,
		&r.ConfidenceScore,
		&firstSeen,
		&lastSeen,
		&r.Context,
		&r.StackTrace,
		&r.RetryCount,
		&r.ResolutionTimeMs,
	)
	r.FirstSeen = firstSeen.Time
	r.LastSeen = lastSeen.Time
	return r, err
}

func (s *SQLStore) queryErrorRecords(ctx context.Context, query string, args ...any) ([]ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Warn("failed to close rows", "error", err)
		}
	}()

	records := []ErrorRecord{}
	for rows.Next() {
		r, err := scanErrorRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (s *SQLStore) GetErrorRecord(ctx context.Context, fingerprint string) *ErrorRecord {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+errorColumns+` FROM error_logs WHERE error_hash = ?`), fingerprint)
	r, err := scanErrorRecord(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.readFailed("get_error_record", err, "fingerprint", fingerprint)
		}
		return nil
	}
	return &r
}

func (s *SQLStore) GetBestSolution(ctx context.Context, fingerprint string) *Solution {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := s.rebind(`
		SELECT
			id, error_hash, solution_type, solution_data, success_count,
			failure_count, average_resolution_time, last_used, confidence
		FROM solutions
		WHERE error_hash = ?
		ORDER BY confidence DESC, success_count DESC
		LIMIT 1
	`)

	var sol Solution
	var lastUsed dbTime
	err := s.db.QueryRowContext(ctx, query, fingerprint).Scan(
		&sol.ID,
		&sol.Fingerprint,
		&sol.Kind,
		&sol.Payload,
		&sol.SuccessCount,
		&sol.FailureCount,
		&sol.AverageResolutionMs,
		&lastUsed,
		&sol.Confidence,
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.readFailed("get_best_solution", err, "fingerprint", fingerprint)
		}
		return nil
	}

	sol.LastUsed = lastUsed.Time
	return &sol
}

func (s *SQLStore) GetSimilarErrors(ctx context.Context, message, errContext string, limit int) []SimilarError {
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}

	query := `SELECT ` + errorColumns + ` FROM error_logs WHERE error_message LIKE ?`
	args := []any{"%" + message + "%"}
	if errContext != "" {
		query += ` OR context LIKE ?`
		args = append(args, "%"+errContext+"%")
	}
	query += ` ORDER BY last_seen DESC, id DESC LIMIT ?`
	args = append(args, limit)

	opCtx, cancel := s.opContext(ctx)
	records, err := s.queryErrorRecords(opCtx, query, args...)
	cancel()
	if err != nil {
		s.readFailed("get_similar_errors", err)
		return []SimilarError{}
	}

	similar := make([]SimilarError, 0, len(records))
	for _, r := range records {
		se := SimilarError{ErrorRecord: r}
		if sol := s.GetBestSolution(ctx, r.Fingerprint); sol != nil {
			confidence := sol.Confidence
			se.SolutionType = sol.Kind
			se.SolutionData = sol.Payload
			se.SolutionConfidence = &confidence
		}
		similar = append(similar, se)
	}

	return similar
}

func (s *SQLStore) queryStats(ctx context.Context, op, query string, args ...any) []ErrorTypeStats {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		s.readFailed(op, err)
		return []ErrorTypeStats{}
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Warn("failed to close rows", "error", err)
		}
	}()

	stats := []ErrorTypeStats{}
	for rows.Next() {
		var st ErrorTypeStats
		var lastSeen dbTime
		if err := rows.Scan(
			&st.ErrorType,
			&st.Frequency,
			&st.AvgResolutionTimeMs,
			&st.AvgConfidence,
			&lastSeen,
		); err != nil {
			s.readFailed(op, err)
			return []ErrorTypeStats{}
		}
		st.LastSeen = lastSeen.Time
		stats = append(stats, st)
	}

	if err := rows.Err(); err != nil {
		s.readFailed(op, err)
		return []ErrorTypeStats{}
	}
	return stats
}

func (s *SQLStore) GetLearningInsights(ctx context.Context, limit int) []ErrorTypeStats {
	if limit <= 0 {
		limit = DefaultInsightsLimit
	}

	query := `
		SELECT
			el.error_type,
			COUNT(*) AS frequency,
			COALESCE(AVG(el.resolution_time), 0) AS avg_resolution_time,
			COALESCE(AVG(s.best_confidence), 0) AS avg_confidence,
			MAX(el.last_seen) AS last_seen
		FROM error_logs el
		LEFT JOIN (
			SELECT error_hash, MAX(confidence) AS best_confidence
			FROM solutions
			GROUP BY error_hash
		) s ON s.error_hash = el.error_hash
		WHERE el.last_seen > ?
		GROUP BY el.error_type
		ORDER BY frequency DESC, el.error_type
		LIMIT ?
	`
	return s.queryStats(ctx, "get_learning_insights", query, s.stamp().Add(-InsightsWindow), limit)
}

func (s *SQLStore) GetErrorPatterns(ctx context.Context) []ErrorTypeStats {
	query := `
		SELECT
			error_type,
			COUNT(*) AS frequency,
			COALESCE(AVG(resolution_time), 0) AS avg_resolution_time,
			COALESCE(AVG(confidence_score), 0) AS avg_confidence,
			MAX(last_seen) AS last_seen
		FROM error_logs
		WHERE last_seen > ?
		GROUP BY error_type
		ORDER BY frequency DESC, error_type
	`
	return s.queryStats(ctx, "get_error_patterns", query, s.stamp().Add(-PatternsWindow))
}

var reportTables = []string{"error_logs", "solutions", "improvements", "learning_sessions"}

func (s *SQLStore) count(ctx context.Context, table string) int64 {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		s.readFailed("count_"+table, err)
		return 0
	}
	return n
}

func (s *SQLStore) GenerateReport(ctx context.Context) *Report {
	now := s.stamp()
	report := newReport(now)

	counts := make(map[string]int64, len(reportTables))
	for _, table := range reportTables {
		counts[table] = s.count(ctx, table)
	}
	report.Summary = ReportSummary{
		TotalErrors:       counts["error_logs"],
		TotalSolutions:    counts["solutions"],
		TotalImprovements: counts["improvements"],
		TotalSessions:     counts["learning_sessions"],
	}

	report.ErrorPatterns = s.GetErrorPatterns(ctx)
	report.LearningInsights = s.GetLearningInsights(ctx, DefaultInsightsLimit)

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	recent, err := s.queryErrorRecords(
		opCtx,
		`SELECT `+errorColumns+` FROM error_logs WHERE last_seen > ? ORDER BY last_seen DESC, id DESC LIMIT ?`,
		now.Add(-RecentActivityWindow),
		RecentActivityLimit,
	)
	if err != nil {
		s.readFailed("recent_activity", err)
	} else {
		report.RecentActivity = recent
	}

	return report
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
