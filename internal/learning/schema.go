package learning

import (
	"context"
	"fmt"
	"strings"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS error_logs (
		id {{id}},
		workflow TEXT NOT NULL,
		error_message TEXT NOT NULL,
		error_hash TEXT UNIQUE NOT NULL,
		error_type TEXT NOT NULL,
		fix_action TEXT,
		fixed_by TEXT,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		confidence_score {{real}} NOT NULL DEFAULT 0,
		timestamp {{ts}} NOT NULL,
		last_seen {{ts}} NOT NULL,
		context TEXT,
		stack_trace TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		resolution_time BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS solutions (
		id {{id}},
		error_hash TEXT NOT NULL,
		solution_type TEXT NOT NULL,
		solution_data TEXT NOT NULL,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		average_resolution_time {{real}} NOT NULL DEFAULT 0,
		last_used {{ts}} NOT NULL,
		confidence {{real}} NOT NULL DEFAULT 0,
		UNIQUE (error_hash, solution_type)
	)`,
	`CREATE TABLE IF NOT EXISTS improvements (
		id {{id}},
		component TEXT NOT NULL,
		change_description TEXT NOT NULL,
		commit_hash TEXT,
		result TEXT,
		performance_gain {{real}} NOT NULL DEFAULT 0,
		quality_score {{real}} NOT NULL DEFAULT 0,
		timestamp {{ts}} NOT NULL,
		workflow_run_id TEXT,
		before_state TEXT,
		after_state TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS performance_metrics (
		id {{id}},
		workflow TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		metric_value {{real}} NOT NULL,
		unit TEXT NOT NULL,
		timestamp {{ts}} NOT NULL,
		context TEXT,
		improvement_percentage {{real}} NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS learning_sessions (
		id {{id}},
		session_id TEXT UNIQUE NOT NULL,
		start_time {{ts}} NOT NULL,
		end_time {{ts}},
		errors_analyzed INTEGER NOT NULL DEFAULT 0,
		fixes_applied INTEGER NOT NULL DEFAULT 0,
		success_rate {{real}} NOT NULL DEFAULT 0,
		learning_insights TEXT,
		session_data TEXT
	)`,
	"CREATE INDEX IF NOT EXISTS idx_error_logs_last_seen ON error_logs(last_seen)",
	"CREATE INDEX IF NOT EXISTS idx_error_logs_type ON error_logs(error_type)",
	"CREATE INDEX IF NOT EXISTS idx_solutions_hash ON solutions(error_hash)",
	"CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON performance_metrics(timestamp)",
}

func (s *SQLStore) schema() []string {
	r := strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{ts}}", "TIMESTAMP",
		"{{real}}", "REAL",
	)
	if s.dialect == DialectPostgres {
		r = strings.NewReplacer(
			"{{id}}", "BIGSERIAL PRIMARY KEY",
			"{{ts}}", "TIMESTAMPTZ",
			"{{real}}", "DOUBLE PRECISION",
		)
	}

	out := make([]string, 0, len(schemaStatements))
	for _, stmt := range schemaStatements {
		out = append(out, r.Replace(stmt))
	}
	return out
}

// Migrate creates the learning tables and indexes when they are missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	s.logger.Info("learning store schema ready", "dialect", s.dialect)
	return nil
}
