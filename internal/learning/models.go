package learning

import "time"

// ErrorEntry is one observed failure as handed to LogError.
type ErrorEntry struct {
	Workflow   string `json:"workflow"`
	Message    string `json:"error_message"`
	Kind       string `json:"error_type"`
	Context    string `json:"context"`
	StackTrace string `json:"stack_trace"`
	FixAction  string `json:"fix_action,omitempty"`
	FixedBy    string `json:"fixed_by,omitempty"`
}

type ErrorRecord struct {
	ID               int64     `json:"id"`
	Workflow         string    `json:"workflow"`
	ErrorMessage     string    `json:"error_message"`
	Fingerprint      string    `json:"error_hash"`
	ErrorType        string    `json:"error_type"`
	FixAction        string    `json:"fix_action,omitempty"`
	FixedBy          string    `json:"fixed_by,omitempty"`
	Success          bool      `json:"success"`
	ConfidenceScore  float64   `json:"confidence_score"`
	FirstSeen        time.Time `json:"timestamp"`
	LastSeen         time.Time `json:"last_seen"`
	Context          string    `json:"context"`
	StackTrace       string    `json:"stack_trace"`
	RetryCount       int       `json:"retry_count"`
	ResolutionTimeMs int64     `json:"resolution_time"`
}

type Solution struct {
	ID                  int64     `json:"id"`
	Fingerprint         string    `json:"error_hash"`
	Kind                string    `json:"solution_type"`
	Payload             string    `json:"solution_data"`
	SuccessCount        int       `json:"success_count"`
	FailureCount        int       `json:"failure_count"`
	AverageResolutionMs float64   `json:"average_resolution_time"`
	LastUsed            time.Time `json:"last_used"`
	Confidence          float64   `json:"confidence"`
}

// SolutionOutcome reports one attempt of a fix against a fingerprint.
type SolutionOutcome struct {
	Fingerprint  string
	Kind         string
	Payload      string
	Success      bool
	ResolutionMs int64
}

// Resolution stamps an error record with the fix that resolved it.
type Resolution struct {
	Fingerprint  string
	FixAction    string
	FixedBy      string
	Confidence   float64
	ResolutionMs int64
}

// SimilarError is an error record joined with its best known solution, if any.
type SimilarError struct {
	ErrorRecord
	SolutionType       string   `json:"solution_type,omitempty"`
	SolutionData       string   `json:"solution_data,omitempty"`
	SolutionConfidence *float64 `json:"solution_confidence,omitempty"`
}

type Improvement struct {
	ID                int64     `json:"id"`
	Component         string    `json:"component"`
	ChangeDescription string    `json:"change_description"`
	CommitHash        string    `json:"commit_hash,omitempty"`
	Result            string    `json:"result"`
	PerformanceGain   float64   `json:"performance_gain"`
	QualityScore      float64   `json:"quality_score"`
	Timestamp         time.Time `json:"timestamp"`
	WorkflowRunID     string    `json:"workflow_run_id,omitempty"`
	BeforeState       string    `json:"before_state,omitempty"`
	AfterState        string    `json:"after_state,omitempty"`
}

type PerformanceMetric struct {
	ID                    int64     `json:"id"`
	Workflow              string    `json:"workflow"`
	MetricName            string    `json:"metric_name"`
	MetricValue           float64   `json:"metric_value"`
	Unit                  string    `json:"unit"`
	Timestamp             time.Time `json:"timestamp"`
	Context               string    `json:"context,omitempty"`
	ImprovementPercentage float64   `json:"improvement_percentage"`
}

type LearningSession struct {
	ID             int64      `json:"id"`
	SessionID      string     `json:"session_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	ErrorsAnalyzed int        `json:"errors_analyzed"`
	FixesApplied   int        `json:"fixes_applied"`
	SuccessRate    float64    `json:"success_rate"`
	Insights       string     `json:"learning_insights,omitempty"`
	SessionData    string     `json:"session_data,omitempty"`
}

// SessionSummary holds the closing counters of a learning session. The
// counters are supplied by the caller; the store does not derive them.
type SessionSummary struct {
	ErrorsAnalyzed int     `json:"errors_analyzed"`
	FixesApplied   int     `json:"fixes_applied"`
	SuccessRate    float64 `json:"success_rate"`
	Insights       string  `json:"learning_insights"`
}

// ErrorTypeStats aggregates error records of one kind over a time window.
type ErrorTypeStats struct {
	ErrorType           string    `json:"error_type"`
	Frequency           int       `json:"frequency"`
	AvgResolutionTimeMs float64   `json:"avg_resolution_time"`
	AvgConfidence       float64   `json:"avg_confidence"`
	LastSeen            time.Time `json:"last_seen"`
}

type CleanupResult struct {
	ErrorsDeleted  int64 `json:"errors_deleted"`
	MetricsDeleted int64 `json:"metrics_deleted"`
	DaysKept       int   `json:"days_kept"`
}

type ReportSummary struct {
	TotalErrors       int64 `json:"total_errors"`
	TotalSolutions    int64 `json:"total_solutions"`
	TotalImprovements int64 `json:"total_improvements"`
	TotalSessions     int64 `json:"total_sessions"`
}

type Report struct {
	Timestamp        time.Time        `json:"timestamp"`
	Summary          ReportSummary    `json:"summary"`
	ErrorPatterns    []ErrorTypeStats `json:"error_patterns"`
	LearningInsights []ErrorTypeStats `json:"learning_insights"`
	RecentActivity   []ErrorRecord    `json:"recent_activity"`
}
