package suggest

import (
	"encoding/json"
	"strings"
)

// Suggestion is one ranked fix proposed by the remote service.
type Suggestion struct {
	Kind        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Description string          `json:"description,omitempty"`
	Confidence  float64         `json:"confidence"`
}

// Payload renders the suggestion data as text. JSON strings are unquoted,
// anything else is returned as compact JSON, and an empty payload falls back
// to the description.
func (s Suggestion) Payload() string {
	raw := strings.TrimSpace(string(s.Data))
	if raw == "" || raw == "null" {
		return s.Description
	}

	var text string
	if err := json.Unmarshal(s.Data, &text); err == nil {
		return text
	}
	return raw
}

type ErrorReport struct {
	Workflow     string `json:"workflow"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	Fingerprint  string `json:"error_hash,omitempty"`
	Context      string `json:"context,omitempty"`
	AttemptedFix string `json:"attempted_fix,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

type FixRequest struct {
	Workflow     string `json:"workflow"`
	WorkflowPath string `json:"workflow_path,omitempty"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	Context      string `json:"context,omitempty"`
}

type FixResponse struct {
	Suggestions []Suggestion `json:"suggestions"`
	Message     string       `json:"message,omitempty"`
}

type LearningData struct {
	SessionID      string  `json:"session_id"`
	ErrorsAnalyzed int     `json:"errors_analyzed"`
	FixesApplied   int     `json:"fixes_applied"`
	SuccessRate    float64 `json:"success_rate"`
	Insights       any     `json:"insights,omitempty"`
}

type OptimizationRequest struct {
	Workflow string         `json:"workflow"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	Goals    []string       `json:"goals,omitempty"`
}

type OptimizationResult struct {
	Suggestions []Suggestion `json:"suggestions"`
	Summary     string       `json:"summary,omitempty"`
}

type FixValidation struct {
	Workflow     string  `json:"workflow"`
	ErrorType    string  `json:"error_type"`
	SolutionType string  `json:"solution_type"`
	SolutionData string  `json:"solution_data"`
	Confidence   float64 `json:"confidence"`
	Before       string  `json:"before_state,omitempty"`
	After        string  `json:"after_state,omitempty"`
}

// ValidationResult carries the service verdict. Valid is nil when the
// service did not state one.
type ValidationResult struct {
	Valid  *bool  `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Rejected reports an explicit valid:false verdict.
func (v *ValidationResult) Rejected() bool {
	return v != nil && v.Valid != nil && !*v.Valid
}

type suggestionsResponse struct {
	Suggestions []Suggestion `json:"suggestions"`
}

type envelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}
