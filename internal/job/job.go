// Package job defines the queued unit of work consumed by the healing worker:
// its metadata, status and priority definitions, and serialization helpers.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	Status   string
	Priority int
	Job      struct {
		ID          string         `json:"id"`
		Type        string         `json:"type"`
		Payload     map[string]any `json:"payload"`
		Priority    Priority       `json:"priority"`
		Status      Status         `json:"status"`
		RetryCount  int            `json:"retry_count"`
		MaxRetries  int            `json:"max_retries"`
		CreatedAt   time.Time      `json:"created_at"`
		ScheduledAt time.Time      `json:"scheduled_at"`
		StartedAt   *time.Time     `json:"started_at,omitempty"`
		CompletedAt *time.Time     `json:"completed_at,omitempty"`
		Error       string         `json:"error,omitempty"`
		Result      map[string]any `json:"result,omitempty"`
	}
)

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Job types understood by the worker.
const (
	TypeHealWorkflow     = "heal_workflow"
	TypeGenerateReport   = "generate_report"
	TypeCleanup          = "cleanup"
	TypeSendNotification = "send_notification"
)

const DefaultMaxRetries = 3

func New(jobType string, payload map[string]any, priority Priority) *Job {
	now := time.Now()
	return &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		Status:      StatusPending,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		ScheduledAt: now,
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name back to its value. Unknown names fall
// back to medium.
func ParsePriority(name string) Priority {
	switch name {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

func (j *Job) ToJSON() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func (j *Job) ShouldMoveToDeadLetter() bool {
	return j.RetryCount >= j.MaxRetries && j.Status == StatusFailed
}

// PayloadString returns the payload value under key, or "" when it is absent or not a string.
func (j *Job) PayloadString(key string) string {
	v, _ := j.Payload[key].(string)
	return v
}

// PayloadInt returns the payload value under key as an int. JSON numbers decode
// as float64, so both are accepted.
func (j *Job) PayloadInt(key string, fallback int) int {
	switch v := j.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func FromJSON(data string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, err
	}

	return &j, nil
}
