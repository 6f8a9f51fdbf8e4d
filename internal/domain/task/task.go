// Package task defines the Task domain entity and strategy payloads.
package task

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRetrying   Status = "retrying"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders tasks in the queue. Lower value is served first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Task represents one unit of work submitted for execution.
type Task struct {
	ID                   string            `json:"id"`
	Type                 string            `json:"type"`
	Priority             Priority          `json:"priority"`
	Status               Status            `json:"status"`
	Payload              json.RawMessage   `json:"payload,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Attempts             int               `json:"attempts"`
	MaxAttempts          int               `json:"max_attempts"`
	Timeout              time.Duration     `json:"timeout"`
	AssignedAgentID      string            `json:"assigned_agent_id,omitempty"`
	Result               json.RawMessage   `json:"result,omitempty"`
	Error                string            `json:"error,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
}

// SubmitRequest holds the fields accepted from upstream callers.
// TimeoutMS bounds a single dispatch attempt; zero picks the configured
// default, as does MaxAttempts.
type SubmitRequest struct {
	Type                 string            `json:"type"`
	Priority             *Priority         `json:"priority,omitempty"`
	Payload              json.RawMessage   `json:"payload,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	TimeoutMS            int64             `json:"timeout_ms,omitempty"`
	MaxAttempts          int               `json:"max_attempts,omitempty"`
}

// Stage is one step of a pipeline task.
type Stage struct {
	Type         string          `json:"type"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// PipelinePayload is the payload shape that selects the pipeline strategy.
// Stages run in order; each stage receives the previous stage's result.
type PipelinePayload struct {
	Stages []Stage `json:"stages"`
}

// StageInput is what a pipeline stage's sub-task carries as payload.
type StageInput struct {
	Payload        json.RawMessage `json:"payload,omitempty"`
	PreviousResult json.RawMessage `json:"previousResult,omitempty"`
}

// SubTask is one branch of a parallel task.
type SubTask struct {
	Type         string          `json:"type"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TimeoutMS    int64           `json:"timeout_ms,omitempty"`
}

// ParallelPayload is the payload shape that selects the parallel strategy.
// All sub-tasks are dispatched concurrently.
type ParallelPayload struct {
	Tasks []SubTask `json:"tasks"`
}

// SubResult is one branch outcome of a parallel task. The parallel task
// keeps all sub-results even when some branches fail.
type SubResult struct {
	Index  int             `json:"index"`
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
