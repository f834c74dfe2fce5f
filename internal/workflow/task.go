package workflow

import (
	"encoding/json"
	"time"
)

type TaskError struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Task is the unit of work routed to exactly one agent at a time. Attempts
// counts every hand-back for reassignment; Retries counts only the ones
// caused by a retryable failure.
type Task struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflowId"`
	AgentType    string          `json:"agentType,omitempty"`
	AgentID      string          `json:"agentId,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Status       Status          `json:"status"`
	Error        *TaskError      `json:"error,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Duration     time.Duration   `json:"duration,omitempty"`
	Attempts     int             `json:"attempts"`
	Retries      int             `json:"retries"`
	Dependencies []string        `json:"dependencies,omitempty"`
}

// Step is a Task plus the metadata needed to route and present it.
type Step struct {
	Task
	Name       string `json:"name"`
	Capability string `json:"capability"`
	Action     string `json:"action,omitempty"`
}

// StepUpdate describes a proposed status change for a step.
type StepUpdate struct {
	Status  Status
	AgentID string
	Output  json.RawMessage
	Error   *TaskError
	At      time.Time
}
