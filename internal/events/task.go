package events

import (
	"encoding/json"
	"time"
)

type ErrorInfo struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
}

type ExecutionMetadata struct {
	ProcessingTimeMs int64    `json:"processingTimeMs"`
	ToolsUsed        []string `json:"toolsUsed,omitempty"`
	Fallback         bool     `json:"fallback,omitempty"`
}

type TaskAssignment struct {
	TaskID        string                     `json:"taskId"`
	WorkflowID    string                     `json:"workflowId"`
	SessionID     string                     `json:"sessionId,omitempty"`
	StepName      string                     `json:"stepName,omitempty"`
	Capability    string                     `json:"capability"`
	Action        string                     `json:"action"`
	Input         json.RawMessage            `json:"input,omitempty"`
	Context       map[string]json.RawMessage `json:"context,omitempty"`
	TargetAgentID string                     `json:"targetAgentId,omitempty"`
	Attempt       int                        `json:"attempt,omitempty"`
}

func (TaskAssignment) MessageType() string { return TaskAssignmentType }
func (m TaskAssignment) taskID() string    { return m.TaskID }
func (TaskAssignment) isMessage()          {}

type TaskStarted struct {
	TaskID     string    `json:"taskId"`
	WorkflowID string    `json:"workflowId"`
	AgentID    string    `json:"agentId"`
	AgentType  string    `json:"agentType"`
	Attempt    int       `json:"attempt,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
}

func (TaskStarted) MessageType() string { return TaskStartedType }
func (m TaskStarted) taskID() string    { return m.TaskID }
func (TaskStarted) isMessage()          {}

type TaskCompleted struct {
	TaskID      string            `json:"taskId"`
	WorkflowID  string            `json:"workflowId"`
	AgentID     string            `json:"agentId"`
	Attempt     int               `json:"attempt,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Metadata    ExecutionMetadata `json:"metadata"`
	CompletedAt time.Time         `json:"completedAt"`
}

func (TaskCompleted) MessageType() string { return TaskCompletedType }
func (m TaskCompleted) taskID() string    { return m.TaskID }
func (TaskCompleted) isMessage()          {}

type TaskFailed struct {
	TaskID     string            `json:"taskId"`
	WorkflowID string            `json:"workflowId"`
	AgentID    string            `json:"agentId"`
	Attempt    int               `json:"attempt,omitempty"`
	Error      ErrorInfo         `json:"error"`
	Metadata   ExecutionMetadata `json:"metadata"`
	FailedAt   time.Time         `json:"failedAt"`
}

func (TaskFailed) MessageType() string { return TaskFailedType }
func (m TaskFailed) taskID() string    { return m.TaskID }
func (TaskFailed) isMessage()          {}

type TaskCancellation struct {
	TaskID     string `json:"taskId"`
	WorkflowID string `json:"workflowId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (TaskCancellation) MessageType() string { return TaskCancellationType }
func (m TaskCancellation) taskID() string    { return m.TaskID }
func (TaskCancellation) isMessage()          {}

type TaskCancelled struct {
	TaskID     string `json:"taskId"`
	WorkflowID string `json:"workflowId,omitempty"`
	AgentID    string `json:"agentId"`
	Reason     string `json:"reason,omitempty"`
}

func (TaskCancelled) MessageType() string { return TaskCancelledType }
func (m TaskCancelled) taskID() string    { return m.TaskID }
func (TaskCancelled) isMessage()          {}

// TaskRejected tells the orchestrator an assignment was not taken so the step
// can be routed elsewhere.
type TaskRejected struct {
	TaskID     string `json:"taskId"`
	WorkflowID string `json:"workflowId,omitempty"`
	AgentID    string `json:"agentId"`
	Reason     string `json:"reason"`
}

// Rejection reasons the orchestrator acts on beyond requeueing the step.
const (
	RejectAtCapacity   = "at capacity"
	RejectShuttingDown = "shutting down"
)

func (TaskRejected) MessageType() string { return TaskRejectedType }
func (m TaskRejected) taskID() string    { return m.TaskID }
func (TaskRejected) isMessage()          {}
