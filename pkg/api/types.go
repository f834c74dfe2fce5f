package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepPlan describes one step of an explicit workflow plan. DependsOn
// entries name other steps of the same plan by name or id.
type StepPlan struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name"`
	Capability string          `json:"capability"`
	AgentType  string          `json:"agentType,omitempty"`
	Action     string          `json:"action,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	DependsOn  []string        `json:"dependsOn,omitempty"`
}

// WorkflowRequest submits either a named template (Type) or explicit Steps.
type WorkflowRequest struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId,omitempty"`
	Type      string          `json:"type,omitempty"`
	Title     string          `json:"title,omitempty"`
	Priority  int             `json:"priority,omitempty"`
	Steps     []StepPlan      `json:"steps,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type StepError struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
}

type Step struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Capability   string          `json:"capability"`
	Action       string          `json:"action,omitempty"`
	AgentType    string          `json:"agentType,omitempty"`
	AgentID      string          `json:"agentId,omitempty"`
	Status       string          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *StepError      `json:"error,omitempty"`
	Attempts     int             `json:"attempts"`
	Retries      int             `json:"retries"`
	Dependencies []string        `json:"dependencies,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

type WorkflowResult struct {
	Success     bool                       `json:"success"`
	Outputs     map[string]json.RawMessage `json:"outputs,omitempty"`
	FailedSteps []string                   `json:"failedSteps,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

type WorkflowStats struct {
	TotalSteps      int `json:"totalSteps"`
	CompletedSteps  int `json:"completedSteps"`
	FailedSteps     int `json:"failedSteps"`
	Retries         int `json:"retries"`
	ToolInvocations int `json:"toolInvocations"`
}

// Workflow is the orchestrator's view of one submitted request.
type Workflow struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	UserID      string          `json:"userId,omitempty"`
	Type        string          `json:"type"`
	Title       string          `json:"title,omitempty"`
	Priority    int             `json:"priority"`
	Steps       []Step          `json:"steps"`
	CurrentStep int             `json:"currentStep"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	Result      *WorkflowResult `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Stats       WorkflowStats   `json:"stats"`
}

// Terminal reports whether the workflow has finished one way or another.
func (w *Workflow) Terminal() bool {
	switch w.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

type Event struct {
	Type      string    `json:"type"`
	StepID    string    `json:"stepId,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Agent represents an agent as last seen by the orchestrator.
type Agent struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	HeldTasks     int       `json:"heldTaskCount"`
	MaxConcurrent int       `json:"maxConcurrent"`
	LastSeen      time.Time `json:"lastSeen"`
	Live          bool      `json:"live"`
}

type HostMetrics struct {
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
	Hostname    string  `json:"hostname,omitempty"`
}

// AgentHealth is an agent's reply to a health check.
type AgentHealth struct {
	AgentID       string       `json:"agentId"`
	AgentType     string       `json:"agentType"`
	Status        string       `json:"status"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	HeldTasks     int          `json:"heldTaskCount"`
	Completed     int64        `json:"completedTasks"`
	Failed        int64        `json:"failedTasks"`
	Host          *HostMetrics `json:"host,omitempty"`
}

// AgentStatus is an agent's reply to a status request.
type AgentStatus struct {
	AgentID       string    `json:"agentId"`
	AgentType     string    `json:"agentType"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	HeldTaskIDs   []string  `json:"heldTaskIds"`
	HeldTasks     int       `json:"heldTaskCount"`
	MaxConcurrent int       `json:"maxConcurrent"`
	Completed     int64     `json:"completedTasks"`
	Failed        int64     `json:"failedTasks"`
	SuccessRate   float64   `json:"successRate"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// HealthStatus represents the health of a service
type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Message)
}
