package events

import "time"

type HostMetrics struct {
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
	Hostname    string  `json:"hostname,omitempty"`
}

type Heartbeat struct {
	AgentID       string    `json:"agentId"`
	AgentType     string    `json:"agentType"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	HeldTasks     int       `json:"heldTaskCount"`
	MaxConcurrent int       `json:"maxConcurrent"`
	Timestamp     time.Time `json:"timestamp"`
}

func (Heartbeat) MessageType() string { return HeartbeatType }
func (Heartbeat) isMessage()          {}

type AgentStatus struct {
	AgentID       string   `json:"agentId"`
	AgentType     string   `json:"agentType"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Status        string   `json:"status"`
	HeldTasks     int      `json:"heldTaskCount"`
	MaxConcurrent int      `json:"maxConcurrent"`
	Reason        string   `json:"reason,omitempty"`
}

func (AgentStatus) MessageType() string { return AgentStatusType }
func (AgentStatus) isMessage()          {}

type HealthCheck struct {
	AgentID string `json:"agentId,omitempty"`
}

func (HealthCheck) MessageType() string { return HealthCheckType }
func (HealthCheck) isMessage()          {}

type StatusRequest struct {
	AgentID string `json:"agentId,omitempty"`
}

func (StatusRequest) MessageType() string { return StatusRequestType }
func (StatusRequest) isMessage()          {}

type HealthResponse struct {
	AgentID       string       `json:"agentId"`
	AgentType     string       `json:"agentType"`
	Status        string       `json:"status"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	HeldTasks     int          `json:"heldTaskCount"`
	Completed     int64        `json:"completedTasks"`
	Failed        int64        `json:"failedTasks"`
	Host          *HostMetrics `json:"host,omitempty"`
}

func (HealthResponse) MessageType() string { return HealthResponseType }
func (HealthResponse) isMessage()          {}

type StatusResponse struct {
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

func (StatusResponse) MessageType() string { return StatusResponseType }
func (StatusResponse) isMessage()          {}
