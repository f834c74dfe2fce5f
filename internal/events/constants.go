package events

const (
	TaskAssignmentType   = "task_assignment"
	TaskStartedType      = "task_started"
	TaskCompletedType    = "task_completed"
	TaskFailedType       = "task_failed"
	TaskCancellationType = "task_cancellation"
	TaskCancelledType    = "task_cancelled"
	TaskRejectedType     = "task_rejected"

	HealthCheckType    = "health_check"
	HealthResponseType = "health_response"
	StatusRequestType  = "status_request"
	StatusResponseType = "status_response"

	HeartbeatType   = "heartbeat"
	AgentStatusType = "agent_status"

	WorkflowCancelledType = "workflow_cancelled"
)

const (
	FleetChannel        = "agents"
	OrchestratorChannel = "orchestrator"
	TaskResultsChannel  = "task_results"

	agentChannelPrefix    = "agent:"
	responseChannelPrefix = "response:"
)

const (
	AgentStatusIdle    = "idle"
	AgentStatusWorking = "working"
	AgentStatusOffline = "offline"
)

const (
	CancelReasonShutdown = "shutdown"
)

func AgentChannel(agentID string) string { return agentChannelPrefix + agentID }

func AgentTypeChannel(agentType string) string { return agentChannelPrefix + agentType }

func ResponseChannel(requesterID string) string { return responseChannelPrefix + requesterID }
