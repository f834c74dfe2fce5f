package utils

import (
	"fmt"

	"github.com/google/uuid"
)

func CreateAgentID(agentType string) string {
	return fmt.Sprintf("%s-%s", agentType, uuid.New().String())
}

func CreateWorkflowID() string {
	return fmt.Sprintf("wf_%s", uuid.New().String())
}

func CreateStepID() string {
	return fmt.Sprintf("step_%s", uuid.New().String())
}

func CreateRequestID() string {
	return uuid.New().String()
}

func CreateOrchestratorID() string {
	return fmt.Sprintf("orchestrator-%s", uuid.New().String()[:8])
}
