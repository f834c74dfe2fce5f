package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateAgentID(t *testing.T) {
	id := CreateAgentID("booking")
	assert.True(t, strings.HasPrefix(id, "booking-"))
	assert.NotEqual(t, id, CreateAgentID("booking"))
}

func TestCreateWorkflowAndStepIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, CreateWorkflowID(), CreateWorkflowID())
	assert.True(t, strings.HasPrefix(CreateStepID(), "step_"))
	assert.True(t, strings.HasPrefix(CreateOrchestratorID(), "orchestrator-"))
}
