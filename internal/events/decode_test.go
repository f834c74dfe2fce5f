package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_CopiesTaskID(t *testing.T) {
	env, err := NewEnvelope("orchestrator-1", TaskAssignment{
		TaskID:     "step_1",
		WorkflowID: "wf_1",
		Capability: "search",
		Action:     "search_places",
		Input:      json.RawMessage(`{"query":"sushi"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, TaskAssignmentType, env.Type)
	assert.Equal(t, "orchestrator-1", env.From)
	assert.Equal(t, "step_1", env.TaskID)
	assert.False(t, env.Timestamp.IsZero())
}

func TestDecode_RoundTripsThroughWire(t *testing.T) {
	env, err := NewRequest("orchestrator-1", "req-1", HealthCheck{AgentID: "booking-1"})
	require.NoError(t, err)

	raw, err := env.Marshal()
	require.NoError(t, err)

	decodedEnv, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "req-1", decodedEnv.RequestID)

	msg, err := Decode(decodedEnv)
	require.NoError(t, err)
	check, ok := msg.(HealthCheck)
	require.True(t, ok)
	assert.Equal(t, "booking-1", check.AgentID)
}

func TestDecode_TaskIDFallsBackToEnvelope(t *testing.T) {
	env := Envelope{
		Type:   TaskCancellationType,
		From:   "orchestrator-1",
		TaskID: "step_9",
		Data:   json.RawMessage(`{"reason":"user"}`),
	}

	msg, err := Decode(env)
	require.NoError(t, err)
	cancellation := msg.(TaskCancellation)
	assert.Equal(t, "step_9", cancellation.TaskID)
	assert.Equal(t, "user", cancellation.Reason)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode(Envelope{Type: "telemetry_v2", Data: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecode_MalformedData(t *testing.T) {
	_, err := Decode(Envelope{Type: TaskCompletedType, Data: json.RawMessage(`[1,2]`)})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownType))
}

func TestUnmarshalEnvelope_RequiresType(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte(`{"from":"x","data":{}}`))
	assert.Error(t, err)

	_, err = UnmarshalEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestChannels(t *testing.T) {
	assert.Equal(t, "agent:booking", AgentTypeChannel("booking"))
	assert.Equal(t, "agent:booking-123", AgentChannel("booking-123"))
	assert.Equal(t, "response:orchestrator-1", ResponseChannel("orchestrator-1"))
}
