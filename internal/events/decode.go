package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownType = errors.New("unknown message type")

// Message is the closed set of payloads that travel inside an Envelope.
type Message interface {
	MessageType() string
	isMessage()
}

func decodeData[T Message](env Envelope) (T, error) {
	var msg T
	if len(env.Data) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return msg, fmt.Errorf("failed to unmarshal %s data: %w", env.Type, err)
	}
	return msg, nil
}

func fillTaskID(id *string, env Envelope) {
	if *id == "" {
		*id = env.TaskID
	}
}

// Decode turns an envelope into its typed message. Unknown types return
// ErrUnknownType so callers can skip them.
func Decode(env Envelope) (Message, error) {
	switch env.Type {
	case TaskAssignmentType:
		m, err := decodeData[TaskAssignment](env)
		fillTaskID(&m.TaskID, env)
		return m, err
	case TaskStartedType:
		m, err := decodeData[TaskStarted](env)
		fillTaskID(&m.TaskID, env)
		return m, err
	case TaskCompletedType:
		m, err := decodeData[TaskCompleted](env)
		fillTaskID(&m.TaskID, env)
		return m, err
	case TaskFailedType:
		m, err := decodeData[TaskFailed](env)
		fillTaskID(&m.TaskID, env)
		return m, err
	case TaskCancellationType:
		m, err := decodeData[TaskCancellation](env)
		fillTaskID(&m.TaskID, env)
		return m, err
	case TaskCancelledType:
		m, err := decodeData[TaskCancelled](env)
		fillTaskID(&m.TaskID, env)
		return m, err
	case TaskRejectedType:
		m, err := decodeData[TaskRejected](env)
		fillTaskID(&m.TaskID, env)
		return m, err
	case HealthCheckType:
		return decodeData[HealthCheck](env)
	case HealthResponseType:
		return decodeData[HealthResponse](env)
	case StatusRequestType:
		return decodeData[StatusRequest](env)
	case StatusResponseType:
		return decodeData[StatusResponse](env)
	case HeartbeatType:
		return decodeData[Heartbeat](env)
	case AgentStatusType:
		return decodeData[AgentStatus](env)
	case WorkflowCancelledType:
		return decodeData[WorkflowCancelled](env)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}
}
