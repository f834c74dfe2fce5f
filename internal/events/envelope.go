package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the unit exchanged over the bus. Type is the dispatch key and
// Data holds the type-specific payload as a JSON object.
type Envelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	TaskID    string          `json:"taskId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type taskScoped interface {
	taskID() string
}

func NewEnvelope(from string, msg Message) (Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", msg.MessageType(), err)
	}

	env := Envelope{
		Type:      msg.MessageType(),
		From:      from,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if ts, ok := msg.(taskScoped); ok {
		env.TaskID = ts.taskID()
	}
	return env, nil
}

func NewRequest(from, requestID string, msg Message) (Envelope, error) {
	env, err := NewEnvelope(from, msg)
	if err != nil {
		return Envelope{}, err
	}
	env.RequestID = requestID
	return env, nil
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope has no type")
	}
	return env, nil
}
