package agent

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrShutDown          = errors.New("agent shut down")
)

// DuplicateTaskError is returned when an assignment arrives for a task the
// runtime already holds.
type DuplicateTaskError struct {
	TaskID  string
	AgentID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("agent %s already holds task %s", e.AgentID, e.TaskID)
}
