package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CatchAll is the capability that matches any requested capability.
const CatchAll = "*"

// ToolContext carries the identity of the task a tool runs for.
type ToolContext struct {
	TaskID     string
	WorkflowID string
	SessionID  string
	AgentID    string
	Now        time.Time

	// Dependencies holds the outputs of completed upstream steps by step id.
	Dependencies map[string]json.RawMessage
}

type Result struct {
	Output    json.RawMessage
	ToolsUsed []string
}

// Tool interface that all skills must implement
type Tool interface {
	Name() string
	Description() string
	Capabilities() []string
	Invoke(ctx context.Context, action string, input json.RawMessage, tc ToolContext) (*Result, error)
}

// ToolError is what a failing skill returns. Only errors that set Retryable
// are offered to the orchestrator for another attempt.
type ToolError struct {
	Tool      string
	Action    string
	Code      string
	Retryable bool
	Err       error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s action %s: %v", e.Tool, e.Action, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// IsRetryable reports whether err carries a retryable ToolError.
func IsRetryable(err error) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Retryable
}

// ErrorCode returns the ToolError code of err, or fallback when none is set.
func ErrorCode(err error, fallback string) string {
	var te *ToolError
	if errors.As(err, &te) && te.Code != "" {
		return te.Code
	}
	return fallback
}

func marshalResult(name string, v any) (*Result, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s output: %w", name, err)
	}
	return &Result{Output: out, ToolsUsed: []string{name}}, nil
}

func unsupported(tool, action string) error {
	return &ToolError{Tool: tool, Action: action, Code: "unsupported_action", Err: errors.New("action not supported")}
}

func invalidInput(tool, action string, err error) error {
	return &ToolError{Tool: tool, Action: action, Code: "invalid_input", Err: err}
}
