package tools

import (
	"context"
	"encoding/json"
)

const ActionEcho = "echo"

// EchoTool returns its input unchanged. Useful as a confirmation or
// summarising step at the end of a workflow.
type EchoTool struct{}

func NewEchoTool() *EchoTool {
	return &EchoTool{}
}

func (t *EchoTool) Name() string {
	return "echo"
}

func (t *EchoTool) Description() string {
	return "Return the step input as its output"
}

func (t *EchoTool) Capabilities() []string {
	return []string{"general"}
}

func (t *EchoTool) Invoke(ctx context.Context, action string, input json.RawMessage, tc ToolContext) (*Result, error) {
	if action != "" && action != ActionEcho {
		return nil, unsupported(t.Name(), action)
	}
	out := input
	if len(out) == 0 {
		out = json.RawMessage(`{}`)
	}
	return &Result{Output: out, ToolsUsed: []string{t.Name()}}, nil
}
