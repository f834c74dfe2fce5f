package tools

import (
	"errors"
	"fmt"
	"log/slog"
)

var ErrUnknownAgentType = errors.New("unknown agent type")

// BuiltinAgentTypes are the agent types that ship with a stock tool set.
var BuiltinAgentTypes = []string{"search", "booking", "general"}

type BuiltinOptions struct {
	Logger        *slog.Logger
	CallProvider  CallProvider
	FallbackPhone string
}

// BuiltinRegistry returns the registry a stock agent of the given type
// runs with.
func BuiltinRegistry(agentType string, opts BuiltinOptions) (*Registry, error) {
	var tool Tool
	switch agentType {
	case "search":
		tool = NewPlaceSearchTool(opts.Logger)
	case "booking":
		tool = NewReservationTool(ReservationOptions{
			Provider:      opts.CallProvider,
			FallbackPhone: opts.FallbackPhone,
			Logger:        opts.Logger,
		})
	case "general":
		tool = NewEchoTool()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgentType, agentType)
	}
	reg := NewRegistry()
	if err := reg.RegisterTool(tool); err != nil {
		return nil, err
	}
	return reg, nil
}
