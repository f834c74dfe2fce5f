package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/tools"
)

// FallbackFunc produces a deterministic result when the primary tool fails.
type FallbackFunc func(ctx context.Context, task events.TaskAssignment, tc tools.ToolContext) (json.RawMessage, error)

// FallbackTable maps an action to its fallback. It is fixed when the runtime
// is constructed.
type FallbackTable map[string]FallbackFunc

// DefaultFallbacks returns the built-in table for an agent type. Unknown
// types get an empty table.
func DefaultFallbacks(agentType string) FallbackTable {
	switch agentType {
	case "booking":
		return FallbackTable{
			tools.ActionMakeReservation:     mockReservation,
			tools.ActionScheduleAppointment: tentativeAppointment,
		}
	case "search":
		return FallbackTable{
			tools.ActionSearchPlaces: degradedSearch,
		}
	case "general":
		return FallbackTable{
			tools.ActionEcho: echo,
		}
	}
	return FallbackTable{}
}

func mockReservation(ctx context.Context, task events.TaskAssignment, tc tools.ToolContext) (json.RawMessage, error) {
	req, err := tools.ResolveReservation(task.Input, task.Context)
	if err != nil {
		return nil, err
	}
	callContext := tools.CallContext(req, tc.Now)
	return json.Marshal(map[string]any{
		"success":     true,
		"mock":        true,
		"callId":      fmt.Sprintf("mock_call_%d", tc.Now.Unix()),
		"status":      "mock_completed",
		"summary":     "Mock reservation confirmed successfully.",
		"restaurant":  req.Restaurant.Name,
		"customer":    req.Customer.Name,
		"reservation": req.Reservation,
		"callContext": callContext,
		"timestamp":   tc.Now.UTC().Format(time.RFC3339),
	})
}

func tentativeAppointment(ctx context.Context, task events.TaskAssignment, tc tools.ToolContext) (json.RawMessage, error) {
	var in struct {
		Title string `json:"title"`
		Date  string `json:"date"`
		Time  string `json:"time"`
	}
	if len(task.Input) > 0 {
		if err := json.Unmarshal(task.Input, &in); err != nil {
			return nil, fmt.Errorf("invalid appointment input: %w", err)
		}
	}
	if in.Date == "" {
		in.Date = tc.Now.UTC().AddDate(0, 0, 1).Format(tools.ReservationDateLayout)
	}
	if in.Time == "" {
		in.Time = "10:00 AM"
	}
	return json.Marshal(map[string]any{
		"status":               "tentative",
		"requiresConfirmation": true,
		"title":                in.Title,
		"date":                 in.Date,
		"time":                 in.Time,
	})
}

func degradedSearch(ctx context.Context, task events.TaskAssignment, tc tools.ToolContext) (json.RawMessage, error) {
	var q tools.PlaceQuery
	if len(task.Input) > 0 {
		_ = json.Unmarshal(task.Input, &q)
	}
	return json.Marshal(map[string]any{
		"query":    q.Query,
		"places":   []tools.Place{},
		"total":    0,
		"degraded": true,
	})
}

func echo(ctx context.Context, task events.TaskAssignment, tc tools.ToolContext) (json.RawMessage, error) {
	if len(task.Input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return task.Input, nil
}
