package orchestrator

import (
	"context"
	"fmt"

	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/utils"
)

type QueryKind string

const (
	QueryHealth QueryKind = "health"
	QueryStatus QueryKind = "status"
)

// QueryAgent asks one agent for its health or status and waits for the
// reply on the orchestrator's response channel until ctx is done.
func (o *Orchestrator) QueryAgent(ctx context.Context, agentID string, kind QueryKind) (events.Message, error) {
	var req events.Message
	switch kind {
	case QueryHealth:
		req = events.HealthCheck{AgentID: agentID}
	case QueryStatus:
		req = events.StatusRequest{AgentID: agentID}
	default:
		return nil, fmt.Errorf("%w: unknown query kind %q", ErrInvalidRequest, kind)
	}
	if !o.started.Load() {
		return nil, ErrNotStarted
	}

	requestID := utils.CreateRequestID()
	replies := make(chan events.Envelope, 1)
	o.pendingMu.Lock()
	o.pending[requestID] = replies
	o.pendingMu.Unlock()
	defer func() {
		o.pendingMu.Lock()
		delete(o.pending, requestID)
		o.pendingMu.Unlock()
	}()

	env, err := events.NewRequest(o.id, requestID, req)
	if err != nil {
		return nil, err
	}
	if err := o.bus.Publish(ctx, events.AgentChannel(agentID), env); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return events.Decode(reply)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s reply from %s: %w", kind, agentID, ctx.Err())
	}
}

func (o *Orchestrator) handleResponse(_ context.Context, env events.Envelope) {
	o.pendingMu.Lock()
	replies, ok := o.pending[env.RequestID]
	o.pendingMu.Unlock()
	if !ok {
		o.logger.Debug("reply for unknown request", "request_id", env.RequestID, "from", env.From)
		return
	}
	select {
	case replies <- env:
	default:
	}
}
