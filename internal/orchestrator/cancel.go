package orchestrator

import (
	"context"
	"errors"

	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/store"
	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

const defaultCancelReason = "cancelled by user"

// Cancel stops a workflow: agents holding its running steps are told to drop
// them and every open step is cancelled. Cancelling a finished workflow
// returns it unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID, reason string) (*workflow.Workflow, error) {
	if reason == "" {
		reason = defaultCancelReason
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var running []*workflow.Step
	now := o.now()
	wf, err := o.store.Update(ctx, workflowID, func(w *workflow.Workflow) error {
		if w.Status.IsTerminal() {
			return errNoChange
		}
		running = w.CancelOpenSteps(reason, now)
		w.Cancel(reason, now)
		return nil
	})
	if errors.Is(err, errNoChange) {
		return o.store.Get(ctx, workflowID)
	}
	if err != nil {
		return nil, err
	}

	for _, s := range running {
		var channel string
		switch {
		case s.AgentID != "":
			channel = events.AgentChannel(s.AgentID)
		case s.AgentType != "":
			channel = events.AgentTypeChannel(s.AgentType)
		default:
			continue
		}
		o.sendCancellation(ctx, channel, s.ID, workflowID, reason)
	}

	o.dropLocked(workflowID)
	o.metrics.WorkflowsTotal.WithLabelValues(string(workflow.StatusCancelled)).Inc()
	o.recordEvent(ctx, workflowID, store.Event{Type: "workflow_cancelled", Status: string(wf.Status), Message: reason})
	o.logger.Info("workflow cancelled", "workflow_id", workflowID, "reason", reason, "running_steps", len(running))
	o.Kick()
	return wf, nil
}
