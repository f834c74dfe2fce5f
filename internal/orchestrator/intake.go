package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cugtyt/agentflow-distributed/internal/planner"
	"github.com/cugtyt/agentflow-distributed/internal/store"
	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

// SubmitRequest carries either an explicit step plan or the name of a
// template in Type; Params are merged into template inputs.
type SubmitRequest struct {
	SessionID string             `json:"sessionId"`
	UserID    string             `json:"userId,omitempty"`
	Type      string             `json:"type"`
	Title     string             `json:"title,omitempty"`
	Priority  int                `json:"priority,omitempty"`
	Steps     []planner.StepPlan `json:"steps,omitempty"`
	Params    json.RawMessage    `json:"params,omitempty"`
}

// Submit plans, persists and queues a new workflow. It returns the pending
// document; the workflow starts once an active slot frees up.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*workflow.Workflow, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	if req.Type == "" && len(req.Steps) == 0 {
		return nil, fmt.Errorf("%w: workflow type or steps are required", ErrInvalidRequest)
	}

	wf := workflow.New(workflow.Options{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Type:      req.Type,
		Title:     req.Title,
		Priority:  req.Priority,
		CreatedAt: o.now(),
	})
	if err := o.planner.Build(wf, planner.Request{Type: req.Type, Steps: req.Steps, Params: req.Params}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if err := o.store.Save(ctx, wf); err != nil {
		return nil, fmt.Errorf("saving workflow %s: %w", wf.ID, err)
	}
	if err := o.store.Enqueue(ctx, wf.ID, wf.Priority, wf.CreatedAt); err != nil {
		return nil, fmt.Errorf("queueing workflow %s: %w", wf.ID, err)
	}
	o.recordEvent(ctx, wf.ID, store.Event{
		Type:    "workflow_submitted",
		Status:  string(wf.Status),
		Message: fmt.Sprintf("%d steps, priority %d", len(wf.Steps), wf.Priority),
	})
	o.logger.Info("workflow submitted",
		"workflow_id", wf.ID,
		"session_id", wf.SessionID,
		"type", wf.Type,
		"steps", len(wf.Steps),
		"priority", wf.Priority)

	o.Kick()
	return wf, nil
}

// startQueuedLocked moves queued workflows to running while active slots
// remain. Callers hold o.mu.
func (o *Orchestrator) startQueuedLocked(ctx context.Context) {
	defer o.refreshGauges(ctx)
	for len(o.active) < o.maxActive {
		id, ok, err := o.store.Dequeue(ctx)
		if err != nil {
			o.logger.Error("failed to dequeue workflow", "error", err)
			return
		}
		if !ok {
			return
		}

		wf, err := o.store.Update(ctx, id, func(wf *workflow.Workflow) error {
			if !wf.Start(o.now()) {
				return errNoChange
			}
			return nil
		})
		switch {
		case errors.Is(err, errNoChange), errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			o.logger.Error("failed to start workflow", "workflow_id", id, "error", err)
			continue
		}

		o.active[wf.ID] = activeWorkflow{priority: wf.Priority, createdAt: wf.CreatedAt}
		o.recordEvent(ctx, wf.ID, store.Event{Type: "workflow_started", Status: string(wf.Status)})
		o.logger.Info("workflow started", "workflow_id", wf.ID, "active", len(o.active))

		// A workflow with nothing to run finishes immediately.
		if wf.Settled() {
			o.finalizeLocked(ctx, wf.ID)
		}
	}
}

func (o *Orchestrator) refreshGauges(ctx context.Context) {
	o.metrics.ActiveWorkflows.Set(float64(len(o.active)))
	if n, err := o.store.QueueLen(ctx); err == nil {
		o.metrics.QueueDepth.Set(float64(n))
	}
}
