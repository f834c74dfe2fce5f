package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/store"
	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

const (
	modeDirect    = "direct"
	modeBroadcast = "broadcast"
)

// DispatchOnce starts queued workflows that fit and hands every ready step
// to an agent. Steps with no usable agent stay pending for the next pass.
func (o *Orchestrator) DispatchOnce(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.startQueuedLocked(ctx)
	o.metrics.LiveAgents.Set(float64(o.directory.LiveCount()))

	for _, id := range o.activeIDsLocked() {
		wf, err := o.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("active workflow disappeared from store", "workflow_id", id)
			o.dropLocked(id)
			continue
		}
		if err != nil {
			o.logger.Error("failed to load workflow", "workflow_id", id, "error", err)
			continue
		}
		if wf.Status.IsTerminal() {
			o.dropLocked(id)
			continue
		}
		if wf.Settled() {
			o.finalizeLocked(ctx, id)
			continue
		}
		for _, step := range wf.ReadySteps() {
			if updated := o.dispatchStepLocked(ctx, wf, step); updated != nil {
				wf = updated
			}
		}
	}
}

// dispatchStepLocked assigns one ready step and returns the updated document,
// or nil when the step was left alone.
func (o *Orchestrator) dispatchStepLocked(ctx context.Context, wf *workflow.Workflow, step *workflow.Step) *workflow.Workflow {
	log := o.logger.With("workflow_id", wf.ID, "step_id", step.ID, "capability", step.Capability)
	if err := wf.CheckAssignable(step.ID); err != nil {
		log.Debug("step not assignable", "error", err)
		return nil
	}

	var channel, target, mode string
	if agent, ok := o.directory.Select(step.Capability, o.assignedCountLocked); ok {
		channel, target, mode = events.AgentChannel(agent.ID), agent.ID, modeDirect
	} else if step.AgentType != "" && !o.directory.HasCapable(step.Capability) {
		channel, mode = events.AgentTypeChannel(step.AgentType), modeBroadcast
	} else {
		log.Debug("no agent available for step")
		return nil
	}

	now := o.now()
	updated, err := o.store.Update(ctx, wf.ID, func(w *workflow.Workflow) error {
		if err := w.CheckAssignable(step.ID); err != nil {
			return err
		}
		_, err := w.UpdateStep(step.ID, workflow.StepUpdate{Status: workflow.StatusRunning, AgentID: target, At: now})
		return err
	})
	if err != nil {
		log.Warn("failed to mark step running", "error", err)
		return nil
	}
	s := updated.Step(step.ID)

	o.assignments[s.ID] = &assignment{
		workflowID: wf.ID,
		stepID:     s.ID,
		agentID:    target,
		agentType:  s.AgentType,
		capability: s.Capability,
		since:      now,
	}

	msg := events.TaskAssignment{
		TaskID:        s.ID,
		WorkflowID:    updated.ID,
		SessionID:     updated.SessionID,
		StepName:      s.Name,
		Capability:    s.Capability,
		Action:        s.Action,
		Input:         s.Input,
		Context:       updated.DependencyOutputs(s.ID),
		TargetAgentID: target,
		Attempt:       s.Attempt(),
	}
	if err := o.emit(ctx, channel, msg); err != nil {
		log.Warn("failed to publish assignment", "channel", channel, "error", err)
		if requeued := o.requeueLocked(ctx, wf.ID, s.ID, "publish_failed"); requeued != nil {
			return requeued
		}
		return updated
	}

	o.metrics.StepAssignments.WithLabelValues(mode).Inc()
	o.recordEvent(ctx, wf.ID, store.Event{
		Type:    "step_assigned",
		StepID:  s.ID,
		AgentID: target,
		Status:  string(s.Status),
		Message: fmt.Sprintf("%s via %s", mode, channel),
	})
	log.Info("step assigned", "agent_id", target, "mode", mode, "attempt", msg.Attempt)
	return updated
}

// requeueLocked puts a running step back to pending and schedules another
// dispatch pass. It returns nil when the step was not running.
func (o *Orchestrator) requeueLocked(ctx context.Context, workflowID, stepID, reason string) *workflow.Workflow {
	o.releaseLocked(stepID)
	wf, err := o.store.Update(ctx, workflowID, func(w *workflow.Workflow) error {
		changed, err := w.RequeueStep(stepID)
		if err != nil {
			return err
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		o.logger.Error("failed to requeue step", "workflow_id", workflowID, "step_id", stepID, "error", err)
		return nil
	}

	o.metrics.StepRequeues.WithLabelValues(reason).Inc()
	o.recordEvent(ctx, workflowID, store.Event{
		Type:    "step_requeued",
		StepID:  stepID,
		Status:  string(workflow.StatusPending),
		Message: reason,
	})
	o.logger.Info("step requeued", "workflow_id", workflowID, "step_id", stepID, "reason", reason)
	o.Kick()
	return wf
}

func (o *Orchestrator) dropLocked(workflowID string) {
	delete(o.active, workflowID)
	for stepID, a := range o.assignments {
		if a.workflowID == workflowID {
			delete(o.assignments, stepID)
		}
	}
	o.metrics.ActiveWorkflows.Set(float64(len(o.active)))
}
