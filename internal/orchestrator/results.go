package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/store"
	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

func (o *Orchestrator) handleEnvelope(ctx context.Context, env events.Envelope) {
	if env.From == o.id {
		return
	}
	msg, err := events.Decode(env)
	if errors.Is(err, events.ErrUnknownType) {
		o.logger.Debug("ignoring unknown message type", "type", env.Type, "from", env.From)
		return
	}
	if err != nil {
		o.logger.Warn("dropping malformed message", "type", env.Type, "from", env.From, "error", err)
		return
	}

	switch m := msg.(type) {
	case events.Heartbeat:
		o.observeHeartbeat(ctx, m)
	case events.AgentStatus:
		o.directory.ObserveStatus(m)
		switch m.Status {
		case events.AgentStatusIdle:
			o.Kick()
		case events.AgentStatusOffline:
			o.forgetAgent(ctx, m.AgentID)
		}
	case events.TaskStarted:
		o.handleStarted(ctx, m)
	case events.TaskCompleted:
		o.handleCompleted(ctx, m)
	case events.TaskFailed:
		o.handleFailed(ctx, m)
	case events.TaskCancelled:
		o.handleCancelled(ctx, m)
	case events.TaskRejected:
		o.handleRejected(ctx, m)
	case events.WorkflowCancelled:
		if _, err := o.Cancel(ctx, m.WorkflowID, m.Reason); err != nil {
			o.logger.Warn("cancel request failed", "workflow_id", m.WorkflowID, "error", err)
		}
	default:
		o.logger.Debug("ignoring message", "type", env.Type, "from", env.From)
	}
}

func (o *Orchestrator) observeHeartbeat(ctx context.Context, hb events.Heartbeat) {
	if o.directory.ObserveHeartbeat(hb) {
		o.Kick()
	}
	if o.recorder != nil {
		if err := o.recorder.RecordHeartbeat(ctx, hb, o.livenessWindow); err != nil {
			o.logger.Warn("failed to record heartbeat", "agent_id", hb.AgentID, "error", err)
		}
	}
}

func (o *Orchestrator) forgetAgent(ctx context.Context, agentID string) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Delete(ctx, agentID); err != nil {
		o.logger.Warn("failed to drop heartbeat record", "agent_id", agentID, "error", err)
	}
}

// handleStarted confirms a direct assignment or resolves a broadcast claim.
// The first agent to start an unclaimed step owns it; anyone else is told to
// drop it.
func (o *Orchestrator) handleStarted(ctx context.Context, m events.TaskStarted) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a := o.assignments[m.TaskID]
	switch {
	case a != nil && a.agentID == m.AgentID:
		o.recordEvent(ctx, m.WorkflowID, store.Event{Type: "step_started", StepID: m.TaskID, AgentID: m.AgentID, Status: string(workflow.StatusRunning)})
		return
	case a != nil && a.agentID == "":
		_, err := o.store.Update(ctx, a.workflowID, func(w *workflow.Workflow) error {
			s := w.Step(m.TaskID)
			if s == nil {
				return workflow.ErrStepNotFound
			}
			if s.Status != workflow.StatusRunning || s.AgentID != "" {
				return errNoChange
			}
			s.AgentID = m.AgentID
			return nil
		})
		if err == nil {
			a.agentID = m.AgentID
			a.since = o.now()
			o.recordEvent(ctx, a.workflowID, store.Event{Type: "step_claimed", StepID: m.TaskID, AgentID: m.AgentID, Status: string(workflow.StatusRunning)})
			o.logger.Info("broadcast step claimed", "workflow_id", a.workflowID, "step_id", m.TaskID, "agent_id", m.AgentID)
			return
		}
		if !errors.Is(err, errNoChange) {
			o.logger.Error("failed to record claim", "step_id", m.TaskID, "error", err)
			return
		}
	}

	reason := "assignment no longer valid"
	if a != nil && a.agentID != "" {
		reason = "claimed by " + a.agentID
	} else if o.stepTerminal(ctx, m.WorkflowID, m.TaskID) {
		// The outcome overtook the start notice.
		return
	}
	o.sendCancellation(ctx, events.AgentChannel(m.AgentID), m.TaskID, m.WorkflowID, reason)
}

func (o *Orchestrator) stepTerminal(ctx context.Context, workflowID, stepID string) bool {
	wf, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return true
	}
	s := wf.Step(stepID)
	return s == nil || s.Status.IsTerminal()
}

// handleCompleted accepts a completion from whichever agent produced it.
// Agents publish every outcome twice, so the second copy is a no-op.
func (o *Orchestrator) handleCompleted(ctx context.Context, m events.TaskCompleted) {
	o.mu.Lock()
	defer o.mu.Unlock()

	at := m.CompletedAt
	if at.IsZero() {
		at = o.now()
	}
	var step workflow.Step
	wf, err := o.store.Update(ctx, m.WorkflowID, func(w *workflow.Workflow) error {
		changed, err := w.UpdateStep(m.TaskID, workflow.StepUpdate{
			Status:  workflow.StatusCompleted,
			AgentID: m.AgentID,
			Output:  m.Output,
			At:      at,
		})
		if err != nil {
			return err
		}
		if !changed {
			return errNoChange
		}
		w.Stats.ToolInvocations += len(m.Metadata.ToolsUsed)
		step = *w.Step(m.TaskID)
		return nil
	})
	if errors.Is(err, errNoChange) {
		o.logger.Debug("duplicate or late completion", "task_id", m.TaskID, "agent_id", m.AgentID)
		return
	}
	if err != nil {
		o.logger.Warn("failed to record completion", "workflow_id", m.WorkflowID, "task_id", m.TaskID, "error", err)
		return
	}

	if a := o.assignments[m.TaskID]; a != nil && a.agentID != "" && a.agentID != m.AgentID {
		o.sendCancellation(ctx, events.AgentChannel(a.agentID), m.TaskID, m.WorkflowID, "completed by "+m.AgentID)
	}
	o.releaseLocked(m.TaskID)

	o.metrics.StepDuration.WithLabelValues(step.Capability, string(workflow.StatusCompleted)).Observe(step.Duration.Seconds())
	o.recordEvent(ctx, wf.ID, store.Event{
		Type:    "step_completed",
		StepID:  m.TaskID,
		AgentID: m.AgentID,
		Status:  string(workflow.StatusCompleted),
		Message: fmt.Sprintf("%dms", m.Metadata.ProcessingTimeMs),
	})
	o.logger.Info("step completed",
		"workflow_id", wf.ID,
		"step_id", m.TaskID,
		"agent_id", m.AgentID,
		"fallback", m.Metadata.Fallback,
		"progress", wf.Progress)

	o.afterStepLocked(ctx, wf)
}

// handleFailed retries retryable failures while the step has retries left
// and otherwise fails the step. Failures from an agent that no longer holds
// the step are stale and dropped.
func (o *Orchestrator) handleFailed(ctx context.Context, m events.TaskFailed) {
	o.mu.Lock()
	defer o.mu.Unlock()

	at := m.FailedAt
	if at.IsZero() {
		at = o.now()
	}
	var (
		requeued bool
		step     workflow.Step
	)
	wf, err := o.store.Update(ctx, m.WorkflowID, func(w *workflow.Workflow) error {
		requeued = false
		s := w.Step(m.TaskID)
		if s == nil {
			return fmt.Errorf("%s: %w", m.TaskID, workflow.ErrStepNotFound)
		}
		if s.Status != workflow.StatusRunning || (s.AgentID != "" && s.AgentID != m.AgentID) {
			return errNoChange
		}
		// Both copies of an earlier attempt's failure may land after the
		// step was handed out again.
		if m.Attempt != 0 && m.Attempt != s.Attempt() {
			return errNoChange
		}
		if m.Error.Retryable && s.Retries < o.maxRetries {
			if _, err := w.RetryStep(m.TaskID); err != nil {
				return err
			}
			requeued = true
			return nil
		}
		if _, err := w.UpdateStep(m.TaskID, workflow.StepUpdate{
			Status:  workflow.StatusFailed,
			AgentID: m.AgentID,
			Error:   &workflow.TaskError{Message: m.Error.Message, Code: m.Error.Code, Retryable: m.Error.Retryable},
			At:      at,
		}); err != nil {
			return err
		}
		step = *w.Step(m.TaskID)
		return nil
	})
	if errors.Is(err, errNoChange) {
		o.logger.Debug("duplicate or stale failure", "task_id", m.TaskID, "agent_id", m.AgentID)
		return
	}
	if err != nil {
		o.logger.Warn("failed to record failure", "workflow_id", m.WorkflowID, "task_id", m.TaskID, "error", err)
		return
	}
	o.releaseLocked(m.TaskID)

	if requeued {
		o.metrics.StepRequeues.WithLabelValues("retryable_failure").Inc()
		o.recordEvent(ctx, wf.ID, store.Event{
			Type:    "step_requeued",
			StepID:  m.TaskID,
			AgentID: m.AgentID,
			Status:  string(workflow.StatusPending),
			Message: m.Error.Message,
		})
		o.logger.Info("retrying failed step", "workflow_id", wf.ID, "step_id", m.TaskID, "error", m.Error.Message)
		o.Kick()
		return
	}

	o.metrics.StepDuration.WithLabelValues(step.Capability, string(workflow.StatusFailed)).Observe(step.Duration.Seconds())
	o.recordEvent(ctx, wf.ID, store.Event{
		Type:    "step_failed",
		StepID:  m.TaskID,
		AgentID: m.AgentID,
		Status:  string(workflow.StatusFailed),
		Message: m.Error.Message,
	})
	o.logger.Warn("step failed", "workflow_id", wf.ID, "step_id", m.TaskID, "agent_id", m.AgentID, "code", m.Error.Code)

	o.afterStepLocked(ctx, wf)
}

// handleCancelled requeues steps an agent dropped because it is shutting
// down. Other cancellations were requested by the orchestrator itself.
func (o *Orchestrator) handleCancelled(ctx context.Context, m events.TaskCancelled) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if m.Reason == events.CancelReasonShutdown {
		o.directory.MarkOffline(m.AgentID)
	}
	a := o.assignments[m.TaskID]
	if m.Reason != events.CancelReasonShutdown || a == nil || a.agentID != m.AgentID {
		o.logger.Debug("task cancellation confirmed", "task_id", m.TaskID, "agent_id", m.AgentID, "reason", m.Reason)
		return
	}
	o.requeueLocked(ctx, a.workflowID, m.TaskID, "agent_shutdown")
}

func (o *Orchestrator) handleRejected(ctx context.Context, m events.TaskRejected) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a := o.assignments[m.TaskID]
	if a == nil || a.agentID != m.AgentID {
		return
	}
	switch m.Reason {
	case events.RejectAtCapacity:
		o.directory.MarkFull(m.AgentID)
	case events.RejectShuttingDown:
		o.directory.MarkOffline(m.AgentID)
	}
	o.logger.Info("assignment rejected", "workflow_id", a.workflowID, "step_id", m.TaskID, "agent_id", m.AgentID, "reason", m.Reason)
	o.requeueLocked(ctx, a.workflowID, m.TaskID, "rejected")
}

func (o *Orchestrator) afterStepLocked(ctx context.Context, wf *workflow.Workflow) {
	if wf.Settled() {
		o.finalizeLocked(ctx, wf.ID)
		return
	}
	o.Kick()
}

// finalizeLocked closes a settled workflow. Any failed step fails the whole
// workflow and cancels the steps it blocked.
func (o *Orchestrator) finalizeLocked(ctx context.Context, workflowID string) {
	now := o.now()
	wf, err := o.store.Update(ctx, workflowID, func(w *workflow.Workflow) error {
		if !w.Settled() {
			return errNoChange
		}
		failed := w.FailedStepIDs()
		blocked := len(w.PendingSteps())
		if len(failed) == 0 && blocked == 0 {
			w.Complete(&workflow.Result{Success: true, Outputs: w.Outputs()}, now)
			return nil
		}
		msg := fmt.Sprintf("%d step(s) failed", len(failed))
		if len(failed) == 0 {
			msg = fmt.Sprintf("%d step(s) can no longer run", blocked)
		}
		w.CancelOpenSteps("blocked by failed dependency", now)
		w.Fail(msg, &workflow.Result{
			Success:     false,
			Outputs:     w.Outputs(),
			FailedSteps: failed,
			Error:       msg,
		}, now)
		return nil
	})
	if errors.Is(err, errNoChange) {
		return
	}
	if err != nil {
		o.logger.Error("failed to finalize workflow", "workflow_id", workflowID, "error", err)
		return
	}

	o.dropLocked(workflowID)
	o.metrics.WorkflowsTotal.WithLabelValues(string(wf.Status)).Inc()
	o.recordEvent(ctx, workflowID, store.Event{Type: "workflow_" + string(wf.Status), Status: string(wf.Status), Message: wf.Error})
	o.logger.Info("workflow finished",
		"workflow_id", workflowID,
		"status", wf.Status,
		"progress", wf.Progress,
		"duration", wf.ActualDuration,
		"retries", wf.Stats.Retries)
	// A slot opened up for the queue.
	o.Kick()
}

func (o *Orchestrator) sendCancellation(ctx context.Context, channel, taskID, workflowID, reason string) {
	msg := events.TaskCancellation{TaskID: taskID, WorkflowID: workflowID, Reason: reason}
	if err := o.emit(ctx, channel, msg); err != nil {
		o.logger.Warn("failed to send cancellation", "channel", channel, "task_id", taskID, "error", err)
	}
}
