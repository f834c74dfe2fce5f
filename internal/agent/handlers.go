package agent

import (
	"context"
	"errors"

	"github.com/cugtyt/agentflow-distributed/internal/events"
)

func (r *Runtime) handleEnvelope(ctx context.Context, env events.Envelope) {
	if env.From == r.id {
		return
	}
	msg, err := events.Decode(env)
	if errors.Is(err, events.ErrUnknownType) {
		r.logger.Debug("ignoring unknown message type", "type", env.Type, "from", env.From)
		return
	}
	if err != nil {
		r.logger.Warn("dropping malformed message", "type", env.Type, "from", env.From, "error", err)
		return
	}

	switch m := msg.(type) {
	case events.TaskAssignment:
		if err := r.HandleTaskAssignment(ctx, m); err != nil {
			r.logger.Warn("assignment not accepted", "task_id", m.TaskID, "error", err)
		}
	case events.TaskCancellation:
		r.HandleTaskCancellation(ctx, m)
	case events.HealthCheck:
		if m.AgentID == "" || m.AgentID == r.id {
			r.HandleHealthCheck(ctx, env.From, env.RequestID)
		}
	case events.StatusRequest:
		if m.AgentID == "" || m.AgentID == r.id {
			r.HandleStatusRequest(ctx, env.From, env.RequestID)
		}
	case events.Heartbeat, events.AgentStatus:
		// other agents' fleet traffic
	default:
		r.logger.Debug("ignoring message", "type", env.Type, "from", env.From)
	}
}

// HandleTaskAssignment holds the task and starts executing it, or rejects it
// when the agent is full, shutting down or lacks the capability.
func (r *Runtime) HandleTaskAssignment(ctx context.Context, a events.TaskAssignment) error {
	if a.TargetAgentID != "" && a.TargetAgentID != r.id {
		return nil
	}
	broadcast := a.TargetAgentID == ""

	r.mu.Lock()
	if _, ok := r.held[a.TaskID]; ok {
		r.mu.Unlock()
		return &DuplicateTaskError{TaskID: a.TaskID, AgentID: r.id}
	}
	if r.recent.has(attemptKey(a)) {
		r.mu.Unlock()
		r.logger.Debug("ignoring redelivered assignment", "task_id", a.TaskID)
		return nil
	}
	var reason string
	switch {
	case r.shuttingDown:
		reason = events.RejectShuttingDown
	case !r.CanHandle(a.Capability):
		reason = "capability not supported: " + a.Capability
	case len(r.held) >= r.maxConcurrent:
		reason = events.RejectAtCapacity
	}
	if reason != "" {
		r.mu.Unlock()
		// Broadcast offers are left for another agent of the type.
		if !broadcast {
			r.reject(ctx, a, reason)
		}
		r.logger.Info("assignment rejected", "task_id", a.TaskID, "reason", reason, "broadcast", broadcast)
		return nil
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	h := &heldTask{assignment: a, cancel: cancel, startedAt: r.now()}
	r.held[a.TaskID] = h
	heldCount := len(r.held)
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.HeldTasks.WithLabelValues(r.id).Set(float64(heldCount))
	r.logger.Info("task accepted", "task_id", a.TaskID, "workflow_id", a.WorkflowID, "action", a.Action, "held", heldCount)

	started := events.TaskStarted{
		TaskID:     a.TaskID,
		WorkflowID: a.WorkflowID,
		AgentID:    r.id,
		AgentType:  r.agentType,
		Attempt:    a.Attempt,
		StartedAt:  h.startedAt.UTC(),
	}
	if err := r.emit(ctx, events.OrchestratorChannel, started); err != nil {
		r.logger.Warn("failed to publish task_started", "task_id", a.TaskID, "error", err)
	}

	go r.execute(taskCtx, h)
	return nil
}

func (r *Runtime) reject(ctx context.Context, a events.TaskAssignment, reason string) {
	msg := events.TaskRejected{TaskID: a.TaskID, WorkflowID: a.WorkflowID, AgentID: r.id, Reason: reason}
	if err := r.emit(ctx, events.OrchestratorChannel, msg); err != nil {
		r.logger.Warn("failed to publish task_rejected", "task_id", a.TaskID, "error", err)
	}
}

// HandleTaskCancellation drops a held task. Its outcome, if it ever arrives,
// is discarded.
func (r *Runtime) HandleTaskCancellation(ctx context.Context, c events.TaskCancellation) {
	r.mu.Lock()
	h, ok := r.held[c.TaskID]
	if ok {
		delete(r.held, c.TaskID)
		r.recent.add(attemptKey(h.assignment))
	}
	heldCount := len(r.held)
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("cancellation for task not held", "task_id", c.TaskID)
		return
	}
	h.cancel()
	r.metrics.HeldTasks.WithLabelValues(r.id).Set(float64(heldCount))
	r.logger.Info("task cancelled", "task_id", c.TaskID, "reason", c.Reason)
	r.emitCancelled(ctx, h.assignment, c.Reason)
}

func (r *Runtime) emitCancelled(ctx context.Context, a events.TaskAssignment, reason string) {
	msg := events.TaskCancelled{TaskID: a.TaskID, WorkflowID: a.WorkflowID, AgentID: r.id, Reason: reason}
	if err := r.emit(ctx, events.OrchestratorChannel, msg); err != nil {
		r.logger.Warn("failed to publish task_cancelled", "task_id", a.TaskID, "error", err)
	}
}

func (r *Runtime) HandleHealthCheck(ctx context.Context, from, requestID string) {
	resp := r.Health(ctx)
	r.reply(ctx, from, requestID, resp)
}

func (r *Runtime) HandleStatusRequest(ctx context.Context, from, requestID string) {
	r.reply(ctx, from, requestID, r.Snapshot())
}

func (r *Runtime) reply(ctx context.Context, to, requestID string, msg events.Message) {
	if to == "" {
		return
	}
	env, err := events.NewRequest(r.id, requestID, msg)
	if err != nil {
		r.logger.Error("failed to build reply", "type", msg.MessageType(), "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishTimeout)
	defer cancel()
	if err := r.bus.Publish(pubCtx, events.ResponseChannel(to), env); err != nil {
		r.logger.Warn("failed to reply", "to", to, "type", msg.MessageType(), "error", err)
	}
}

// Health builds a health_response including host resource usage.
func (r *Runtime) Health(ctx context.Context) events.HealthResponse {
	r.mu.Lock()
	resp := events.HealthResponse{
		AgentID:       r.id,
		AgentType:     r.agentType,
		Status:        r.statusLocked(),
		UptimeSeconds: int64(r.now().Sub(r.startedAt).Seconds()),
		HeldTasks:     len(r.held),
		Completed:     r.completed,
		Failed:        r.failed,
	}
	r.mu.Unlock()

	host, err := r.host.Sample(ctx)
	if err != nil {
		r.logger.Debug("host metrics unavailable", "error", err)
	} else {
		resp.Host = host
	}
	return resp
}

// Snapshot builds a status_response.
func (r *Runtime) Snapshot() events.StatusResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return events.StatusResponse{
		AgentID:       r.id,
		AgentType:     r.agentType,
		Capabilities:  append([]string(nil), r.capabilities...),
		Status:        r.statusLocked(),
		HeldTaskIDs:   r.heldIDsLocked(),
		HeldTasks:     len(r.held),
		MaxConcurrent: r.maxConcurrent,
		Completed:     r.completed,
		Failed:        r.failed,
		SuccessRate:   r.successRateLocked(),
		UptimeSeconds: int64(r.now().Sub(r.startedAt).Seconds()),
		LastHeartbeat: r.lastHeartbeat.UTC(),
	}
}
