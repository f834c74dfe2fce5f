package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/tools"
)

type outcome struct {
	output    json.RawMessage
	toolsUsed []string
	fallback  bool
	err       error
}

func (r *Runtime) execute(ctx context.Context, h *heldTask) {
	defer r.wg.Done()
	a := h.assignment
	tc := tools.ToolContext{
		TaskID:       a.TaskID,
		WorkflowID:   a.WorkflowID,
		SessionID:    a.SessionID,
		AgentID:      r.id,
		Now:          r.now(),
		Dependencies: a.Context,
	}

	res := r.run(ctx, a, tc)
	r.finish(h, res)
}

// run invokes the primary tool and, if it fails, exactly one fallback.
func (r *Runtime) run(ctx context.Context, a events.TaskAssignment, tc tools.ToolContext) outcome {
	primary := r.invokePrimary(ctx, a, tc)
	if primary.err == nil {
		return primary
	}
	if ctx.Err() != nil {
		return primary
	}

	r.logger.Warn("primary execution failed", "task_id", a.TaskID, "action", a.Action, "error", primary.err)
	fb, ok := r.fallbacks[a.Action]
	if !ok {
		return primary
	}

	out, err := fb(ctx, a, tc)
	if err != nil {
		r.metrics.FallbacksTotal.WithLabelValues(r.agentType, "failed").Inc()
		return outcome{
			fallback: true,
			err:      fmt.Errorf("%w; fallback failed: %v", primary.err, err),
		}
	}
	r.metrics.FallbacksTotal.WithLabelValues(r.agentType, "succeeded").Inc()
	r.logger.Info("fallback succeeded", "task_id", a.TaskID, "action", a.Action)
	return outcome{output: out, toolsUsed: []string{"fallback:" + a.Action}, fallback: true}
}

func (r *Runtime) invokePrimary(ctx context.Context, a events.TaskAssignment, tc tools.ToolContext) (res outcome) {
	defer func() {
		if p := recover(); p != nil {
			res = outcome{err: &tools.ToolError{Action: a.Action, Code: "panic", Err: fmt.Errorf("%v", p)}}
		}
	}()

	tool, err := r.tools.Get(a.Capability)
	if err != nil {
		return outcome{err: &tools.ToolError{Action: a.Action, Code: "no_tool", Err: err}}
	}
	result, err := tool.Invoke(ctx, a.Action, a.Input, tc)
	if err != nil {
		return outcome{err: err}
	}
	if result == nil {
		return outcome{err: &tools.ToolError{Tool: tool.Name(), Action: a.Action, Code: "empty_result", Err: errors.New("tool returned no result")}}
	}
	return outcome{output: result.Output, toolsUsed: result.ToolsUsed}
}

func (r *Runtime) finish(h *heldTask, res outcome) {
	a := h.assignment
	r.mu.Lock()
	current, ok := r.held[a.TaskID]
	if !ok || current != h {
		r.mu.Unlock()
		r.logger.Info("discarding outcome of cancelled task", "task_id", a.TaskID)
		return
	}
	delete(r.held, a.TaskID)
	r.recent.add(attemptKey(a))
	if res.err == nil {
		r.completed++
	} else {
		r.failed++
	}
	heldCount := len(r.held)
	r.mu.Unlock()
	h.cancel()

	r.metrics.HeldTasks.WithLabelValues(r.id).Set(float64(heldCount))
	now := r.now()
	meta := events.ExecutionMetadata{
		ProcessingTimeMs: now.Sub(h.startedAt).Milliseconds(),
		ToolsUsed:        res.toolsUsed,
		Fallback:         res.fallback,
	}

	var msg events.Message
	if res.err == nil {
		r.metrics.TasksTotal.WithLabelValues(r.agentType, "completed").Inc()
		r.logger.Info("task completed", "task_id", a.TaskID, "duration_ms", meta.ProcessingTimeMs, "fallback", res.fallback)
		msg = events.TaskCompleted{
			TaskID:      a.TaskID,
			WorkflowID:  a.WorkflowID,
			AgentID:     r.id,
			Attempt:     a.Attempt,
			Output:      res.output,
			Metadata:    meta,
			CompletedAt: now.UTC(),
		}
	} else {
		r.metrics.TasksTotal.WithLabelValues(r.agentType, "failed").Inc()
		r.logger.Warn("task failed", "task_id", a.TaskID, "error", res.err)
		msg = events.TaskFailed{
			TaskID:     a.TaskID,
			WorkflowID: a.WorkflowID,
			AgentID:    r.id,
			Attempt:    a.Attempt,
			Error: events.ErrorInfo{
				Message:   res.err.Error(),
				Code:      tools.ErrorCode(res.err, "execution_failed"),
				Retryable: tools.IsRetryable(res.err),
			},
			Metadata: meta,
			FailedAt: now.UTC(),
		}
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	for _, ch := range []string{events.OrchestratorChannel, events.TaskResultsChannel} {
		if err := r.emit(pubCtx, ch, msg); err != nil {
			r.logger.Error("failed to publish outcome", "task_id", a.TaskID, "channel", ch, "error", err)
		}
	}
}
