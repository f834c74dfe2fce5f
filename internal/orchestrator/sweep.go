package orchestrator

import (
	"context"
	"sort"
)

// Sweep marks agents that stopped heartbeating offline and requeues the
// steps they were running, along with broadcast offers nobody claimed
// within the liveness window.
func (o *Orchestrator) Sweep(ctx context.Context) {
	expired := make(map[string]bool)
	for _, id := range o.directory.Expire() {
		expired[id] = true
		o.logger.Warn("agent missed heartbeats, marking offline", "agent_id", id)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	type requeue struct{ workflowID, stepID, reason string }
	var stale []requeue
	for stepID, a := range o.assignments {
		age := now.Sub(a.since)
		switch {
		case a.agentID == "":
			if age >= o.livenessWindow {
				stale = append(stale, requeue{a.workflowID, stepID, "unclaimed"})
			}
		case expired[a.agentID]:
			stale = append(stale, requeue{a.workflowID, stepID, "agent_lost"})
		case age >= o.livenessWindow && !o.directory.IsLive(a.agentID):
			stale = append(stale, requeue{a.workflowID, stepID, "agent_lost"})
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].stepID < stale[j].stepID })
	for _, r := range stale {
		o.requeueLocked(ctx, r.workflowID, r.stepID, r.reason)
	}

	o.metrics.LiveAgents.Set(float64(o.directory.LiveCount()))
	o.refreshGauges(ctx)
}
