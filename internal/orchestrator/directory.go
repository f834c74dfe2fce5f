package orchestrator

import (
	"sync"
	"time"

	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/tools"
)

// AgentInfo is the orchestrator's view of one agent, built from the
// heartbeats and status announcements seen on the fleet channel.
type AgentInfo struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	HeldTasks     int       `json:"heldTaskCount"`
	MaxConcurrent int       `json:"maxConcurrent"`
	LastSeen      time.Time `json:"lastSeen"`
	Live          bool      `json:"live"`
}

func (a *AgentInfo) can(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability || c == tools.CatchAll {
			return true
		}
	}
	return false
}

// Directory tracks known agents in first-seen order.
type Directory struct {
	mu     sync.Mutex
	agents map[string]*AgentInfo
	order  []string
	window time.Duration
	now    func() time.Time
}

func NewDirectory(window time.Duration, now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{
		agents: make(map[string]*AgentInfo),
		window: window,
		now:    now,
	}
}

func (d *Directory) entry(id string) *AgentInfo {
	a, ok := d.agents[id]
	if !ok {
		a = &AgentInfo{ID: id}
		d.agents[id] = a
		d.order = append(d.order, id)
	}
	return a
}

// ObserveHeartbeat records a heartbeat and reports whether the agent could
// take more work than before, which is worth a dispatch pass.
func (d *Directory) ObserveHeartbeat(hb events.Heartbeat) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.entry(hb.AgentID)
	before := d.freeLocked(a)
	a.Type = hb.AgentType
	a.Capabilities = append([]string(nil), hb.Capabilities...)
	a.Status = hb.Status
	a.HeldTasks = hb.HeldTasks
	a.MaxConcurrent = hb.MaxConcurrent
	a.LastSeen = d.now()
	return d.freeLocked(a) > before
}

// Restore seeds an agent from a heartbeat recorded before a restart. The
// heartbeat's own timestamp counts as last seen so a silent agent still
// expires on schedule.
func (d *Directory) Restore(hb events.Heartbeat) {
	if hb.AgentID == "" || hb.Timestamp.IsZero() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := hb.Timestamp
	if now := d.now(); seen.After(now) {
		seen = now
	}
	if a, ok := d.agents[hb.AgentID]; ok && !a.LastSeen.Before(seen) {
		return
	}
	a := d.entry(hb.AgentID)
	a.Type = hb.AgentType
	a.Capabilities = append([]string(nil), hb.Capabilities...)
	a.Status = hb.Status
	a.HeldTasks = hb.HeldTasks
	a.MaxConcurrent = hb.MaxConcurrent
	a.LastSeen = seen
}

// ObserveStatus records an agent_status announcement.
func (d *Directory) ObserveStatus(st events.AgentStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.entry(st.AgentID)
	a.Type = st.AgentType
	if len(st.Capabilities) > 0 {
		a.Capabilities = append([]string(nil), st.Capabilities...)
	}
	a.Status = st.Status
	a.HeldTasks = st.HeldTasks
	if st.MaxConcurrent > 0 {
		a.MaxConcurrent = st.MaxConcurrent
	}
	a.LastSeen = d.now()
}

// MarkFull records that an agent refused work for lack of capacity. The next
// heartbeat overrides it.
func (d *Directory) MarkFull(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.agents[id]; ok {
		a.HeldTasks = a.MaxConcurrent
	}
}

// MarkOffline takes an agent out of selection until its next heartbeat.
func (d *Directory) MarkOffline(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.agents[id]; ok {
		a.Status = events.AgentStatusOffline
	}
}

func (d *Directory) liveLocked(a *AgentInfo) bool {
	return a.Status != events.AgentStatusOffline && d.now().Sub(a.LastSeen) < d.window
}

func (d *Directory) freeLocked(a *AgentInfo) int {
	if !d.liveLocked(a) {
		return 0
	}
	return a.MaxConcurrent - a.HeldTasks
}

func (d *Directory) IsLive(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	return ok && d.liveLocked(a)
}

func (d *Directory) Get(id string) (AgentInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return AgentInfo{}, false
	}
	out := *a
	out.Live = d.liveLocked(a)
	return out, true
}

// HasCapable reports whether any live agent advertises the capability,
// regardless of its current load.
func (d *Directory) HasCapable(capability string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.order {
		a := d.agents[id]
		if d.liveLocked(a) && a.can(capability) {
			return true
		}
	}
	return false
}

// Select picks an agent for a capability: the first idle live agent in
// first-seen order, otherwise the least loaded one still under its cap.
// assigned reports how many running steps the caller has given each agent;
// an agent's load is the larger of that and its reported held count.
func (d *Directory) Select(capability string, assigned func(agentID string) int) (AgentInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var best *AgentInfo
	bestLoad := -1
	for _, id := range d.order {
		a := d.agents[id]
		if !d.liveLocked(a) || !a.can(capability) {
			continue
		}
		load := a.HeldTasks
		if n := assigned(id); n > load {
			load = n
		}
		if load >= a.MaxConcurrent {
			continue
		}
		if load == 0 {
			out := *a
			out.Live = true
			return out, true
		}
		if best == nil || load < bestLoad {
			best, bestLoad = a, load
		}
	}
	if best == nil {
		return AgentInfo{}, false
	}
	out := *best
	out.Live = true
	return out, true
}

// Expire marks agents whose last heartbeat is older than the liveness
// window as offline and returns their ids.
func (d *Directory) Expire() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var expired []string
	for _, id := range d.order {
		a := d.agents[id]
		if a.Status != events.AgentStatusOffline && d.now().Sub(a.LastSeen) >= d.window {
			a.Status = events.AgentStatusOffline
			expired = append(expired, id)
		}
	}
	return expired
}

func (d *Directory) LiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.agents {
		if d.liveLocked(a) {
			n++
		}
	}
	return n
}

// Snapshot lists every known agent in first-seen order.
func (d *Directory) Snapshot() []AgentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]AgentInfo, 0, len(d.order))
	for _, id := range d.order {
		a := *d.agents[id]
		a.Capabilities = append([]string(nil), a.Capabilities...)
		a.Live = d.liveLocked(d.agents[id])
		out = append(out, a)
	}
	return out
}
