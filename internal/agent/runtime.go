package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cugtyt/agentflow-distributed/internal/eventbus"
	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/metrics"
	"github.com/cugtyt/agentflow-distributed/internal/tools"
	"github.com/cugtyt/agentflow-distributed/internal/utils"
)

const (
	DefaultMaxConcurrent     = 3
	DefaultHeartbeatInterval = 30 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	recentTaskMemory         = 256
)

type Options struct {
	ID                string
	Type              string
	Capabilities      []string
	Bus               eventbus.EventBus
	Tools             *tools.Registry
	Fallbacks         FallbackTable
	MaxConcurrent     int
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	Host              HostSampler
	Now               func() time.Time
}

type heldTask struct {
	assignment events.TaskAssignment
	cancel     context.CancelFunc
	startedAt  time.Time
}

// Runtime is one agent process: it holds at most MaxConcurrent tasks, runs
// each in its own goroutine and reports outcomes over the bus. All mutable
// state sits behind mu and nothing is published while mu is held.
type Runtime struct {
	id                string
	agentType         string
	capabilities      []string
	bus               eventbus.EventBus
	tools             *tools.Registry
	fallbacks         FallbackTable
	maxConcurrent     int
	heartbeatInterval time.Duration
	logger            *slog.Logger
	metrics           *metrics.Metrics
	host              HostSampler
	now               func() time.Time
	startedAt         time.Time

	// lifecycle serializes Register and Shutdown.
	lifecycle sync.Mutex

	mu            sync.Mutex
	held          map[string]*heldTask
	recent        *recentSet
	completed     int64
	failed        int64
	lastHeartbeat time.Time
	registered    bool
	shuttingDown  bool
	subs          []eventbus.Subscription
	stopHeartbeat context.CancelFunc

	wg sync.WaitGroup
}

func New(opts Options) (*Runtime, error) {
	if opts.Type == "" {
		return nil, fmt.Errorf("agent type is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if opts.ID == "" {
		opts.ID = utils.CreateAgentID(opts.Type)
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry()
	}
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = opts.Tools.Capabilities()
	}
	if opts.Fallbacks == nil {
		opts.Fallbacks = DefaultFallbacks(opts.Type)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Host == nil {
		opts.Host = systemSampler{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Runtime{
		id:                opts.ID,
		agentType:         opts.Type,
		capabilities:      append([]string(nil), opts.Capabilities...),
		bus:               opts.Bus,
		tools:             opts.Tools,
		fallbacks:         opts.Fallbacks,
		maxConcurrent:     opts.MaxConcurrent,
		heartbeatInterval: opts.HeartbeatInterval,
		logger:            opts.Logger.With("component", "agent", "agent_id", opts.ID, "agent_type", opts.Type),
		metrics:           opts.Metrics,
		host:              opts.Host,
		now:               opts.Now,
		startedAt:         opts.Now(),
		held:              make(map[string]*heldTask),
		recent:            newRecentSet(recentTaskMemory),
	}, nil
}

func (r *Runtime) ID() string             { return r.id }
func (r *Runtime) Type() string           { return r.agentType }
func (r *Runtime) Capabilities() []string { return append([]string(nil), r.capabilities...) }

// Register subscribes the agent's channels, announces it on the fleet
// channel and starts the heartbeat loop. A runtime that has been shut down
// cannot be registered again.
func (r *Runtime) Register(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	switch {
	case r.shuttingDown:
		r.mu.Unlock()
		return ErrShutDown
	case r.registered:
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	r.registered = true
	r.mu.Unlock()

	for _, ch := range []string{events.AgentTypeChannel(r.agentType), events.AgentChannel(r.id), events.FleetChannel} {
		sub, err := r.bus.Subscribe(ch, r.handleEnvelope)
		if err != nil {
			r.unsubscribeAll()
			r.mu.Lock()
			r.registered = false
			r.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}

	if err := r.publishStatus(ctx, events.AgentStatusIdle, "registered"); err != nil {
		r.logger.Warn("failed to announce agent", "error", err)
	}
	r.sendHeartbeat(ctx)

	hbCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.stopHeartbeat = cancel
	r.mu.Unlock()
	r.wg.Add(1)
	go r.heartbeatLoop(hbCtx)

	r.logger.Info("agent registered", "capabilities", r.capabilities, "max_concurrent", r.maxConcurrent)
	return nil
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendHeartbeat(ctx)
		}
	}
}

func (r *Runtime) sendHeartbeat(ctx context.Context) {
	r.mu.Lock()
	now := r.now()
	r.lastHeartbeat = now
	hb := events.Heartbeat{
		AgentID:       r.id,
		AgentType:     r.agentType,
		Capabilities:  r.capabilities,
		Status:        r.statusLocked(),
		HeldTasks:     len(r.held),
		MaxConcurrent: r.maxConcurrent,
		Timestamp:     now.UTC(),
	}
	r.mu.Unlock()

	if err := r.emit(ctx, events.FleetChannel, hb); err != nil {
		r.logger.Warn("failed to send heartbeat", "error", err)
	}
}

func (r *Runtime) publishStatus(ctx context.Context, status, reason string) error {
	r.mu.Lock()
	msg := events.AgentStatus{
		AgentID:       r.id,
		AgentType:     r.agentType,
		Capabilities:  r.capabilities,
		Status:        status,
		HeldTasks:     len(r.held),
		MaxConcurrent: r.maxConcurrent,
		Reason:        reason,
	}
	r.mu.Unlock()
	return r.emit(ctx, events.FleetChannel, msg)
}

// IsAvailable reports whether another task can be accepted right now.
func (r *Runtime) IsAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableLocked()
}

func (r *Runtime) availableLocked() bool {
	return !r.shuttingDown && len(r.held) < r.maxConcurrent
}

func (r *Runtime) CanHandle(capability string) bool {
	if capability == "" {
		return false
	}
	for _, c := range r.capabilities {
		if c == capability || c == tools.CatchAll {
			return true
		}
	}
	return false
}

// Status is idle, working or offline.
func (r *Runtime) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Runtime) statusLocked() string {
	switch {
	case r.shuttingDown:
		return events.AgentStatusOffline
	case len(r.held) > 0:
		return events.AgentStatusWorking
	default:
		return events.AgentStatusIdle
	}
}

func (r *Runtime) HeldTaskIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heldIDsLocked()
}

func (r *Runtime) heldIDsLocked() []string {
	ids := make([]string, 0, len(r.held))
	for id := range r.held {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SuccessRate is completed/(completed+failed), or 0 before any task ends.
func (r *Runtime) SuccessRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successRateLocked()
}

func (r *Runtime) successRateLocked() float64 {
	total := r.completed + r.failed
	if total == 0 {
		return 0
	}
	return float64(r.completed) / float64(total)
}

// Shutdown cancels every held task, announces the agent offline and stops
// background work. It is safe to call more than once. A runtime that was
// never registered announces nothing.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return nil
	}
	r.shuttingDown = true
	announced := r.registered
	held := make([]*heldTask, 0, len(r.held))
	for id, h := range r.held {
		held = append(held, h)
		r.recent.add(attemptKey(h.assignment))
		delete(r.held, id)
	}
	stop := r.stopHeartbeat
	r.mu.Unlock()

	r.logger.Info("agent shutting down", "held_tasks", len(held))
	for _, h := range held {
		h.cancel()
		r.emitCancelled(ctx, h.assignment, events.CancelReasonShutdown)
	}
	r.metrics.HeldTasks.WithLabelValues(r.id).Set(0)

	if announced {
		if err := r.publishStatus(ctx, events.AgentStatusOffline, events.CancelReasonShutdown); err != nil {
			r.logger.Warn("failed to announce shutdown", "error", err)
		}
	}
	if stop != nil {
		stop()
	}
	r.unsubscribeAll()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks to stop: %w", ctx.Err())
	}
}

func (r *Runtime) unsubscribeAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("failed to unsubscribe", "channel", sub.Channel(), "error", err)
		}
	}
}

func (r *Runtime) emit(ctx context.Context, channel string, msg events.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishTimeout)
	defer cancel()
	return eventbus.Emit(ctx, r.bus, channel, r.id, msg)
}

// attemptKey identifies one delivery attempt of a task. A retried step keeps
// its task id but carries a higher attempt number.
func attemptKey(a events.TaskAssignment) string {
	return fmt.Sprintf("%s#%d", a.TaskID, a.Attempt)
}

// recentSet remembers the last n task attempts this runtime finished so that
// a redelivered assignment is not executed twice.
type recentSet struct {
	ids   map[string]struct{}
	order []string
	limit int
}

func newRecentSet(limit int) *recentSet {
	return &recentSet{ids: make(map[string]struct{}, limit), limit: limit}
}

func (s *recentSet) add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *recentSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}
