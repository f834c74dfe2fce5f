package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cugtyt/agentflow-distributed/internal/eventbus"
	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/metrics"
	"github.com/cugtyt/agentflow-distributed/internal/planner"
	"github.com/cugtyt/agentflow-distributed/internal/store"
	"github.com/cugtyt/agentflow-distributed/internal/utils"
	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

const (
	DefaultLivenessWindow     = 60 * time.Second
	DefaultSweepInterval      = 15 * time.Second
	DefaultDispatchInterval   = 2 * time.Second
	DefaultMaxActiveWorkflows = 50
	DefaultMaxRetries         = 2

	publishTimeout = 5 * time.Second
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotStarted     = errors.New("orchestrator not started")

	// errNoChange aborts a store update that has nothing to write.
	errNoChange = errors.New("no change")
)

// HeartbeatRecorder mirrors fleet heartbeats somewhere external monitors can
// read them. Delete drops an agent that announced it went offline; List
// returns the unexpired records and seeds the directory on start.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, hb events.Heartbeat, ttl time.Duration) error
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context) ([]events.Heartbeat, error)
}

type Options struct {
	ID                 string
	Bus                eventbus.EventBus
	Store              store.WorkflowStore
	Planner            *planner.Planner
	Heartbeats         HeartbeatRecorder
	LivenessWindow     time.Duration
	SweepInterval      time.Duration
	DispatchInterval   time.Duration
	MaxActiveWorkflows int
	MaxRetries         int
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
	Now                func() time.Time
}

// assignment is a running step the orchestrator handed out. agentID is empty
// for a broadcast offer nobody has claimed yet.
type assignment struct {
	workflowID string
	stepID     string
	agentID    string
	agentType  string
	capability string
	since      time.Time
}

type activeWorkflow struct {
	priority  int
	createdAt time.Time
}

// Orchestrator owns workflow state. Agents only propose outcomes over the
// bus; every document change goes through mu and the store.
type Orchestrator struct {
	id        string
	bus       eventbus.EventBus
	store     store.WorkflowStore
	planner   *planner.Planner
	recorder  HeartbeatRecorder
	directory *Directory
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	livenessWindow   time.Duration
	sweepInterval    time.Duration
	dispatchInterval time.Duration
	maxActive        int
	maxRetries       int

	mu          sync.Mutex
	active      map[string]activeWorkflow
	assignments map[string]*assignment // by step id

	pendingMu sync.Mutex
	pending   map[string]chan events.Envelope // by request id

	kick    chan struct{}
	subs    []eventbus.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("workflow store is required")
	}
	if opts.ID == "" {
		opts.ID = utils.CreateOrchestratorID()
	}
	if opts.Planner == nil {
		opts.Planner = planner.New()
	}
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = DefaultLivenessWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.DispatchInterval <= 0 {
		opts.DispatchInterval = DefaultDispatchInterval
	}
	if opts.MaxActiveWorkflows <= 0 {
		opts.MaxActiveWorkflows = DefaultMaxActiveWorkflows
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Orchestrator{
		id:               opts.ID,
		bus:              opts.Bus,
		store:            opts.Store,
		planner:          opts.Planner,
		recorder:         opts.Heartbeats,
		directory:        NewDirectory(opts.LivenessWindow, opts.Now),
		logger:           opts.Logger.With("component", "orchestrator", "orchestrator_id", opts.ID),
		metrics:          opts.Metrics,
		now:              opts.Now,
		livenessWindow:   opts.LivenessWindow,
		sweepInterval:    opts.SweepInterval,
		dispatchInterval: opts.DispatchInterval,
		maxActive:        opts.MaxActiveWorkflows,
		maxRetries:       opts.MaxRetries,
		active:           make(map[string]activeWorkflow),
		assignments:      make(map[string]*assignment),
		pending:          make(map[string]chan events.Envelope),
		kick:             make(chan struct{}, 1),
	}, nil
}

func (o *Orchestrator) ID() string { return o.id }

func (o *Orchestrator) Directory() *Directory { return o.directory }

// Start reloads unfinished workflows, subscribes to the bus and runs the
// dispatch and liveness loops until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.recover(ctx); err != nil {
		return fmt.Errorf("recovering workflows: %w", err)
	}
	o.restoreFleet(ctx)

	handlers := []struct {
		channel string
		handler eventbus.Handler
	}{
		{events.TaskResultsChannel, o.handleEnvelope},
		{events.OrchestratorChannel, o.handleEnvelope},
		{events.FleetChannel, o.handleEnvelope},
		{events.ResponseChannel(o.id), o.handleResponse},
	}
	for _, h := range handlers {
		sub, err := o.bus.Subscribe(h.channel, h.handler)
		if err != nil {
			o.unsubscribeAll()
			return fmt.Errorf("subscribe %s: %w", h.channel, err)
		}
		o.subs = append(o.subs, sub)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.started.Store(true)
	o.wg.Add(1)
	go o.loop(loopCtx)

	o.logger.Info("orchestrator started", "liveness_window", o.livenessWindow, "max_active_workflows", o.maxActive)
	o.Kick()
	return nil
}

func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.unsubscribeAll()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) unsubscribeAll() {
	for _, sub := range o.subs {
		if err := sub.Unsubscribe(); err != nil {
			o.logger.Warn("failed to unsubscribe", "channel", sub.Channel(), "error", err)
		}
	}
	o.subs = nil
}

// Kick requests a dispatch pass without blocking.
func (o *Orchestrator) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	dispatchTicker := time.NewTicker(o.dispatchInterval)
	defer dispatchTicker.Stop()
	sweepTicker := time.NewTicker(o.sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.kick:
			o.DispatchOnce(ctx)
		case <-dispatchTicker.C:
			o.DispatchOnce(ctx)
		case <-sweepTicker.C:
			o.Sweep(ctx)
		}
	}
}

// recover rebuilds in-memory bookkeeping from the store: pending workflows
// go back on the queue, running ones become active again with their
// running steps tracked as assignments.
func (o *Orchestrator) recover(ctx context.Context) error {
	wfs, err := o.store.ListActive(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, wf := range wfs {
		switch wf.Status {
		case workflow.StatusPending:
			if err := o.store.Enqueue(ctx, wf.ID, wf.Priority, wf.CreatedAt); err != nil {
				return err
			}
		case workflow.StatusRunning:
			o.active[wf.ID] = activeWorkflow{priority: wf.Priority, createdAt: wf.CreatedAt}
			for _, s := range wf.RunningSteps() {
				since := o.now()
				if s.StartedAt != nil {
					since = *s.StartedAt
				}
				o.assignments[s.ID] = &assignment{
					workflowID: wf.ID,
					stepID:     s.ID,
					agentID:    s.AgentID,
					agentType:  s.AgentType,
					capability: s.Capability,
					since:      since,
				}
			}
		}
	}
	if len(wfs) > 0 {
		o.logger.Info("recovered workflows", "count", len(wfs), "active", len(o.active))
	}
	o.metrics.ActiveWorkflows.Set(float64(len(o.active)))
	return nil
}

func (o *Orchestrator) restoreFleet(ctx context.Context) {
	if o.recorder == nil {
		return
	}
	hbs, err := o.recorder.List(ctx)
	if err != nil {
		o.logger.Warn("failed to load recorded heartbeats", "error", err)
		return
	}
	for _, hb := range hbs {
		o.directory.Restore(hb)
	}
	if len(hbs) > 0 {
		o.logger.Info("restored agent directory", "agents", len(hbs), "live", o.directory.LiveCount())
	}
}

// activeIDsLocked lists active workflows by priority, oldest first within
// a priority.
func (o *Orchestrator) activeIDsLocked() []string {
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := o.active[ids[i]], o.active[ids[j]]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (o *Orchestrator) assignedCountLocked(agentID string) int {
	n := 0
	for _, a := range o.assignments {
		if a.agentID == agentID {
			n++
		}
	}
	return n
}

func (o *Orchestrator) releaseLocked(stepID string) {
	delete(o.assignments, stepID)
}

func (o *Orchestrator) recordEvent(ctx context.Context, workflowID string, ev store.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now()
	}
	if err := o.store.AppendEvent(ctx, workflowID, ev); err != nil {
		o.logger.Warn("failed to append workflow event", "workflow_id", workflowID, "type", ev.Type, "error", err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, channel string, msg events.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	return eventbus.Emit(ctx, o.bus, channel, o.id, msg)
}

func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) ListSession(ctx context.Context, sessionID string) ([]*workflow.Workflow, error) {
	return o.store.ListBySession(ctx, sessionID)
}

func (o *Orchestrator) Events(ctx context.Context, workflowID string, limit int) ([]store.Event, error) {
	if _, err := o.store.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	return o.store.Events(ctx, workflowID, limit)
}

func (o *Orchestrator) Agents() []AgentInfo {
	return o.directory.Snapshot()
}
