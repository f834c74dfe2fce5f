package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cugtyt/agentflow-distributed/internal/eventbus"
	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/tools"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type collector struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func listen(t *testing.T, bus eventbus.EventBus, channel string) *collector {
	t.Helper()
	c := &collector{}
	_, err := bus.Subscribe(channel, func(_ context.Context, env events.Envelope) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.envs = append(c.envs, env)
	})
	require.NoError(t, err)
	return c
}

func (c *collector) ofType(typ string) []events.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Envelope
	for _, env := range c.envs {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (c *collector) count(typ string) int { return len(c.ofType(typ)) }

type fakeHost struct{}

func (fakeHost) Sample(context.Context) (*events.HostMetrics, error) {
	return &events.HostMetrics{CPUUsage: 12.5, MemoryUsage: 40, Hostname: "test-host"}, nil
}

// scriptedTool serves one capability with behaviour chosen per test.
type scriptedTool struct {
	capability string
	invoke     func(ctx context.Context, action string, input json.RawMessage) (*tools.Result, error)
	calls      atomic.Int32
}

func (s *scriptedTool) Name() string           { return "scripted" }
func (s *scriptedTool) Description() string    { return "test tool" }
func (s *scriptedTool) Capabilities() []string { return []string{s.capability} }
func (s *scriptedTool) Invoke(ctx context.Context, action string, input json.RawMessage, tc tools.ToolContext) (*tools.Result, error) {
	s.calls.Add(1)
	return s.invoke(ctx, action, input)
}

func okTool(capability string) *scriptedTool {
	return &scriptedTool{capability: capability, invoke: func(ctx context.Context, action string, input json.RawMessage) (*tools.Result, error) {
		return &tools.Result{Output: json.RawMessage(`{"ok":true}`), ToolsUsed: []string{"scripted"}}, nil
	}}
}

func blockingTool(capability string, release <-chan struct{}) *scriptedTool {
	return &scriptedTool{capability: capability, invoke: func(ctx context.Context, action string, input json.RawMessage) (*tools.Result, error) {
		select {
		case <-release:
			return &tools.Result{Output: json.RawMessage(`{"done":true}`)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

func failingTool(capability string, retryable bool) *scriptedTool {
	return &scriptedTool{capability: capability, invoke: func(ctx context.Context, action string, input json.RawMessage) (*tools.Result, error) {
		return nil, &tools.ToolError{Tool: "scripted", Action: action, Code: "upstream_down", Retryable: retryable, Err: errors.New("upstream down")}
	}}
}

func newRuntime(t *testing.T, bus eventbus.EventBus, tool tools.Tool, mutate func(*Options)) *Runtime {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.RegisterTool(tool))
	opts := Options{
		ID:                "search-test-1",
		Type:              "search",
		Bus:               bus,
		Tools:             reg,
		Fallbacks:         FallbackTable{},
		HeartbeatInterval: time.Hour,
		Host:              fakeHost{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	rt, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rt.Shutdown(ctx)
	})
	return rt
}

func assignment(taskID string) events.TaskAssignment {
	return events.TaskAssignment{
		TaskID:        taskID,
		WorkflowID:    "wf_1",
		Capability:    "search",
		Action:        "search_places",
		Input:         json.RawMessage(`{"query":"sushi"}`),
		TargetAgentID: "search-test-1",
	}
}

func decode[T events.Message](t *testing.T, env events.Envelope) T {
	t.Helper()
	msg, err := events.Decode(env)
	require.NoError(t, err)
	typed, ok := msg.(T)
	require.True(t, ok, "unexpected message %T", msg)
	return typed
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Bus: eventbus.NewMemoryBus()})
	assert.Error(t, err)
	_, err = New(Options{Type: "search"})
	assert.Error(t, err)

	rt, err := New(Options{Type: "search", Bus: eventbus.NewMemoryBus(), Tools: tools.NewRegistry()})
	require.NoError(t, err)
	assert.Contains(t, rt.ID(), "search-")
	assert.Equal(t, DefaultMaxConcurrent, rt.maxConcurrent)
	assert.Equal(t, DefaultHeartbeatInterval, rt.heartbeatInterval)
}

func TestRegisterAnnouncesAgent(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	fleet := listen(t, bus, events.FleetChannel)
	rt := newRuntime(t, bus, okTool("search"), func(o *Options) { o.HeartbeatInterval = 20 * time.Millisecond })

	require.NoError(t, rt.Register(context.Background()))
	assert.ErrorIs(t, rt.Register(context.Background()), ErrAlreadyRegistered)

	assert.Eventually(t, func() bool { return fleet.count(events.HeartbeatType) >= 2 }, waitFor, tick)
	status := decode[events.AgentStatus](t, fleet.ofType(events.AgentStatusType)[0])
	assert.Equal(t, events.AgentStatusIdle, status.Status)
	assert.Equal(t, []string{"search"}, status.Capabilities)

	hb := decode[events.Heartbeat](t, fleet.ofType(events.HeartbeatType)[0])
	assert.Equal(t, "search-test-1", hb.AgentID)
	assert.Equal(t, DefaultMaxConcurrent, hb.MaxConcurrent)
	assert.Equal(t, 1, bus.SubscriberCount(events.AgentChannel("search-test-1")))
	assert.Equal(t, 1, bus.SubscriberCount(events.AgentTypeChannel("search")))
}

func TestExecutesAssignmentFromBus(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	orch := listen(t, bus, events.OrchestratorChannel)
	results := listen(t, bus, events.TaskResultsChannel)
	rt := newRuntime(t, bus, okTool("search"), nil)
	require.NoError(t, rt.Register(context.Background()))

	require.NoError(t, eventbus.Emit(context.Background(), bus, events.AgentChannel(rt.ID()), "orchestrator-1", assignment("task-1")))

	assert.Eventually(t, func() bool { return results.count(events.TaskCompletedType) == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return orch.count(events.TaskCompletedType) == 1 }, waitFor, tick)
	require.Equal(t, 1, orch.count(events.TaskStartedType))

	done := decode[events.TaskCompleted](t, results.ofType(events.TaskCompletedType)[0])
	assert.Equal(t, "task-1", done.TaskID)
	assert.Equal(t, "wf_1", done.WorkflowID)
	assert.JSONEq(t, `{"ok":true}`, string(done.Output))
	assert.False(t, done.Metadata.Fallback)
	assert.Equal(t, []string{"scripted"}, done.Metadata.ToolsUsed)

	assert.Empty(t, rt.HeldTaskIDs())
	assert.Equal(t, 1.0, rt.SuccessRate())
}

func TestCapacityIsNeverExceeded(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	orch := listen(t, bus, events.OrchestratorChannel)
	release := make(chan struct{})
	rt := newRuntime(t, bus, blockingTool("search", release), nil)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, rt.HandleTaskAssignment(ctx, assignment(id)))
	}
	assert.False(t, rt.IsAvailable())
	assert.Equal(t, events.AgentStatusWorking, rt.Status())

	require.NoError(t, rt.HandleTaskAssignment(ctx, assignment("t4")))
	assert.Equal(t, []string{"t1", "t2", "t3"}, rt.HeldTaskIDs())

	assert.Eventually(t, func() bool { return orch.count(events.TaskRejectedType) == 1 }, waitFor, tick)
	rejected := decode[events.TaskRejected](t, orch.ofType(events.TaskRejectedType)[0])
	assert.Equal(t, "t4", rejected.TaskID)
	assert.Equal(t, events.RejectAtCapacity, rejected.Reason)

	close(release)
	assert.Eventually(t, func() bool { return rt.IsAvailable() && len(rt.HeldTaskIDs()) == 0 }, waitFor, tick)
	assert.Eventually(t, func() bool { return orch.count(events.TaskCompletedType) == 3 }, waitFor, tick)
}

func TestBroadcastOfferIsNotRejected(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	orch := listen(t, bus, events.OrchestratorChannel)
	rt := newRuntime(t, bus, okTool("search"), nil)

	offer := assignment("t-broadcast")
	offer.TargetAgentID = ""
	offer.Capability = "booking"
	require.NoError(t, rt.HandleTaskAssignment(context.Background(), offer))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, orch.count(events.TaskRejectedType))
	assert.Empty(t, rt.HeldTaskIDs())
}

func TestFallbackSucceedsAfterToolError(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	results := listen(t, bus, events.TaskResultsChannel)

	var fallbackCalls atomic.Int32
	tool := failingTool("search", false)
	rt := newRuntime(t, bus, tool, func(o *Options) {
		o.Fallbacks = FallbackTable{
			"search_places": func(ctx context.Context, task events.TaskAssignment, tc tools.ToolContext) (json.RawMessage, error) {
				fallbackCalls.Add(1)
				return json.RawMessage(`{"degraded":true}`), nil
			},
		}
	})

	require.NoError(t, rt.HandleTaskAssignment(context.Background(), assignment("t-fb")))
	assert.Eventually(t, func() bool { return results.count(events.TaskCompletedType) == 1 }, waitFor, tick)
	assert.Zero(t, results.count(events.TaskFailedType))
	assert.EqualValues(t, 1, tool.calls.Load())
	assert.EqualValues(t, 1, fallbackCalls.Load())

	done := decode[events.TaskCompleted](t, results.ofType(events.TaskCompletedType)[0])
	assert.True(t, done.Metadata.Fallback)
	assert.JSONEq(t, `{"degraded":true}`, string(done.Output))
}

func TestFallbackFailureReportsTaskFailed(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	results := listen(t, bus, events.TaskResultsChannel)

	var fallbackCalls atomic.Int32
	rt := newRuntime(t, bus, failingTool("search", true), func(o *Options) {
		o.Fallbacks = FallbackTable{
			"search_places": func(ctx context.Context, task events.TaskAssignment, tc tools.ToolContext) (json.RawMessage, error) {
				fallbackCalls.Add(1)
				return nil, errors.New("no cache either")
			},
		}
	})

	require.NoError(t, rt.HandleTaskAssignment(context.Background(), assignment("t-fail")))
	assert.Eventually(t, func() bool { return results.count(events.TaskFailedType) == 1 }, waitFor, tick)
	assert.EqualValues(t, 1, fallbackCalls.Load())

	failed := decode[events.TaskFailed](t, results.ofType(events.TaskFailedType)[0])
	assert.True(t, failed.Error.Retryable)
	assert.Equal(t, "upstream_down", failed.Error.Code)
	assert.Contains(t, failed.Error.Message, "no cache either")
	assert.True(t, failed.Metadata.Fallback)
	assert.Equal(t, 0.0, rt.SuccessRate())
}

func TestNoFallbackEntryFails(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	results := listen(t, bus, events.TaskResultsChannel)
	rt := newRuntime(t, bus, failingTool("search", false), nil)

	require.NoError(t, rt.HandleTaskAssignment(context.Background(), assignment("t-nofb")))
	assert.Eventually(t, func() bool { return results.count(events.TaskFailedType) == 1 }, waitFor, tick)
	failed := decode[events.TaskFailed](t, results.ofType(events.TaskFailedType)[0])
	assert.False(t, failed.Error.Retryable)
	assert.False(t, failed.Metadata.Fallback)
}

func TestDuplicateAssignment(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	orch := listen(t, bus, events.OrchestratorChannel)
	release := make(chan struct{})
	rt := newRuntime(t, bus, blockingTool("search", release), nil)
	ctx := context.Background()

	require.NoError(t, rt.HandleTaskAssignment(ctx, assignment("dup")))
	err := rt.HandleTaskAssignment(ctx, assignment("dup"))
	var dupErr *DuplicateTaskError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "dup", dupErr.TaskID)
	assert.Equal(t, []string{"dup"}, rt.HeldTaskIDs())

	close(release)
	assert.Eventually(t, func() bool { return orch.count(events.TaskCompletedType) == 1 }, waitFor, tick)

	// A redelivery after completion is ignored as well.
	require.NoError(t, rt.HandleTaskAssignment(ctx, assignment("dup")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, orch.count(events.TaskStartedType))
	assert.Equal(t, 1, orch.count(events.TaskCompletedType))
}

func TestRetriedAttemptRunsAgain(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	orch := listen(t, bus, events.OrchestratorChannel)
	tool := okTool("search")
	rt := newRuntime(t, bus, tool, nil)
	ctx := context.Background()

	first := assignment("retry-me")
	first.Attempt = 1
	require.NoError(t, rt.HandleTaskAssignment(ctx, first))
	assert.Eventually(t, func() bool { return orch.count(events.TaskCompletedType) == 1 }, waitFor, tick)

	second := first
	second.Attempt = 2
	require.NoError(t, rt.HandleTaskAssignment(ctx, second))
	assert.Eventually(t, func() bool { return orch.count(events.TaskCompletedType) == 2 }, waitFor, tick)
	assert.Equal(t, int32(2), tool.calls.Load())
}

func TestAssignmentForAnotherAgentIsIgnored(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	rt := newRuntime(t, bus, okTool("search"), nil)

	a := assignment("other")
	a.TargetAgentID = "search-someone-else"
	require.NoError(t, rt.HandleTaskAssignment(context.Background(), a))
	assert.Empty(t, rt.HeldTaskIDs())
}

func TestCancellationDiscardsOutcome(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	orch := listen(t, bus, events.OrchestratorChannel)
	results := listen(t, bus, events.TaskResultsChannel)
	release := make(chan struct{})
	rt := newRuntime(t, bus, blockingTool("search", release), nil)
	require.NoError(t, rt.Register(context.Background()))

	require.NoError(t, rt.HandleTaskAssignment(context.Background(), assignment("t-cancel")))
	require.NoError(t, eventbus.Emit(context.Background(), bus, events.AgentChannel(rt.ID()), "orchestrator-1",
		events.TaskCancellation{TaskID: "t-cancel", WorkflowID: "wf_1", Reason: "user request"}))

	assert.Eventually(t, func() bool { return orch.count(events.TaskCancelledType) == 1 }, waitFor, tick)
	cancelled := decode[events.TaskCancelled](t, orch.ofType(events.TaskCancelledType)[0])
	assert.Equal(t, "user request", cancelled.Reason)
	assert.Empty(t, rt.HeldTaskIDs())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, results.count(events.TaskCompletedType))
	assert.Zero(t, results.count(events.TaskFailedType))
	assert.Zero(t, rt.Snapshot().Failed)
}

func TestHealthAndStatusReplies(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	replies := listen(t, bus, events.ResponseChannel("orchestrator-1"))
	rt := newRuntime(t, bus, okTool("search"), nil)
	require.NoError(t, rt.Register(context.Background()))
	ctx := context.Background()

	check, err := events.NewRequest("orchestrator-1", "req-1", events.HealthCheck{AgentID: rt.ID()})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, events.AgentChannel(rt.ID()), check))

	status, err := events.NewRequest("orchestrator-1", "req-2", events.StatusRequest{})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, events.FleetChannel, status))

	assert.Eventually(t, func() bool {
		return replies.count(events.HealthResponseType) == 1 && replies.count(events.StatusResponseType) == 1
	}, waitFor, tick)

	healthEnv := replies.ofType(events.HealthResponseType)[0]
	assert.Equal(t, "req-1", healthEnv.RequestID)
	health := decode[events.HealthResponse](t, healthEnv)
	assert.Equal(t, events.AgentStatusIdle, health.Status)
	require.NotNil(t, health.Host)
	assert.Equal(t, "test-host", health.Host.Hostname)

	statusEnv := replies.ofType(events.StatusResponseType)[0]
	assert.Equal(t, "req-2", statusEnv.RequestID)
	snap := decode[events.StatusResponse](t, statusEnv)
	assert.Equal(t, rt.ID(), snap.AgentID)
	assert.Equal(t, []string{"search"}, snap.Capabilities)
	assert.Equal(t, 0.0, snap.SuccessRate)
	assert.False(t, snap.LastHeartbeat.IsZero())

	// Requests aimed at a different agent are left alone.
	other, _ := events.NewRequest("orchestrator-1", "req-3", events.HealthCheck{AgentID: "someone-else"})
	require.NoError(t, bus.Publish(ctx, events.FleetChannel, other))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, replies.count(events.HealthResponseType))
}

func TestShutdownCancelsHeldTasks(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	orch := listen(t, bus, events.OrchestratorChannel)
	fleet := listen(t, bus, events.FleetChannel)
	release := make(chan struct{})
	defer close(release)
	rt := newRuntime(t, bus, blockingTool("search", release), nil)
	ctx := context.Background()
	require.NoError(t, rt.Register(ctx))

	require.NoError(t, rt.HandleTaskAssignment(ctx, assignment("s1")))
	require.NoError(t, rt.HandleTaskAssignment(ctx, assignment("s2")))

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(shutdownCtx))
	require.NoError(t, rt.Shutdown(shutdownCtx))

	assert.Eventually(t, func() bool { return orch.count(events.TaskCancelledType) == 2 }, waitFor, tick)
	for _, env := range orch.ofType(events.TaskCancelledType) {
		assert.Equal(t, events.CancelReasonShutdown, decode[events.TaskCancelled](t, env).Reason)
	}
	assert.Eventually(t, func() bool {
		for _, env := range fleet.ofType(events.AgentStatusType) {
			if decode[events.AgentStatus](t, env).Status == events.AgentStatusOffline {
				return true
			}
		}
		return false
	}, waitFor, tick)

	assert.Equal(t, events.AgentStatusOffline, rt.Status())
	assert.False(t, rt.IsAvailable())
	assert.Zero(t, bus.SubscriberCount(events.AgentChannel(rt.ID())))

	require.NoError(t, rt.HandleTaskAssignment(ctx, assignment("late")))
	assert.Empty(t, rt.HeldTaskIDs())
	assert.Zero(t, orch.count(events.TaskCompletedType))
}

func TestShutdownBeforeRegister(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	fleet := listen(t, bus, events.FleetChannel)
	rt := newRuntime(t, bus, okTool("search"), func(o *Options) { o.HeartbeatInterval = 10 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, rt.Shutdown(ctx))
	assert.ErrorIs(t, rt.Register(ctx), ErrShutDown)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fleet.count(events.HeartbeatType))
	assert.Zero(t, fleet.count(events.AgentStatusType), "an agent that never registered announces nothing")
	assert.Zero(t, bus.SubscriberCount(events.AgentChannel(rt.ID())))
}

func TestShutdownRacingRegisterLeavesNoHeartbeat(t *testing.T) {
	for range 20 {
		bus := eventbus.NewMemoryBus()
		fleet := listen(t, bus, events.FleetChannel)
		rt := newRuntime(t, bus, okTool("search"), func(o *Options) { o.HeartbeatInterval = 5 * time.Millisecond })
		ctx := context.Background()

		var wg sync.WaitGroup
		var registerErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			registerErr = rt.Register(ctx)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, rt.Shutdown(ctx))
		}()
		wg.Wait()
		if registerErr != nil {
			require.ErrorIs(t, registerErr, ErrShutDown)
		}

		// let queued deliveries drain before taking the count
		time.Sleep(20 * time.Millisecond)
		settled := fleet.count(events.HeartbeatType)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, settled, fleet.count(events.HeartbeatType), "heartbeats continued after shutdown")
		assert.Zero(t, bus.SubscriberCount(events.AgentChannel(rt.ID())))
		bus.Close()
	}
}

func TestCanHandle(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	rt := newRuntime(t, bus, okTool("search"), nil)
	assert.True(t, rt.CanHandle("search"))
	assert.False(t, rt.CanHandle("booking"))
	assert.False(t, rt.CanHandle(""))

	wild := newRuntime(t, bus, okTool("search"), func(o *Options) {
		o.ID = "general-any"
		o.Capabilities = []string{tools.CatchAll}
	})
	assert.True(t, wild.CanHandle("anything"))
}

func TestRecentSetIsBounded(t *testing.T) {
	s := newRecentSet(2)
	s.add("a")
	s.add("b")
	s.add("a")
	s.add("c")
	assert.False(t, s.has("a"))
	assert.True(t, s.has("b"))
	assert.True(t, s.has("c"))
}
