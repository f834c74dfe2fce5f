package workflow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoStepWorkflow(t *testing.T) *Workflow {
	t.Helper()
	w := New(Options{ID: "wf_1", SessionID: "sess", Type: "demo", Priority: 50})
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "s1"}, Name: "first", Capability: "search"}))
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "s2", Dependencies: []string{"s1"}}, Name: "second", Capability: "booking"}))
	return w
}

func stepIDs(steps []*Step) []string {
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestNew(t *testing.T) {
	w := New(Options{SessionID: "sess", Priority: 500})
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, StatusPending, w.Status)
	assert.Equal(t, MaxPriority, w.Priority)
	assert.False(t, w.CreatedAt.IsZero())
	assert.Equal(t, 0, w.Progress)

	assert.Equal(t, MinPriority, New(Options{Priority: -3}).Priority)
}

func TestReadyStepsFollowDependencies(t *testing.T) {
	w := twoStepWorkflow(t)
	assert.Empty(t, w.ReadySteps(), "nothing is ready before start")

	require.True(t, w.Start(time.Time{}))
	assert.Equal(t, []string{"s1"}, stepIDs(w.ReadySteps()))

	changed, err := w.UpdateStep("s1", StepUpdate{Status: StatusRunning, AgentID: "search-a"})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Empty(t, w.ReadySteps())

	changed, err = w.UpdateStep("s1", StepUpdate{Status: StatusCompleted, Output: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, []string{"s2"}, stepIDs(w.ReadySteps()))
	assert.Equal(t, 50, w.Progress)
	assert.Equal(t, 1, w.CurrentStep)

	_, err = w.UpdateStep("s2", StepUpdate{Status: StatusCompleted, Output: json.RawMessage(`{"n":2}`)})
	require.NoError(t, err)
	assert.Equal(t, 100, w.Progress)
	assert.Equal(t, 2, w.CurrentStep)
	assert.True(t, w.Settled())

	require.True(t, w.Complete(&Result{Success: true, Outputs: w.Outputs()}, time.Time{}))
	assert.Equal(t, StatusCompleted, w.Status)
	require.NotNil(t, w.CompletedAt)
	assert.JSONEq(t, `{"n":2}`, string(w.Result.Outputs["s2"]))
}

func TestReadyStepsNeverReturnUnsatisfied(t *testing.T) {
	w := New(Options{ID: "wf_2"})
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "a"}, Capability: "x"}))
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "b"}, Capability: "x"}))
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "c", Dependencies: []string{"a", "b"}}, Capability: "x"}))
	w.Start(time.Time{})

	assert.Equal(t, []string{"a", "b"}, stepIDs(w.ReadySteps()))

	_, err := w.UpdateStep("a", StepUpdate{Status: StatusCompleted})
	require.NoError(t, err)
	_, err = w.UpdateStep("b", StepUpdate{Status: StatusFailed, Error: &TaskError{Message: "boom"}})
	require.NoError(t, err)

	for _, s := range w.ReadySteps() {
		assert.NotEqual(t, "c", s.ID)
	}
	var dep *DependencyUnsatisfiedError
	require.ErrorAs(t, w.CheckAssignable("c"), &dep)
	assert.Equal(t, []string{"b"}, dep.Pending)
	assert.True(t, w.Settled())
	assert.Equal(t, []string{"b"}, w.FailedStepIDs())
}

func TestUpdateStepTerminalIsNoop(t *testing.T) {
	w := twoStepWorkflow(t)
	w.Start(time.Time{})
	_, err := w.UpdateStep("s1", StepUpdate{Status: StatusCompleted, Output: json.RawMessage(`"first"`)})
	require.NoError(t, err)
	before := *w.Step("s1").CompletedAt

	for _, status := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusRunning} {
		changed, err := w.UpdateStep("s1", StepUpdate{Status: status, Output: json.RawMessage(`"second"`)})
		require.NoError(t, err)
		assert.False(t, changed, status)
	}
	s1 := w.Step("s1")
	assert.Equal(t, StatusCompleted, s1.Status)
	assert.Equal(t, `"first"`, string(s1.Output))
	assert.Equal(t, before, *s1.CompletedAt)
	assert.Equal(t, 1, w.Stats.CompletedSteps)
}

func TestUpdateStepErrors(t *testing.T) {
	w := twoStepWorkflow(t)

	_, err := w.UpdateStep("missing", StepUpdate{Status: StatusRunning})
	assert.ErrorIs(t, err, ErrStepNotFound)

	var inv *InvalidTransitionError
	_, err = w.UpdateStep("s1", StepUpdate{Status: StatusPending})
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, StatusPending, inv.To)

	_, err = w.UpdateStep("s1", StepUpdate{Status: "paused"})
	assert.ErrorAs(t, err, &inv)
}

func TestUpdateStepOutOfOrderCompletion(t *testing.T) {
	w := twoStepWorkflow(t)
	w.Start(time.Time{})
	at := time.Now()
	changed, err := w.UpdateStep("s1", StepUpdate{Status: StatusCompleted, At: at})
	require.NoError(t, err)
	require.True(t, changed)

	s1 := w.Step("s1")
	require.NotNil(t, s1.StartedAt)
	assert.Equal(t, at, *s1.StartedAt)
	assert.Equal(t, time.Duration(0), s1.Duration)
}

func TestProgressMonotonic(t *testing.T) {
	w := New(Options{ID: "wf_3"})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, w.AddStep(&Step{Task: Task{ID: id}, Capability: "x"}))
	}
	w.Start(time.Time{})

	last := w.Progress
	updates := []struct {
		id     string
		status Status
	}{
		{"a", StatusRunning}, {"b", StatusRunning}, {"a", StatusCompleted},
		{"a", StatusFailed}, {"b", StatusFailed}, {"c", StatusCompleted}, {"c", StatusRunning},
	}
	for _, u := range updates {
		_, err := w.UpdateStep(u.id, StepUpdate{Status: u.status})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, w.Progress, last)
		last = w.Progress
	}
	assert.Equal(t, 67, w.Progress)
}

func TestProgressZeroSteps(t *testing.T) {
	w := New(Options{ID: "wf_empty"})
	w.Start(time.Time{})
	assert.Equal(t, 0, w.Progress)
	assert.True(t, w.Settled())
}

func TestRequeueStep(t *testing.T) {
	w := twoStepWorkflow(t)
	w.Start(time.Time{})
	_, err := w.UpdateStep("s1", StepUpdate{Status: StatusRunning, AgentID: "search-a"})
	require.NoError(t, err)

	changed, err := w.RequeueStep("s1")
	require.NoError(t, err)
	assert.True(t, changed)
	s1 := w.Step("s1")
	assert.Equal(t, StatusPending, s1.Status)
	assert.Empty(t, s1.AgentID)
	assert.Nil(t, s1.StartedAt)
	assert.Equal(t, 1, s1.Attempts)
	assert.Equal(t, 2, s1.Attempt())
	assert.Zero(t, s1.Retries, "a plain requeue is not a retry")
	assert.Zero(t, w.Stats.Retries)
	assert.Equal(t, []string{"s1"}, stepIDs(w.ReadySteps()))

	changed, err = w.RequeueStep("s1")
	require.NoError(t, err)
	assert.False(t, changed, "pending steps are not requeued")

	_, err = w.RequeueStep("nope")
	assert.ErrorIs(t, err, ErrStepNotFound)
}

func TestRetryStep(t *testing.T) {
	w := twoStepWorkflow(t)
	w.Start(time.Time{})

	for range 2 {
		_, err := w.UpdateStep("s1", StepUpdate{Status: StatusRunning, AgentID: "search-a"})
		require.NoError(t, err)
		changed, err := w.RequeueStep("s1")
		require.NoError(t, err)
		require.True(t, changed)
	}
	_, err := w.UpdateStep("s1", StepUpdate{Status: StatusRunning, AgentID: "search-b"})
	require.NoError(t, err)

	changed, err := w.RetryStep("s1")
	require.NoError(t, err)
	assert.True(t, changed)
	s1 := w.Step("s1")
	assert.Equal(t, StatusPending, s1.Status)
	assert.Equal(t, 3, s1.Attempts)
	assert.Equal(t, 1, s1.Retries)
	assert.Equal(t, 1, w.Stats.Retries)

	changed, err = w.RetryStep("s1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, s1.Retries, "only running steps are charged")

	_, err = w.RetryStep("nope")
	assert.ErrorIs(t, err, ErrStepNotFound)
}

func TestCancelWithRunningSteps(t *testing.T) {
	w := New(Options{ID: "wf_cancel"})
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "a"}, Capability: "x"}))
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "b"}, Capability: "y"}))
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "c", Dependencies: []string{"a"}}, Capability: "x"}))
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, w.Start(t0))
	_, _ = w.UpdateStep("a", StepUpdate{Status: StatusRunning, AgentID: "agent-1", At: t0.Add(time.Second)})
	_, _ = w.UpdateStep("b", StepUpdate{Status: StatusRunning, AgentID: "agent-2", At: t0.Add(2 * time.Second)})

	cancelAt := t0.Add(5 * time.Second)
	running := w.CancelOpenSteps("user request", cancelAt)
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, []string{running[0].AgentID, running[1].AgentID})
	require.True(t, w.Cancel("user request", cancelAt))

	for _, s := range w.Steps {
		assert.Equal(t, StatusCancelled, s.Status, s.ID)
		assert.Equal(t, cancelAt, *s.CompletedAt, s.ID)
	}
	assert.Equal(t, 4*time.Second, w.Step("a").Duration)
	assert.Equal(t, 3*time.Second, w.Step("b").Duration)
	assert.Equal(t, StatusCancelled, w.Status)
	require.NotNil(t, w.CompletedAt)
	assert.Equal(t, cancelAt, *w.CompletedAt)
	assert.Equal(t, 5*time.Second, w.ActualDuration)

	assert.False(t, w.Cancel("again", time.Time{}))
	assert.False(t, w.Complete(&Result{Success: true}, time.Time{}))
	assert.Equal(t, StatusCancelled, w.Status)
}

func TestZeroTimeFallsBackToWallClock(t *testing.T) {
	w := twoStepWorkflow(t)
	before := time.Now()
	require.True(t, w.Start(time.Time{}))
	require.NotNil(t, w.StartedAt)
	assert.False(t, w.StartedAt.Before(before))

	w.CancelOpenSteps("stop", time.Time{})
	require.True(t, w.Cancel("stop", time.Time{}))
	assert.GreaterOrEqual(t, w.ActualDuration, time.Duration(0))
}

func TestAddStep(t *testing.T) {
	w := twoStepWorkflow(t)
	assert.ErrorIs(t, w.AddStep(&Step{Task: Task{ID: "s1"}, Capability: "x"}), ErrDuplicateStep)

	s := &Step{Capability: "x"}
	require.NoError(t, w.AddStep(s))
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "wf_1", s.WorkflowID)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, 3, w.Stats.TotalSteps)

	w.Cancel("done", time.Time{})
	assert.ErrorIs(t, w.AddStep(&Step{Capability: "x"}), ErrWorkflowTerminal)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, twoStepWorkflow(t).Validate())

	w := New(Options{ID: "wf_cycle"})
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "a", Dependencies: []string{"c"}}, Capability: "x"}))
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "b", Dependencies: []string{"a"}}, Capability: "x"}))
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "c", Dependencies: []string{"b"}}, Capability: "x"}))
	assert.ErrorIs(t, w.Validate(), ErrCircularDependency)

	w = New(Options{ID: "wf_self"})
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "a", Dependencies: []string{"a"}}, Capability: "x"}))
	assert.ErrorIs(t, w.Validate(), ErrCircularDependency)

	w = New(Options{ID: "wf_unknown"})
	require.NoError(t, w.AddStep(&Step{Task: Task{ID: "a", Dependencies: []string{"zzz"}}, Capability: "x"}))
	err := w.Validate()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCircularDependency))
	assert.Contains(t, err.Error(), "zzz")
}

func TestCloneIsDeep(t *testing.T) {
	w := twoStepWorkflow(t)
	w.Start(time.Time{})
	_, _ = w.UpdateStep("s1", StepUpdate{Status: StatusCompleted, Output: json.RawMessage(`{"a":1}`)})

	c := w.Clone()
	_, _ = c.UpdateStep("s2", StepUpdate{Status: StatusRunning, AgentID: "x"})
	c.Steps[0].Dependencies = append(c.Steps[0].Dependencies, "zz")

	assert.Equal(t, StatusPending, w.Step("s2").Status)
	assert.Empty(t, w.Step("s1").Dependencies)
	assert.JSONEq(t, `{"a":1}`, string(c.Step("s1").Output))
}

func TestWorkflowJSON(t *testing.T) {
	w := twoStepWorkflow(t)
	data, err := json.Marshal(w)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	steps := m["steps"].([]any)
	first := steps[0].(map[string]any)
	assert.Equal(t, "s1", first["id"])
	assert.Equal(t, "search", first["capability"])
	assert.Equal(t, "pending", first["status"])
	assert.Equal(t, "sess", m["sessionId"])
}
