package planner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

func TestBuiltinRestaurantBooking(t *testing.T) {
	p := New()
	assert.Equal(t, []string{"appointment", "place_search", "restaurant_booking"}, p.Templates())

	wf := workflow.New(workflow.Options{Type: "restaurant_booking", SessionID: "s"})
	err := p.Build(wf, Request{
		Type:   "restaurant_booking",
		Params: json.RawMessage(`{"query":"sushi","location":"Seattle","limit":1}`),
	})
	require.NoError(t, err)
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, "Find and book a restaurant", wf.Title)

	find, book, confirm := wf.Steps[0], wf.Steps[1], wf.Steps[2]
	assert.Equal(t, "search", find.Capability)
	assert.Equal(t, "search_places", find.Action)
	assert.JSONEq(t, `{"query":"sushi","location":"Seattle","limit":1}`, string(find.Input))
	assert.Equal(t, []string{find.ID}, book.Dependencies)
	assert.Equal(t, []string{book.ID}, confirm.Dependencies)
	assert.Equal(t, "general", confirm.AgentType)

	wf.Start(time.Time{})
	assert.Len(t, wf.ReadySteps(), 1)
}

func TestExplicitPlanResolvesNamesAndIDs(t *testing.T) {
	wf := workflow.New(workflow.Options{Type: "custom"})
	req := Request{Steps: []StepPlan{
		{Name: "a", Capability: "search"},
		{ID: "step_b", Name: "b", Capability: "booking", DependsOn: []string{"a"}},
		{Name: "c", Capability: "general", DependsOn: []string{"step_b", "a"}},
	}}
	require.NoError(t, New().Build(wf, req))
	require.Len(t, wf.Steps, 3)
	assert.Empty(t, req.Steps[0].ID, "request plans are not mutated")
	assert.Equal(t, "step_b", wf.Steps[1].ID)
	assert.Equal(t, []string{wf.Steps[0].ID}, wf.Steps[1].Dependencies)
	assert.Equal(t, []string{"step_b", wf.Steps[0].ID}, wf.Steps[2].Dependencies)
}

func TestBuildRejectsBadPlans(t *testing.T) {
	p := New()

	err := p.Build(workflow.New(workflow.Options{}), Request{Type: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTemplate)

	err = p.Build(workflow.New(workflow.Options{}), Request{Steps: []StepPlan{
		{Name: "a", Capability: "x", DependsOn: []string{"ghost"}},
	}})
	assert.ErrorContains(t, err, "ghost")

	err = p.Build(workflow.New(workflow.Options{}), Request{Steps: []StepPlan{
		{Name: "a", Capability: "x", DependsOn: []string{"b"}},
		{Name: "b", Capability: "x", DependsOn: []string{"a"}},
	}})
	assert.ErrorIs(t, err, workflow.ErrCircularDependency)

	err = p.Build(workflow.New(workflow.Options{}), Request{Type: "place_search", Params: json.RawMessage(`[1,2]`)})
	assert.ErrorContains(t, err, "JSON object")
}

func TestLoadTemplatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
greeting:
  title: Say hello
  steps:
    - name: hello
      capability: general
      action: echo
      input:
        message: hi
`), 0o644))

	p := New()
	require.NoError(t, p.LoadTemplatesFile(path))
	assert.Contains(t, p.Templates(), "greeting")

	wf := workflow.New(workflow.Options{Type: "greeting"})
	require.NoError(t, p.Build(wf, Request{Type: "greeting"}))
	assert.JSONEq(t, `{"message":"hi"}`, string(wf.Steps[0].Input))

	assert.Error(t, p.LoadTemplatesYAML([]byte("empty:\n  title: nothing\n")))
	assert.Error(t, p.LoadTemplatesFile(filepath.Join(t.TempDir(), "missing.yaml")))
}
