package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cugtyt/agentflow-distributed/internal/agent"
	"github.com/cugtyt/agentflow-distributed/internal/eventbus"
	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/metrics"
	"github.com/cugtyt/agentflow-distributed/internal/orchestrator"
	"github.com/cugtyt/agentflow-distributed/internal/store"
	"github.com/cugtyt/agentflow-distributed/internal/tools"
	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeHost struct{}

func (fakeHost) Sample(context.Context) (*events.HostMetrics, error) {
	return &events.HostMetrics{Hostname: "test-host"}, nil
}

type fixture struct {
	srv   *httptest.Server
	orch  *orchestrator.Orchestrator
	agent *agent.Runtime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	m := metrics.New()
	orch, err := orchestrator.New(orchestrator.Options{
		ID:               "orchestrator-http",
		Bus:              bus,
		Store:            store.NewMemoryStore(),
		DispatchInterval: 20 * time.Millisecond,
		SweepInterval:    time.Hour,
		Logger:           discard,
		Metrics:          m,
	})
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))

	reg := tools.NewRegistry()
	require.NoError(t, reg.RegisterTool(&tools.EchoTool{}))
	rt, err := agent.New(agent.Options{
		ID:                "general-1",
		Type:              "general",
		Bus:               bus,
		Tools:             reg,
		HeartbeatInterval: time.Hour,
		Logger:            discard,
		Host:              fakeHost{},
	})
	require.NoError(t, err)
	require.NoError(t, rt.Register(context.Background()))
	require.Eventually(t, func() bool { return orch.Directory().IsLive("general-1") }, 2*time.Second, 10*time.Millisecond)

	server := NewServer(Options{Coordinator: orch, Metrics: m.Handler(), Logger: discard, QueryTimeout: time.Second})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rt.Shutdown(ctx)
		orch.Stop()
		bus.Close()
	})
	return &fixture{srv: srv, orch: orch, agent: rt}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitAndFollowWorkflow(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/workflows", map[string]any{
		"sessionId": "session-9",
		"steps": []map[string]any{
			{"name": "say", "capability": "general", "action": "echo", "input": map[string]string{"message": "hi"}},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decodeBody[workflow.Workflow](t, resp)
	assert.Equal(t, workflow.StatusPending, created.Status)

	require.Eventually(t, func() bool {
		resp := f.do(t, http.MethodGet, "/workflows/"+created.ID, nil)
		return decodeBody[workflow.Workflow](t, resp).Status == workflow.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	resp = f.do(t, http.MethodGet, "/workflows/"+created.ID+"/events?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decodeBody[EventList](t, resp).Count)

	resp = f.do(t, http.MethodGet, "/sessions/session-9/workflows", nil)
	list := decodeBody[WorkflowList](t, resp)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, created.ID, list.Workflows[0].ID)

	resp = f.do(t, http.MethodGet, "/sessions/nobody/workflows", nil)
	assert.Equal(t, 0, decodeBody[WorkflowList](t, resp).Count)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/workflows", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/workflows", map[string]any{"sessionId": "s", "type": "unknown_template"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decodeBody[ErrorResponse](t, resp).Error)

	resp = f.do(t, http.MethodGet, "/workflows", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUnknownWorkflowIsNotFound(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/workflows/wf_missing", "/workflows/wf_missing/events"} {
		resp := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp := f.do(t, http.MethodPost, "/workflows/wf_missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/workflows/x/events?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelWorkflow(t *testing.T) {
	f := newFixture(t)
	// Nothing serves "payments", so the step waits.
	resp := f.do(t, http.MethodPost, "/workflows", map[string]any{
		"sessionId": "s1",
		"steps":     []map[string]any{{"name": "pay", "capability": "payments"}},
	})
	created := decodeBody[workflow.Workflow](t, resp)

	resp = f.do(t, http.MethodPost, "/workflows/"+created.ID+"/cancel", CancelRequest{Reason: "changed mind"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[workflow.Workflow](t, resp)
	assert.Equal(t, workflow.StatusCancelled, got.Status)
	assert.Equal(t, "changed mind", got.Error)
}

func TestAgentRoutes(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/agents", nil)
	agents := decodeBody[AgentList](t, resp)
	require.Equal(t, 1, agents.Count)
	assert.Equal(t, "general-1", agents.Agents[0].ID)

	resp = f.do(t, http.MethodGet, "/agents/general-1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody[events.HealthResponse](t, resp)
	assert.Equal(t, "general-1", health.AgentID)

	resp = f.do(t, http.MethodGet, "/agents/general-1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "general", decodeBody[events.StatusResponse](t, resp).AgentType)

	resp = f.do(t, http.MethodGet, "/agents/ghost/health", nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decodeBody[HealthStatus](t, resp).Status)

	resp = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agentflow_orchestrator_live_agents")
}

func TestAgentRouter(t *testing.T) {
	f := newFixture(t)
	m := metrics.New()
	srv := httptest.NewServer(AgentRouter(f.agent, m.Handler()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody[events.HealthResponse](t, resp)
	assert.Equal(t, "test-host", health.Host.Hostname)

	status, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer status.Body.Close()
	assert.Equal(t, []string{"general"}, decodeBody[events.StatusResponse](t, status).Capabilities)
}
