package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreIsolatedPerInstance(t *testing.T) {
	a, b := New(), New()
	a.TasksTotal.WithLabelValues("search", "completed").Inc()
	a.TasksTotal.WithLabelValues("search", "completed").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.TasksTotal.WithLabelValues("search", "completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TasksTotal.WithLabelValues("search", "completed")))
}

func TestHandlerExposesSeries(t *testing.T) {
	m := New()
	m.QueueDepth.Set(4)
	m.WorkflowsTotal.WithLabelValues("completed").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "agentflow_orchestrator_queue_depth 4")
	assert.Contains(t, body, `agentflow_orchestrator_workflows_total{status="completed"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
