package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cugtyt/agentflow-distributed/internal/events"
)

// AgentHealth is implemented by agent.Runtime.
type AgentHealth interface {
	Health(ctx context.Context) events.HealthResponse
	Snapshot() events.StatusResponse
}

// AgentRouter serves the health, status and metrics endpoints of one agent
// process.
func AgentRouter(agent AgentHealth, metrics http.Handler) *mux.Router {
	startedAt := time.Now()
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := agent.Health(r.Context())
		status := http.StatusOK
		if resp.Status == events.AgentStatusOffline {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, agent.Snapshot())
	}).Methods(http.MethodGet)
	r.HandleFunc("/livez", healthHandler("agent-runtime", startedAt)).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return r
}
