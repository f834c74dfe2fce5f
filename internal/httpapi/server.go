// Package httpapi exposes the orchestrator and agent runtimes over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cugtyt/agentflow-distributed/internal/events"
	"github.com/cugtyt/agentflow-distributed/internal/orchestrator"
	"github.com/cugtyt/agentflow-distributed/internal/store"
	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

const (
	DefaultQueryTimeout = 5 * time.Second
	maxBodyBytes        = 1 << 20
)

// Coordinator is the part of the orchestrator the HTTP surface needs.
type Coordinator interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*workflow.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	ListSession(ctx context.Context, sessionID string) ([]*workflow.Workflow, error)
	Events(ctx context.Context, workflowID string, limit int) ([]store.Event, error)
	Cancel(ctx context.Context, workflowID, reason string) (*workflow.Workflow, error)
	Agents() []orchestrator.AgentInfo
	QueryAgent(ctx context.Context, agentID string, kind orchestrator.QueryKind) (events.Message, error)
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type WorkflowList struct {
	Workflows []*workflow.Workflow `json:"workflows"`
	Count     int                  `json:"count"`
}

type EventList struct {
	Events []store.Event `json:"events"`
	Count  int           `json:"count"`
}

type AgentList struct {
	Agents []orchestrator.AgentInfo `json:"agents"`
	Count  int                      `json:"count"`
}

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

type Server struct {
	coord        Coordinator
	metrics      http.Handler
	logger       *slog.Logger
	queryTimeout time.Duration
	startedAt    time.Time
}

type Options struct {
	Coordinator  Coordinator
	Metrics      http.Handler
	Logger       *slog.Logger
	QueryTimeout time.Duration
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	return &Server{
		coord:        opts.Coordinator,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "http"),
		queryTimeout: opts.QueryTimeout,
		startedAt:    time.Now(),
	}
}

// Router wires every orchestrator route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/workflows", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/workflows", s.handleSessionWorkflows).Methods(http.MethodGet)
	r.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/health", s.handleAgentQuery(orchestrator.QueryHealth)).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/status", s.handleAgentQuery(orchestrator.QueryStatus)).Methods(http.MethodGet)
	r.HandleFunc("/health", healthHandler("orchestrator", s.startedAt)).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	r.Use(s.logRequests)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	wf, err := s.coord.Submit(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.coord.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	evs, err := s.coord.Events(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EventList{Events: evs, Count: len(evs)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
			return
		}
	}
	wf, err := s.coord.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleSessionWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.coord.ListSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if wfs == nil {
		wfs = []*workflow.Workflow{}
	}
	writeJSON(w, http.StatusOK, WorkflowList{Workflows: wfs, Count: len(wfs)})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.coord.Agents()
	writeJSON(w, http.StatusOK, AgentList{Agents: agents, Count: len(agents)})
}

func (s *Server) handleAgentQuery(kind orchestrator.QueryKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.queryTimeout)
		defer cancel()
		msg, err := s.coord.QueryAgent(ctx, mux.Vars(r)["id"], kind)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, orchestrator.ErrNotStarted):
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func healthHandler(service string, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthStatus{
			Service:   service,
			Status:    "healthy",
			Uptime:    time.Since(startedAt).Round(time.Second).String(),
			Timestamp: time.Now().UTC(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
