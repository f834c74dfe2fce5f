package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentflow"

// Metrics holds the collectors of one process. Agents and the orchestrator
// share the type; each only moves the series it owns.
type Metrics struct {
	registry *prometheus.Registry

	TasksTotal      *prometheus.CounterVec
	FallbacksTotal  *prometheus.CounterVec
	HeldTasks       *prometheus.GaugeVec
	StepAssignments *prometheus.CounterVec
	StepRequeues    *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	WorkflowsTotal  *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	ActiveWorkflows prometheus.Gauge
	LiveAgents      prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tasks_total",
			Help:      "Tasks finished by agents, by agent type and outcome.",
		}, []string{"agent_type", "outcome"}),
		FallbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "fallbacks_total",
			Help:      "Fallback executions after a primary tool failure.",
		}, []string{"agent_type", "result"}),
		HeldTasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "held_tasks",
			Help:      "Tasks currently held by an agent.",
		}, []string{"agent_id"}),
		StepAssignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "step_assignments_total",
			Help:      "Step assignments, direct to one agent or broadcast to a type.",
		}, []string{"mode"}),
		StepRequeues: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "step_requeues_total",
			Help:      "Steps moved back to pending, by reason.",
		}, []string{"reason"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "step_duration_seconds",
			Help:      "Time from assignment to terminal outcome per capability.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"capability", "status"}),
		WorkflowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "workflows_total",
			Help:      "Workflows reaching a terminal status.",
		}, []string{"status"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "queue_depth",
			Help:      "Workflows waiting to start.",
		}),
		ActiveWorkflows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "active_workflows",
			Help:      "Workflows currently running.",
		}),
		LiveAgents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "live_agents",
			Help:      "Agents with a heartbeat inside the liveness window.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
