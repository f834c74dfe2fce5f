package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("concurrent update conflict")
)

const (
	// MaxEvents bounds each workflow's event log.
	MaxEvents = 200
	// DefaultRetention is how long terminal workflows are kept.
	DefaultRetention = 168 * time.Hour
	maxUpdateAttempts = 5
)

// Event is one entry of a workflow's audit log.
type Event struct {
	Type      string    `json:"type"`
	StepID    string    `json:"stepId,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UpdateFunc mutates a freshly loaded workflow. Returning an error aborts the
// update without writing anything.
type UpdateFunc func(*workflow.Workflow) error

// WorkflowStore persists workflow documents, the start queue and the
// per-workflow event log. The orchestrator is its only writer.
type WorkflowStore interface {
	Save(ctx context.Context, wf *workflow.Workflow) error
	Get(ctx context.Context, id string) (*workflow.Workflow, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*workflow.Workflow, error)
	ListActive(ctx context.Context) ([]*workflow.Workflow, error)
	ListBySession(ctx context.Context, sessionID string) ([]*workflow.Workflow, error)

	Enqueue(ctx context.Context, id string, priority int, createdAt time.Time) error
	// Dequeue pops the highest priority, oldest workflow id. ok is false when
	// the queue is empty.
	Dequeue(ctx context.Context) (id string, ok bool, err error)
	QueueLen(ctx context.Context) (int64, error)

	AppendEvent(ctx context.Context, workflowID string, ev Event) error
	// Events returns the most recent limit entries, oldest first. A limit
	// of zero or less returns the whole log.
	Events(ctx context.Context, workflowID string, limit int) ([]Event, error)

	Close() error
}

// QueueScore orders the start queue: higher priority first, then FIFO.
func QueueScore(priority int, createdAt time.Time) float64 {
	return float64(priority)*1e13 - float64(createdAt.UnixMilli())
}

func sortWorkflows(wfs []*workflow.Workflow) {
	sort.SliceStable(wfs, func(i, j int) bool {
		if wfs[i].Priority != wfs[j].Priority {
			return wfs[i].Priority > wfs[j].Priority
		}
		return wfs[i].CreatedAt.Before(wfs[j].CreatedAt)
	})
}
