package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

type queued struct {
	id    string
	score float64
	seq   uint64
}

// MemoryStore is a process-local WorkflowStore for tests and single-process
// mode. Documents are cloned on the way in and out so callers never share
// state with the store.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[string]*workflow.Workflow
	events    map[string][]Event
	queue     []queued
	seq       uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*workflow.Workflow),
		events:    make(map[string][]Event),
	}
}

func (m *MemoryStore) Save(ctx context.Context, wf *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(wf)
	return nil
}

func (m *MemoryStore) put(wf *workflow.Workflow) {
	m.workflows[wf.ID] = wf.Clone()
	if wf.Status.IsTerminal() {
		m.removeQueued(wf.ID)
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return wf.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	wf := current.Clone()
	if err := fn(wf); err != nil {
		return nil, err
	}
	m.put(wf)
	return wf, nil
}

func (m *MemoryStore) list(match func(*workflow.Workflow) bool) []*workflow.Workflow {
	var out []*workflow.Workflow
	for _, wf := range m.workflows {
		if match(wf) {
			out = append(out, wf.Clone())
		}
	}
	return out
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.list(func(wf *workflow.Workflow) bool { return !wf.Status.IsTerminal() })
	sortWorkflows(out)
	return out, nil
}

func (m *MemoryStore) ListBySession(ctx context.Context, sessionID string) ([]*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.list(func(wf *workflow.Workflow) bool { return wf.SessionID == sessionID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Enqueue(ctx context.Context, id string, priority int, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeQueued(id)
	m.seq++
	m.queue = append(m.queue, queued{id: id, score: QueueScore(priority, createdAt), seq: m.seq})
	sort.SliceStable(m.queue, func(i, j int) bool {
		if m.queue[i].score != m.queue[j].score {
			return m.queue[i].score > m.queue[j].score
		}
		return m.queue[i].seq < m.queue[j].seq
	})
	return nil
}

func (m *MemoryStore) removeQueued(id string) {
	for i, q := range m.queue {
		if q.id == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *MemoryStore) Dequeue(ctx context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return "", false, nil
	}
	head := m.queue[0]
	m.queue = m.queue[1:]
	return head.id, true, nil
}

func (m *MemoryStore) QueueLen(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queue)), nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, workflowID string, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	log := append(m.events[workflowID], ev)
	if len(log) > MaxEvents {
		log = append([]Event(nil), log[len(log)-MaxEvents:]...)
	}
	m.events[workflowID] = log
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, workflowID string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.events[workflowID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]Event(nil), log...), nil
}

func (m *MemoryStore) Close() error { return nil }

var _ WorkflowStore = (*MemoryStore)(nil)
