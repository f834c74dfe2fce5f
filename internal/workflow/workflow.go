package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cugtyt/agentflow-distributed/internal/utils"
)

const (
	MinPriority = 0
	MaxPriority = 100
)

type Result struct {
	Success     bool                       `json:"success"`
	Outputs     map[string]json.RawMessage `json:"outputs,omitempty"`
	FailedSteps []string                   `json:"failedSteps,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

type Stats struct {
	TotalSteps      int `json:"totalSteps"`
	CompletedSteps  int `json:"completedSteps"`
	FailedSteps     int `json:"failedSteps"`
	Retries         int `json:"retries"`
	ToolInvocations int `json:"toolInvocations"`
}

// Workflow is an ordered DAG of steps belonging to one user session.
// It is not safe for concurrent use; the orchestrator serializes access
// through the store.
type Workflow struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"sessionId"`
	UserID         string        `json:"userId,omitempty"`
	Type           string        `json:"type"`
	Title          string        `json:"title,omitempty"`
	Priority       int           `json:"priority"`
	Steps          []*Step       `json:"steps"`
	CurrentStep    int           `json:"currentStep"`
	Status         Status        `json:"status"`
	Progress       int           `json:"progress"`
	Result         *Result       `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	ActualDuration time.Duration `json:"actualDuration,omitempty"`
	Stats          Stats         `json:"stats"`
}

type Options struct {
	ID        string
	SessionID string
	UserID    string
	Type      string
	Title     string
	Priority  int
	CreatedAt time.Time
}

func New(opts Options) *Workflow {
	id := opts.ID
	if id == "" {
		id = utils.CreateWorkflowID()
	}
	created := opts.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &Workflow{
		ID:        id,
		SessionID: opts.SessionID,
		UserID:    opts.UserID,
		Type:      opts.Type,
		Title:     opts.Title,
		Priority:  ClampPriority(opts.Priority),
		Steps:     []*Step{},
		Status:    StatusPending,
		CreatedAt: created,
	}
}

func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// AddStep appends a step in insertion order. Missing ids are generated and
// the step always starts pending.
func (w *Workflow) AddStep(step *Step) error {
	if w.Status.IsTerminal() {
		return fmt.Errorf("add step to %s: %w", w.ID, ErrWorkflowTerminal)
	}
	if step.ID == "" {
		step.ID = utils.CreateStepID()
	}
	if w.Step(step.ID) != nil {
		return fmt.Errorf("add step %s: %w", step.ID, ErrDuplicateStep)
	}
	step.WorkflowID = w.ID
	if step.Status == "" {
		step.Status = StatusPending
	}
	w.Steps = append(w.Steps, step)
	w.recount()
	return nil
}

func (w *Workflow) Step(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (w *Workflow) StepByName(name string) *Step {
	for _, s := range w.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (w *Workflow) PendingSteps() []*Step { return w.stepsWith(StatusPending) }

func (w *Workflow) RunningSteps() []*Step { return w.stepsWith(StatusRunning) }

func (w *Workflow) stepsWith(status Status) []*Step {
	var out []*Step
	for _, s := range w.Steps {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

// ReadySteps returns, in insertion order, the pending steps whose
// dependencies have all completed. Nothing is ready unless the workflow runs.
func (w *Workflow) ReadySteps() []*Step {
	if w.Status != StatusRunning {
		return nil
	}
	var ready []*Step
	for _, s := range w.Steps {
		if s.Status == StatusPending && len(w.unsatisfied(s)) == 0 {
			ready = append(ready, s)
		}
	}
	return ready
}

func (w *Workflow) unsatisfied(s *Step) []string {
	var missing []string
	for _, dep := range s.Dependencies {
		d := w.Step(dep)
		if d == nil || d.Status != StatusCompleted {
			missing = append(missing, dep)
		}
	}
	return missing
}

// CheckAssignable reports whether a step may be handed to an agent now.
func (w *Workflow) CheckAssignable(stepID string) error {
	s := w.Step(stepID)
	if s == nil {
		return fmt.Errorf("%s: %w", stepID, ErrStepNotFound)
	}
	if s.Status != StatusPending {
		return &InvalidTransitionError{ID: stepID, From: s.Status, To: StatusRunning}
	}
	if missing := w.unsatisfied(s); len(missing) > 0 {
		return &DependencyUnsatisfiedError{StepID: stepID, Pending: missing}
	}
	return nil
}

// DependencyOutputs collects the outputs of a step's completed dependencies
// keyed by dependency step id.
func (w *Workflow) DependencyOutputs(stepID string) map[string]json.RawMessage {
	s := w.Step(stepID)
	if s == nil || len(s.Dependencies) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		if d := w.Step(dep); d != nil && d.Status == StatusCompleted {
			out[dep] = d.Output
		}
	}
	return out
}

// UpdateStep applies a status change to one step. Updates aimed at a step
// that is already terminal are ignored and report changed=false.
func (w *Workflow) UpdateStep(stepID string, u StepUpdate) (bool, error) {
	s := w.Step(stepID)
	if s == nil {
		return false, fmt.Errorf("%s: %w", stepID, ErrStepNotFound)
	}
	if !u.Status.Valid() || u.Status == StatusPending {
		return false, &InvalidTransitionError{ID: stepID, From: s.Status, To: u.Status}
	}
	if s.Status.IsTerminal() {
		return false, nil
	}
	if s.Status == u.Status {
		return false, nil
	}

	at := orNow(u.At)
	if u.AgentID != "" {
		s.AgentID = u.AgentID
	}

	switch u.Status {
	case StatusRunning:
		s.StartedAt = &at
		s.Error = nil
	case StatusCompleted, StatusFailed, StatusCancelled:
		if s.StartedAt == nil {
			started := at
			s.StartedAt = &started
		}
		s.CompletedAt = &at
		s.Duration = at.Sub(*s.StartedAt)
		switch u.Status {
		case StatusCompleted:
			s.Output = u.Output
			s.Error = nil
		case StatusFailed:
			s.Error = u.Error
			if s.Error == nil {
				s.Error = &TaskError{Message: "step failed"}
			}
		case StatusCancelled:
			s.Error = u.Error
		}
	}
	s.Status = u.Status
	w.recount()
	return true, nil
}

// RequeueStep moves a running step back to pending so it can be assigned
// again. Terminal and pending steps are left alone. The failure retry
// budget is not touched; see RetryStep.
func (w *Workflow) RequeueStep(stepID string) (bool, error) {
	s := w.Step(stepID)
	if s == nil {
		return false, fmt.Errorf("%s: %w", stepID, ErrStepNotFound)
	}
	if s.Status != StatusRunning {
		return false, nil
	}
	s.Status = StatusPending
	s.AgentID = ""
	s.StartedAt = nil
	s.Attempts++
	w.recount()
	return true, nil
}

// RetryStep requeues a running step after a retryable failure and charges
// the retry to the step and the workflow.
func (w *Workflow) RetryStep(stepID string) (bool, error) {
	changed, err := w.RequeueStep(stepID)
	if err != nil || !changed {
		return changed, err
	}
	w.Step(stepID).Retries++
	w.Stats.Retries++
	return true, nil
}

// Attempt is the delivery number of the step's next or current assignment.
func (s *Step) Attempt() int { return s.Attempts + 1 }

// CancelOpenSteps marks every non-terminal step cancelled and returns the
// steps that were running at the time, with their agent ids intact.
func (w *Workflow) CancelOpenSteps(reason string, at time.Time) []*Step {
	var wasRunning []*Step
	now := orNow(at)
	for _, s := range w.Steps {
		if s.Status.IsTerminal() {
			continue
		}
		if s.Status == StatusRunning {
			wasRunning = append(wasRunning, s)
		}
		_, _ = w.UpdateStep(s.ID, StepUpdate{
			Status: StatusCancelled,
			Error:  &TaskError{Message: reason, Code: "cancelled"},
			At:     now,
		})
	}
	return wasRunning
}

func (w *Workflow) Start(at time.Time) bool {
	if w.Status != StatusPending {
		return false
	}
	now := orNow(at)
	w.Status = StatusRunning
	w.StartedAt = &now
	return true
}

func (w *Workflow) Complete(result *Result, at time.Time) bool {
	return w.finish(StatusCompleted, result, "", at)
}

func (w *Workflow) Fail(message string, result *Result, at time.Time) bool {
	return w.finish(StatusFailed, result, message, at)
}

func (w *Workflow) Cancel(reason string, at time.Time) bool {
	return w.finish(StatusCancelled, &Result{Success: false, Outputs: w.Outputs(), Error: reason}, reason, at)
}

func (w *Workflow) finish(status Status, result *Result, message string, at time.Time) bool {
	if w.Status.IsTerminal() {
		return false
	}
	now := orNow(at)
	w.Status = status
	w.CompletedAt = &now
	if w.StartedAt != nil {
		w.ActualDuration = now.Sub(*w.StartedAt)
	}
	w.Result = result
	w.Error = message
	w.recount()
	return true
}

// Settled reports that no step is running and none can become ready, so the
// workflow is waiting on nothing and should be finalized.
func (w *Workflow) Settled() bool {
	return w.Status == StatusRunning && len(w.RunningSteps()) == 0 && len(w.ReadySteps()) == 0
}

// Outputs returns the outputs of completed steps keyed by step id.
func (w *Workflow) Outputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, s := range w.Steps {
		if s.Status == StatusCompleted {
			out[s.ID] = s.Output
		}
	}
	return out
}

func (w *Workflow) FailedStepIDs() []string {
	var ids []string
	for _, s := range w.Steps {
		if s.Status == StatusFailed {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func (w *Workflow) recount() {
	completed, failed := 0, 0
	w.CurrentStep = len(w.Steps)
	for i, s := range w.Steps {
		switch s.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		}
		if !s.Status.IsTerminal() && i < w.CurrentStep {
			w.CurrentStep = i
		}
	}
	w.Stats.TotalSteps = len(w.Steps)
	w.Stats.CompletedSteps = completed
	w.Stats.FailedSteps = failed
	w.Progress = progress(completed, len(w.Steps))
}

func progress(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

// Clone returns a deep copy that shares no mutable state with w.
func (w *Workflow) Clone() *Workflow {
	out := *w
	out.StartedAt = copyTime(w.StartedAt)
	out.CompletedAt = copyTime(w.CompletedAt)
	if w.Result != nil {
		r := *w.Result
		r.Outputs = copyOutputs(w.Result.Outputs)
		r.FailedSteps = append([]string(nil), w.Result.FailedSteps...)
		out.Result = &r
	}
	out.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		c := *s
		c.Input = append(json.RawMessage(nil), s.Input...)
		c.Output = append(json.RawMessage(nil), s.Output...)
		c.Dependencies = append([]string(nil), s.Dependencies...)
		c.StartedAt = copyTime(s.StartedAt)
		c.CompletedAt = copyTime(s.CompletedAt)
		if s.Error != nil {
			e := *s.Error
			c.Error = &e
		}
		out.Steps[i] = &c
	}
	return &out
}

// orNow lets callers that own a clock pass its reading; a zero time falls
// back to the wall clock.
func orNow(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now()
	}
	return at
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyOutputs(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
