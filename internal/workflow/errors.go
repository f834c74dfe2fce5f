package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStepNotFound     = errors.New("step not found")
	ErrDuplicateStep    = errors.New("duplicate step id")
	ErrWorkflowTerminal = errors.New("workflow already terminal")
)

// InvalidTransitionError is returned for transitions the state machine never
// allows, such as moving a step back to pending through UpdateStep.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.ID, e.From, e.To)
}

// DependencyUnsatisfiedError is returned when a step is about to be assigned
// while some of its dependencies have not completed.
type DependencyUnsatisfiedError struct {
	StepID  string
	Pending []string
}

func (e *DependencyUnsatisfiedError) Error() string {
	return fmt.Sprintf("step %s has unsatisfied dependencies: %s", e.StepID, strings.Join(e.Pending, ", "))
}
