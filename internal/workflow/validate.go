package workflow

import (
	"errors"
	"fmt"
)

var ErrCircularDependency = errors.New("circular dependency")

// Validate checks the step graph: dependencies must name existing steps,
// no step may depend on itself, and the graph must be acyclic.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return errors.New("workflow id is required")
	}
	inDegree := make(map[string]int, len(w.Steps))
	dependents := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		if s.Capability == "" {
			return fmt.Errorf("step %s: capability is required", s.ID)
		}
		inDegree[s.ID] = 0
	}

	for _, s := range w.Steps {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return fmt.Errorf("step %s depends on itself: %w", s.ID, ErrCircularDependency)
			}
			if _, ok := inDegree[dep]; !ok {
				return fmt.Errorf("step %s depends on non-existent step %s", s.ID, dep)
			}
			inDegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	// Kahn's algorithm
	var queue []string
	for _, s := range w.Steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(w.Steps) {
		return fmt.Errorf("%d steps could not be ordered: %w", len(w.Steps)-processed, ErrCircularDependency)
	}
	return nil
}
