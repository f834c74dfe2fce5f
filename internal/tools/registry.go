package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps capabilities to the tools that serve them.
type Registry struct {
	byCapability map[string]Tool
	mu           sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		byCapability: make(map[string]Tool),
	}
}

func (r *Registry) RegisterTool(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	caps := tool.Capabilities()
	if len(caps) == 0 {
		return fmt.Errorf("tool %s declares no capabilities", tool.Name())
	}
	for _, c := range caps {
		if existing, exists := r.byCapability[c]; exists {
			return fmt.Errorf("capability %s already served by tool %s", c, existing.Name())
		}
	}
	for _, c := range caps {
		r.byCapability[c] = tool
	}
	return nil
}

// Get returns the tool for a capability, falling back to a catch-all tool.
func (r *Registry) Get(capability string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tool, exists := r.byCapability[capability]; exists {
		return tool, nil
	}
	if tool, exists := r.byCapability[CatchAll]; exists {
		return tool, nil
	}
	return nil, fmt.Errorf("no tool for capability %s", capability)
}

// Capabilities lists the registered capabilities in sorted order.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]string, 0, len(r.byCapability))
	for c := range r.byCapability {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// List returns the distinct tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	names := make([]string, 0, len(r.byCapability))
	for _, t := range r.byCapability {
		if !seen[t.Name()] {
			seen[t.Name()] = true
			names = append(names, t.Name())
		}
	}
	sort.Strings(names)
	return names
}
