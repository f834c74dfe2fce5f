// Package planner turns a submission into a workflow step graph, either from
// an explicit plan or from a named YAML template.
package planner

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cugtyt/agentflow-distributed/internal/utils"
	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

//go:embed templates.yaml
var builtinTemplates []byte

var ErrUnknownTemplate = errors.New("unknown workflow template")

// StepPlan describes one step. DependsOn entries may name either the id or
// the name of an earlier or later step in the same plan.
type StepPlan struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name"`
	Capability string          `json:"capability"`
	AgentType  string          `json:"agentType,omitempty"`
	Action     string          `json:"action,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	DependsOn  []string        `json:"dependsOn,omitempty"`
}

type Request struct {
	Type   string
	Steps  []StepPlan
	Params json.RawMessage
}

type templateStep struct {
	Name       string         `yaml:"name"`
	Capability string         `yaml:"capability"`
	AgentType  string         `yaml:"agent_type"`
	Action     string         `yaml:"action"`
	Input      map[string]any `yaml:"input"`
	DependsOn  []string       `yaml:"depends_on"`
}

type Template struct {
	Title string         `yaml:"title"`
	Steps []templateStep `yaml:"steps"`
}

type Planner struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// New returns a planner preloaded with the built-in templates.
func New() *Planner {
	p := &Planner{templates: make(map[string]Template)}
	if err := p.LoadTemplatesYAML(builtinTemplates); err != nil {
		panic(fmt.Sprintf("planner: built-in templates: %v", err))
	}
	return p
}

func (p *Planner) LoadTemplatesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading templates %s: %w", path, err)
	}
	return p.LoadTemplatesYAML(data)
}

// LoadTemplatesYAML adds or replaces templates keyed by workflow type.
func (p *Planner) LoadTemplatesYAML(data []byte) error {
	parsed := make(map[string]Template)
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parsing templates: %w", err)
	}
	for name, tpl := range parsed {
		if len(tpl.Steps) == 0 {
			return fmt.Errorf("template %s has no steps", name)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, tpl := range parsed {
		p.templates[name] = tpl
	}
	return nil
}

func (p *Planner) Templates() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.templates))
	for name := range p.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Planner) Template(name string) (Template, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tpl, ok := p.templates[name]
	return tpl, ok
}

// Build adds the planned steps to wf and validates the resulting graph.
func (p *Planner) Build(wf *workflow.Workflow, req Request) error {
	plans := append([]StepPlan(nil), req.Steps...)
	if len(plans) == 0 {
		tpl, ok := p.Template(req.Type)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownTemplate, req.Type)
		}
		var err error
		if plans, err = expand(tpl, req.Params); err != nil {
			return err
		}
		if wf.Title == "" {
			wf.Title = tpl.Title
		}
	}

	ids := make(map[string]string, len(plans)*2)
	for i := range plans {
		if plans[i].ID == "" {
			plans[i].ID = utils.CreateStepID()
		}
		if plans[i].Name == "" {
			plans[i].Name = plans[i].ID
		}
		ids[plans[i].ID] = plans[i].ID
		if _, dup := ids[plans[i].Name]; !dup {
			ids[plans[i].Name] = plans[i].ID
		}
	}

	for _, sp := range plans {
		deps := make([]string, 0, len(sp.DependsOn))
		for _, ref := range sp.DependsOn {
			id, ok := ids[ref]
			if !ok {
				return fmt.Errorf("step %s depends on unknown step %s", sp.Name, ref)
			}
			deps = append(deps, id)
		}
		step := &workflow.Step{
			Task: workflow.Task{
				ID:           sp.ID,
				AgentType:    sp.AgentType,
				Input:        sp.Input,
				Dependencies: deps,
			},
			Name:       sp.Name,
			Capability: sp.Capability,
			Action:     sp.Action,
		}
		if err := wf.AddStep(step); err != nil {
			return err
		}
	}
	return wf.Validate()
}

func expand(tpl Template, params json.RawMessage) ([]StepPlan, error) {
	var overrides map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &overrides); err != nil {
			return nil, fmt.Errorf("params must be a JSON object: %w", err)
		}
	}
	plans := make([]StepPlan, 0, len(tpl.Steps))
	for _, ts := range tpl.Steps {
		merged := make(map[string]any, len(ts.Input)+len(overrides))
		for k, v := range ts.Input {
			merged[k] = v
		}
		for k, v := range overrides {
			merged[k] = v
		}
		input, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("step %s input: %w", ts.Name, err)
		}
		plans = append(plans, StepPlan{
			Name:       ts.Name,
			Capability: ts.Capability,
			AgentType:  ts.AgentType,
			Action:     ts.Action,
			Input:      input,
			DependsOn:  append([]string(nil), ts.DependsOn...),
		})
	}
	return plans, nil
}
