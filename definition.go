package dagflow

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// JobDefinition declares one job of a Definition. Ref is the name other jobs
// use in After and Before; it defaults to Type.
type JobDefinition struct {
	Ref    string         `json:"ref,omitempty" yaml:"ref,omitempty"`
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Queue  string         `json:"queue,omitempty" yaml:"queue,omitempty"`
	After  []string       `json:"after,omitempty" yaml:"after,omitempty"`
	Before []string       `json:"before,omitempty" yaml:"before,omitempty"`
}

// Definition is a declarative description of a workflow.
type Definition struct {
	Name      string          `json:"name" yaml:"name"`
	Arguments map[string]any  `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Jobs      []JobDefinition `json:"jobs" yaml:"jobs"`
}

// Validate checks the definition's own structure. Edge targets are checked
// when the workflow is built.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name required")
	}
	if len(d.Jobs) == 0 {
		return fmt.Errorf("jobs required")
	}
	refs := make(map[string]bool, len(d.Jobs))
	for i, job := range d.Jobs {
		if job.Type == "" {
			return fmt.Errorf("job %d: type required", i)
		}
		ref := job.ref()
		if refs[ref] {
			return fmt.Errorf("duplicate job ref %q", ref)
		}
		refs[ref] = true
	}
	return nil
}

func (j JobDefinition) ref() string {
	if j.Ref != "" {
		return j.Ref
	}
	return j.Type
}

// Build creates the workflow with resolved dependencies. Refs in After and
// Before that do not name a job in the definition are passed through as
// identifiers, so they may name a job type.
func (d *Definition) Build(ctx context.Context, ids IDGenerator) (*Workflow, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	w := NewWorkflow(d.Name, copyMap(d.Arguments), ids)
	names := make(map[string]string, len(d.Jobs))
	for _, job := range d.Jobs {
		name, err := w.Run(ctx, job.Type, RunOptions{Params: job.Params, Queue: job.Queue})
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", job.ref(), err)
		}
		names[job.ref()] = name
	}
	lookup := func(ref string) string {
		if name, ok := names[ref]; ok {
			return name
		}
		return ref
	}
	for _, job := range d.Jobs {
		name := names[job.ref()]
		for _, ref := range job.After {
			w.Dependencies = append(w.Dependencies, Dependency{From: lookup(ref), To: name})
		}
		for _, ref := range job.Before {
			w.Dependencies = append(w.Dependencies, Dependency{From: name, To: lookup(ref)})
		}
	}
	if err := w.ResolveDependencies(); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("workflow validation failed: %w", err)
	}
	return w, nil
}

// BuildWorkflow builds a workflow from a definition using the client's
// dispatcher for ids. The workflow is not persisted.
func (c *Client) BuildWorkflow(ctx context.Context, d *Definition) (*Workflow, error) {
	return d.Build(ctx, c.dispatcher)
}

// LoadDefinitionFile loads a workflow definition from a YAML file
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadDefinitionString(string(data))
}

// LoadDefinitionString loads a workflow definition from a YAML string
func LoadDefinitionString(data string) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
