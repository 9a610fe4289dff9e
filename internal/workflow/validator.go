package workflow

import (
	"fmt"

	"github.com/flowforge/flowforge/internal/tool"
)

// ValidationError carries the accumulated validation failures for a rejected
// definition.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid workflow definition: %s", e.Errors[0])
	}
	return fmt.Sprintf("invalid workflow definition: %d errors, first: %s", len(e.Errors), e.Errors[0])
}

// Validator checks workflow definitions before they are persisted or
// executed. Tool names are checked against the registry the engine will
// dispatch on.
type Validator struct {
	registry *tool.Registry
}

// NewValidator creates a validator bound to a tool registry.
func NewValidator(registry *tool.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate returns all structural problems with the definition. An empty
// result means the definition is valid. Checks accumulate rather than
// short-circuit so the caller sees every failure at once.
func (v *Validator) Validate(def *Definition) []string {
	var errs []string

	if def.Name == "" {
		errs = append(errs, "workflow name is required")
	}
	if len(def.Steps) == 0 {
		errs = append(errs, "workflow must have at least one step")
	}

	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			errs = append(errs, fmt.Sprintf("step %d has no id", i))
			continue
		}
		if seen[step.ID] {
			errs = append(errs, fmt.Sprintf("duplicate step id: %s", step.ID))
		}
		seen[step.ID] = true
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				errs = append(errs, fmt.Sprintf("step %s depends on itself", step.ID))
				continue
			}
			if !seen[dep] {
				errs = append(errs, fmt.Sprintf("step %s depends on unknown step: %s", step.ID, dep))
			}
		}
		if step.ToolName == "" {
			errs = append(errs, fmt.Sprintf("step %s has no tool name", step.ID))
		} else if v.registry != nil && !v.registry.Has(step.ToolName) {
			errs = append(errs, fmt.Sprintf("step %s references unknown tool: %s", step.ID, step.ToolName))
		}
		if step.Timeout != "" {
			if _, err := parseDuration(step.Timeout); err != nil {
				errs = append(errs, fmt.Sprintf("step %s has invalid timeout %q", step.ID, step.Timeout))
			}
		}
	}

	errs = append(errs, findCycles(def)...)

	return errs
}

// findCycles runs a depth-first traversal over dependsOn edges. A node on the
// current traversal stack reached again is a back-edge, i.e. a cycle; a node
// already fully visited is a cross-edge and fine.
func findCycles(def *Definition) []string {
	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)

	state := make(map[string]int, len(def.Steps))
	var errs []string

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		step := def.StepByID(id)
		if step != nil {
			for _, dep := range step.DependsOn {
				switch state[dep] {
				case onStack:
					errs = append(errs, fmt.Sprintf("circular dependency detected involving step: %s", dep))
				case unvisited:
					if def.StepByID(dep) != nil {
						visit(dep)
					}
				}
			}
		}
		state[id] = done
	}

	for i := range def.Steps {
		if def.Steps[i].ID == "" {
			continue
		}
		if state[def.Steps[i].ID] == unvisited {
			visit(def.Steps[i].ID)
		}
	}

	return errs
}
