package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/internal/tool"
)

func testRegistry(t *testing.T, names ...string) *tool.Registry {
	t.Helper()
	registry := tool.NewRegistry()
	for _, name := range names {
		err := registry.Register(tool.NewFunc(name, func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
			return &tool.Result{Output: "ok"}, nil
		}))
		require.NoError(t, err)
	}
	return registry
}

func TestValidateAcceptsLinearWorkflow(t *testing.T) {
	v := NewValidator(testRegistry(t, "fetch", "transform", "publish"))

	def := &Definition{
		ID:   "wf-1",
		Name: "etl",
		Steps: []Step{
			{ID: "fetch", ToolName: "fetch"},
			{ID: "transform", ToolName: "transform", DependsOn: []string{"fetch"}},
			{ID: "publish", ToolName: "publish", DependsOn: []string{"transform"}, Timeout: "30s"},
		},
	}

	assert.Empty(t, v.Validate(def))
}

func TestValidateRequiresNameAndSteps(t *testing.T) {
	v := NewValidator(testRegistry(t))

	errs := v.Validate(&Definition{ID: "wf-1"})
	assert.Contains(t, errs, "workflow name is required")
	assert.Contains(t, errs, "workflow must have at least one step")
}

func TestValidateRejectsDuplicateStepIDs(t *testing.T) {
	v := NewValidator(testRegistry(t, "noop"))

	def := &Definition{
		ID:   "wf-1",
		Name: "dup",
		Steps: []Step{
			{ID: "a", ToolName: "noop"},
			{ID: "a", ToolName: "noop"},
		},
	}

	assert.Contains(t, v.Validate(def), "duplicate step id: a")
}

func TestValidateRejectsDanglingDependencies(t *testing.T) {
	v := NewValidator(testRegistry(t, "noop"))

	def := &Definition{
		ID:   "wf-1",
		Name: "dangling",
		Steps: []Step{
			{ID: "a", ToolName: "noop", DependsOn: []string{"ghost"}},
			{ID: "b", ToolName: "noop", DependsOn: []string{"missing", "a"}},
		},
	}

	errs := v.Validate(def)
	assert.Contains(t, errs, "step a depends on unknown step: ghost")
	assert.Contains(t, errs, "step b depends on unknown step: missing")
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	v := NewValidator(testRegistry(t, "noop"))

	def := &Definition{
		ID:   "wf-1",
		Name: "selfdep",
		Steps: []Step{
			{ID: "a", ToolName: "noop", DependsOn: []string{"a"}},
		},
	}

	assert.Contains(t, v.Validate(def), "step a depends on itself")
}

func TestValidateRejectsUnknownTool(t *testing.T) {
	v := NewValidator(testRegistry(t, "known"))

	def := &Definition{
		ID:   "wf-1",
		Name: "tools",
		Steps: []Step{
			{ID: "a", ToolName: "known"},
			{ID: "b", ToolName: "unknown"},
			{ID: "c"},
		},
	}

	errs := v.Validate(def)
	assert.Contains(t, errs, "step b references unknown tool: unknown")
	assert.Contains(t, errs, "step c has no tool name")
}

func TestValidateRejectsInvalidTimeout(t *testing.T) {
	v := NewValidator(testRegistry(t, "noop"))

	def := &Definition{
		ID:   "wf-1",
		Name: "timeouts",
		Steps: []Step{
			{ID: "a", ToolName: "noop", Timeout: "soon"},
		},
	}

	assert.Contains(t, v.Validate(def), `step a has invalid timeout "soon"`)
}

func TestValidateDetectsCycle(t *testing.T) {
	v := NewValidator(testRegistry(t, "noop"))

	def := &Definition{
		ID:   "wf-1",
		Name: "cyclic",
		Steps: []Step{
			{ID: "a", ToolName: "noop", DependsOn: []string{"c"}},
			{ID: "b", ToolName: "noop", DependsOn: []string{"a"}},
			{ID: "c", ToolName: "noop", DependsOn: []string{"b"}},
		},
	}

	errs := v.Validate(def)
	require.NotEmpty(t, errs)

	found := false
	for _, e := range errs {
		if strings.Contains(e, "circular dependency detected") {
			found = true
		}
	}
	assert.True(t, found, "expected a circular dependency error, got %v", errs)
}

func TestValidateAcceptsDiamond(t *testing.T) {
	v := NewValidator(testRegistry(t, "noop"))

	// Two paths converging on one step is a cross-edge, not a cycle.
	def := &Definition{
		ID:   "wf-1",
		Name: "diamond",
		Steps: []Step{
			{ID: "root", ToolName: "noop"},
			{ID: "left", ToolName: "noop", DependsOn: []string{"root"}},
			{ID: "right", ToolName: "noop", DependsOn: []string{"root"}},
			{ID: "join", ToolName: "noop", DependsOn: []string{"left", "right"}},
		},
	}

	assert.Empty(t, v.Validate(def))
}
