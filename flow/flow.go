package flow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/pipeline"
	"github.com/flowgrid/flowgrid/registry"
)

// CycleError is raised at build time when depends_on edges form a cycle.
// Execution never starts for a cyclic definition.
type CycleError struct {
	Steps []string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("workflow has a dependency cycle through steps: %s", strings.Join(e.Steps, ", "))
}

// Step is one built node: its definition, its wave index, and the concrete
// invocation bound once at build time so execution never inspects kinds.
type Step struct {
	Def        *model.StepDefinition
	Wave       int
	Handler    pipeline.Handler
	Transform  registry.TransformFunc
	Dependents []string
}

// Flow is an executable workflow: steps partitioned into waves such that
// every step's dependencies live in strictly earlier waves.
type Flow struct {
	Def   *model.WorkflowDefinition
	Steps map[string]*Step
	Waves [][]string
}

// Build validates a definition, binds each step to its invocation closure
// and partitions the DAG into waves. All structural problems, including
// cycles, are reported here so a bad definition never reaches the engine.
func Build(def *model.WorkflowDefinition, reg *registry.Registry) (*Flow, error) {
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("workflow %s has no steps", def.Name)
	}
	byId := make(map[string]*model.StepDefinition, len(def.Steps))
	for i := range def.Steps {
		stepDef := &def.Steps[i]
		if stepDef.Id == "" {
			return nil, fmt.Errorf("workflow %s has a step without an id", def.Name)
		}
		if _, ok := byId[stepDef.Id]; ok {
			return nil, fmt.Errorf("step id %s is duplicate", stepDef.Id)
		}
		byId[stepDef.Id] = stepDef
	}
	steps := make(map[string]*Step, len(def.Steps))
	for _, stepDef := range byId {
		for _, dep := range stepDef.DependsOn {
			if _, ok := byId[dep]; !ok {
				return nil, fmt.Errorf("step %s depends on undefined step %s", stepDef.Id, dep)
			}
		}
		step, err := buildStep(stepDef, byId, reg)
		if err != nil {
			return nil, err
		}
		steps[stepDef.Id] = step
	}
	for _, step := range steps {
		for _, dep := range step.Def.DependsOn {
			steps[dep].Dependents = append(steps[dep].Dependents, step.Def.Id)
		}
	}
	waves, err := partitionWaves(steps)
	if err != nil {
		return nil, err
	}
	return &Flow{
		Def:   def,
		Steps: steps,
		Waves: waves,
	}, nil
}

func buildStep(stepDef *model.StepDefinition, byId map[string]*model.StepDefinition, reg *registry.Registry) (*Step, error) {
	step := &Step{Def: stepDef}
	switch stepDef.Kind {
	case model.STEP_KIND_AGENT:
		if stepDef.AgentId == "" {
			return nil, fmt.Errorf("agent step %s has no agent id", stepDef.Id)
		}
		if _, err := reg.GetAgent(stepDef.AgentId); err != nil {
			return nil, fmt.Errorf("agent step %s: %w", stepDef.Id, err)
		}
		// the closure looks the invoker up again per call, so swapping a
		// registration does not require rebuilding stored flows
		agentId := stepDef.AgentId
		step.Handler = func(ctx context.Context, input any) (any, *model.UsageRecord, error) {
			invoker, err := reg.GetAgent(agentId)
			if err != nil {
				return nil, nil, err
			}
			return invoker.Invoke(ctx, agentId, input)
		}
	case model.STEP_KIND_TOOL:
		if stepDef.ToolName == "" {
			return nil, fmt.Errorf("tool step %s has no tool name", stepDef.Id)
		}
		if _, err := reg.GetTool(stepDef.ToolName); err != nil {
			return nil, fmt.Errorf("tool step %s: %w", stepDef.Id, err)
		}
		toolName := stepDef.ToolName
		step.Handler = func(ctx context.Context, input any) (any, *model.UsageRecord, error) {
			invoker, err := reg.GetTool(toolName)
			if err != nil {
				return nil, nil, err
			}
			result, err := invoker.Invoke(ctx, toolName, input)
			return result, nil, err
		}
	case model.STEP_KIND_CONDITION:
		if stepDef.Expression == "" {
			return nil, fmt.Errorf("condition step %s has no expression", stepDef.Id)
		}
		if _, err := goja.Compile(stepDef.Id, stepDef.Expression, false); err != nil {
			return nil, fmt.Errorf("condition step %s has invalid expression: %w", stepDef.Id, err)
		}
		if err := checkBranchTarget(stepDef, "whenTrue", stepDef.WhenTrue, byId); err != nil {
			return nil, err
		}
		if err := checkBranchTarget(stepDef, "whenFalse", stepDef.WhenFalse, byId); err != nil {
			return nil, err
		}
	case model.STEP_KIND_TRANSFORM:
		if stepDef.Transform == "" {
			return nil, fmt.Errorf("transform step %s has no transform name", stepDef.Id)
		}
		fn, err := reg.GetTransform(stepDef.Transform)
		if err != nil {
			return nil, fmt.Errorf("transform step %s: %w", stepDef.Id, err)
		}
		step.Transform = fn
	default:
		return nil, fmt.Errorf("step %s has unknown kind %s", stepDef.Id, stepDef.Kind)
	}
	return step, nil
}

// checkBranchTarget verifies a condition's branch target exists and depends
// on the condition step. A target without that edge could land in the same
// wave as the condition and run before the unchosen branch is pruned.
func checkBranchTarget(condDef *model.StepDefinition, field string, target string, byId map[string]*model.StepDefinition) error {
	if target == "" {
		return nil
	}
	targetDef, ok := byId[target]
	if !ok {
		return fmt.Errorf("condition step %s %s references undefined step %s", condDef.Id, field, target)
	}
	for _, dep := range targetDef.DependsOn {
		if dep == condDef.Id {
			return nil
		}
	}
	return fmt.Errorf("condition step %s %s target %s must depend on %s", condDef.Id, field, target, condDef.Id)
}

// partitionWaves levels the DAG Kahn-style: wave n holds every step whose
// dependencies are fully contained in waves 0..n-1. Steps left over after
// leveling are on a cycle.
func partitionWaves(steps map[string]*Step) ([][]string, error) {
	indegree := make(map[string]int, len(steps))
	for id, step := range steps {
		indegree[id] = len(step.Def.DependsOn)
	}
	assigned := make(map[string]bool, len(steps))
	var waves [][]string
	for len(assigned) < len(steps) {
		var wave []string
		for id := range steps {
			if !assigned[id] && indegree[id] == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			var remaining []string
			for id := range steps {
				if !assigned[id] {
					remaining = append(remaining, id)
				}
			}
			sort.Strings(remaining)
			return nil, CycleError{Steps: remaining}
		}
		sort.Strings(wave)
		for _, id := range wave {
			assigned[id] = true
			steps[id].Wave = len(waves)
			for _, dependent := range steps[id].Dependents {
				indegree[dependent]--
			}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// EvaluateCondition runs the step's boolean expression against the current
// scope. The scope is exposed to the script as $.
func (s *Step) EvaluateCondition(scope map[string]any) (bool, error) {
	vm := goja.New()
	if err := vm.Set("$", scope); err != nil {
		return false, err
	}
	value, err := vm.RunString(s.Def.Expression)
	if err != nil {
		return false, fmt.Errorf("error evaluating condition expression: %w", err)
	}
	return value.ToBoolean(), nil
}

// TransitiveDependents returns every step reachable through dependency
// edges from any of the given roots, excluding the roots themselves.
func (f *Flow) TransitiveDependents(roots ...string) []string {
	seen := make(map[string]bool)
	queue := make([]string, 0, len(roots))
	for _, root := range roots {
		if step, ok := f.Steps[root]; ok {
			queue = append(queue, step.Dependents...)
		}
	}
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		queue = append(queue, f.Steps[id].Dependents...)
	}
	sort.Strings(out)
	return out
}

// Leaves returns the ids of steps no other step depends on. Their results
// form the workflow's final result.
func (f *Flow) Leaves() []string {
	var leaves []string
	for id, step := range f.Steps {
		if len(step.Dependents) == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	return leaves
}
