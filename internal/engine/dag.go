package engine

import (
	"sort"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

// DAG is the adjacency view of a workflow definition. Steps are held by id;
// edges are id references in both directions.
type DAG struct {
	steps        map[string]*schema.StepDefinition
	dependencies map[string][]string // step -> what it depends on
	dependents   map[string][]string // step -> who depends on it
	order        []string
	roots        []string
}

// DFS colors.
const (
	white = iota
	gray
	black
)

// BuildDAG validates the graph of def and builds its adjacency structure.
// Type-specific step configuration is checked by the validation package.
func BuildDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeDagValidation, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeDagValidation, "workflow has no steps")
	}

	d := &DAG{
		steps:        make(map[string]*schema.StepDefinition, len(def.Steps)),
		dependencies: make(map[string][]string, len(def.Steps)),
		dependents:   make(map[string][]string, len(def.Steps)),
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeDagValidation, "step at index %d has empty id", i)
		}
		if _, dup := d.steps[step.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeDagValidation, "duplicate step id: %s", step.ID)
		}
		d.steps[step.ID] = step
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return nil, schema.NewErrorf(schema.ErrCodeDagValidation, "step %s depends on itself", step.ID).
					WithStep(step.ID)
			}
			if _, ok := d.steps[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDagValidation, "step %s depends on unknown step %s", step.ID, dep).
					WithStep(step.ID)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			d.dependents[dep] = append(d.dependents[dep], step.ID)
		}
		sort.Strings(deps)
		d.dependencies[step.ID] = deps
		if len(deps) == 0 {
			d.roots = append(d.roots, step.ID)
		}
	}
	for id := range d.dependents {
		sort.Strings(d.dependents[id])
	}
	sort.Strings(d.roots)

	if err := d.sort(def); err != nil {
		return nil, err
	}
	return d, nil
}

// sort runs an iterative three-color DFS over dependency edges. A gray node
// reached again closes a cycle; post-order yields a topological order.
func (d *DAG) sort(def *schema.WorkflowDefinition) error {
	color := make(map[string]int, len(d.steps))
	parent := make(map[string]string, len(d.steps))
	d.order = make([]string, 0, len(d.steps))

	type frame struct {
		id   string
		next int
	}

	for i := range def.Steps {
		start := def.Steps[i].ID
		if color[start] != white {
			continue
		}
		color[start] = gray
		stack := []frame{{id: start}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := d.dependencies[top.id]
			if top.next == len(deps) {
				color[top.id] = black
				d.order = append(d.order, top.id)
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.next]
			top.next++
			switch color[dep] {
			case white:
				color[dep] = gray
				parent[dep] = top.id
				stack = append(stack, frame{id: dep})
			case gray:
				return cycleError(dep, top.id, parent)
			}
		}
	}
	return nil
}

// cycleError renders the back edge from -> to (to is gray) as "a -> b -> a",
// following dependency direction.
func cycleError(to, from string, parent map[string]string) error {
	path := []string{from}
	for cur := from; cur != to; {
		cur = parent[cur]
		path = append(path, cur)
	}
	// path runs from "from" back up to "to"; reverse it into dependency order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	path = append(path, to)
	cycle := strings.Join(path, " -> ")
	return schema.NewErrorf(schema.ErrCodeDagValidation, "workflow contains a cycle: %s", cycle).
		WithDetails(map[string]any{"cycle": cycle})
}

// Step returns the definition of id, or nil.
func (d *DAG) Step(id string) *schema.StepDefinition { return d.steps[id] }

// Steps returns every step id in topological order.
func (d *DAG) Steps() []string { return d.Order() }

// Len is the number of steps.
func (d *DAG) Len() int { return len(d.steps) }

// Dependencies returns the sorted ids id depends on.
func (d *DAG) Dependencies(id string) []string { return d.dependencies[id] }

// Dependents returns the sorted ids that depend on id.
func (d *DAG) Dependents(id string) []string { return d.dependents[id] }

// Order returns a topological order: every step appears after its dependencies.
func (d *DAG) Order() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Roots returns the steps without dependencies.
func (d *DAG) Roots() []string { return d.roots }

// ReadySet returns, in topological order, the Pending steps whose
// dependencies all satisfy satisfied.
func (d *DAG) ReadySet(states map[string]schema.StepStatus, satisfied func(id string) bool) []string {
	var ready []string
	for _, id := range d.order {
		if states[id] != schema.StepPending {
			continue
		}
		ok := true
		for _, dep := range d.dependencies[id] {
			if !satisfied(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Descendants returns every step that transitively depends on id, in BFS order.
func (d *DAG) Descendants(id string) []string {
	seen := map[string]bool{id: true}
	queue := append([]string(nil), d.dependents[id]...)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, d.dependents[cur]...)
	}
	return out
}

// HasPath reports whether to transitively depends on from.
func (d *DAG) HasPath(from, to string) bool {
	for _, id := range d.Descendants(from) {
		if id == to {
			return true
		}
	}
	return false
}
