package diagram

import (
	"fmt"
	"slices"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/pkg/schema"
)

// Build constructs a DiagramModel from a definition and, optionally, the
// status of one of its executions.
func Build(def *schema.WorkflowDefinition, status *schema.ExecutionStatus) (*DiagramModel, error) {
	dag, err := engine.BuildDAG(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: build DAG: %w", err)
	}

	var states map[string]*schema.StepState
	if status != nil {
		states = status.Steps
	}

	nodes := make([]*Node, 0, dag.Len()+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range dag.Order() {
		step := dag.Step(id)
		node := &Node{ID: id, Label: nodeLabel(step), Kind: kindOf(step)}
		node.Status = overlay(states[id])
		if step.Parallel != nil {
			sg := &SubGraph{Label: "parallel"}
			for i := range step.Parallel.Actions {
				a := &step.Parallel.Actions[i]
				sg.Nodes = append(sg.Nodes, &Node{
					ID:    fmt.Sprintf("%s.%d", id, i),
					Label: a.ActionName(),
					Kind:  NodeKindAction,
				})
			}
			node.Children = append(node.Children, sg)
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: buildLevels(dag),
	}, nil
}

func kindOf(step *schema.StepDefinition) NodeKind {
	switch step.EffectiveType() {
	case schema.StepTypeApproval:
		return NodeKindApproval
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeConditional:
		return NodeKindConditional
	case schema.StepTypeSubWorkflow:
		return NodeKindSubWorkflow
	default:
		return NodeKindAction
	}
}

// nodeLabel is the display name, followed on a second line by what the step runs.
func nodeLabel(step *schema.StepDefinition) string {
	name := step.DisplayName()
	switch {
	case step.Action != nil:
		return fmt.Sprintf("%s\n(%s)", name, step.Action.ActionName())
	case step.SubWorkflow != nil:
		return fmt.Sprintf("%s\n(%s)", name, step.SubWorkflow.WorkflowID)
	}
	return name
}

func overlay(ss *schema.StepState) *StatusOverlay {
	if ss == nil {
		return nil
	}
	o := &StatusOverlay{Status: string(ss.Status), Attempts: ss.Attempts}
	if ss.StartedAt != nil && ss.CompletedAt != nil {
		o.DurationMs = ss.CompletedAt.Sub(*ss.StartedAt).Milliseconds()
	}
	if ss.Error != nil {
		o.Error = ss.Error.Message
	}
	return o
}

// buildEdges connects dependencies to dependents, labelling conditional
// branches, and frames the graph with the virtual start and end nodes.
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge
	for _, root := range dag.Roots() {
		edges = append(edges, Edge{From: StartID, To: root})
	}
	for _, id := range dag.Order() {
		for _, dep := range dag.Dependencies(id) {
			edges = append(edges, Edge{From: dep, To: id, Label: branchLabel(dag.Step(dep), id)})
		}
	}
	for _, id := range dag.Order() {
		if len(dag.Dependents(id)) == 0 {
			edges = append(edges, Edge{From: id, To: EndID})
		}
	}
	return edges
}

func branchLabel(from *schema.StepDefinition, to string) string {
	if from == nil || from.Condition == nil {
		return ""
	}
	switch {
	case slices.Contains(from.Condition.Then, to):
		return "then"
	case slices.Contains(from.Condition.Else, to):
		return "else"
	}
	return ""
}

// buildLevels groups steps by longest distance from a root, framed by the
// virtual start and end levels.
func buildLevels(dag *engine.DAG) [][]string {
	depth := make(map[string]int, dag.Len())
	maxDepth := -1
	for _, id := range dag.Order() {
		d := 0
		for _, dep := range dag.Dependencies(id) {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, 0, maxDepth+3)
	levels = append(levels, []string{StartID})
	for d := 0; d <= maxDepth; d++ {
		var level []string
		for _, id := range dag.Order() {
			if depth[id] == d {
				level = append(level, id)
			}
		}
		levels = append(levels, level)
	}
	return append(levels, []string{EndID})
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return "Workflow"
}
