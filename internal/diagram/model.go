package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindAction      NodeKind = "action"
	NodeKindApproval    NodeKind = "approval"
	NodeKindParallel    NodeKind = "parallel"
	NodeKindConditional NodeKind = "conditional"
	NodeKindSubWorkflow NodeKind = "sub_workflow"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Virtual node ids framing every diagram.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // parallel group actions
}

// SubGraph holds the members of a parallel group.
type SubGraph struct {
	Label string
	Nodes []*Node
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // schema.StepStatus
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
