package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/opflow/pkg/schema"
)

// frame is the set of border runes drawn around a card.
type frame struct {
	tl, tr, bl, br, h, v string
}

// Each step kind gets its own border so the layout reads without a legend.
var frames = map[NodeKind]frame{
	NodeKindAction:      {"┌", "┐", "└", "┘", "─", "│"},
	NodeKindParallel:    {"┌", "┐", "└", "┘", "─", "│"},
	NodeKindApproval:    {"╔", "╗", "╚", "╝", "═", "║"},
	NodeKindConditional: {"◆", "◆", "◆", "◆", "─", "│"},
	NodeKindSubWorkflow: {"┏", "┓", "┗", "┛", "━", "┃"},
	NodeKindStart:       {"╭", "╮", "╰", "╯", "─", "│"},
	NodeKindEnd:         {"╭", "╮", "╰", "╯", "─", "│"},
}

var kindMarks = map[NodeKind]string{
	NodeKindApproval:    "approval",
	NodeKindParallel:    "parallel",
	NodeKindConditional: "if",
	NodeKindSubWorkflow: "sub-workflow",
}

var statusTags = map[schema.StepStatus]string{
	schema.StepCompleted:        "[OK]",
	schema.StepFailed:           "[FAIL]",
	schema.StepDependencyFailed: "[DEP]",
	schema.StepCancelled:        "[CANCEL]",
	schema.StepRunning:          "[RUN]",
	schema.StepReady:            "[RUN]",
	schema.StepAwaitingApproval: "[WAIT]",
	schema.StepSkipped:          "[SKIP]",
	schema.StepPending:          "[PEND]",
}

// card is one rendered node: its text rows and display width.
type card struct {
	rows  []string
	width int
}

// center is the column of the card's midpoint, used to hang connectors.
func (c card) center() int { return c.width / 2 }

const cardGap = 3

// RenderASCII draws the model one DAG level per row. Cards are framed by step
// kind; every card of a level gets its own connector to the next level, so
// fan-out and fan-in stay visible. Conditional branches are listed after the
// graph.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var cards []card
		for _, id := range level {
			if n := model.node(id); n != nil {
				cards = append(cards, newCard(n))
			}
		}
		writeRow(&b, cards)
		if i < len(model.Levels)-1 {
			writeConnectors(&b, cards)
		}
	}

	var branches []string
	for _, e := range model.Edges {
		if e.Label != "" {
			branches = append(branches, fmt.Sprintf("  %s ─%s→ %s", e.From, e.Label, e.To))
		}
	}
	if len(branches) > 0 {
		b.WriteString("\nbranches:\n")
		b.WriteString(strings.Join(branches, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

func newCard(n *Node) card {
	var body []string
	if mark, ok := kindMarks[n.Kind]; ok {
		body = append(body, "<"+mark+">")
	}
	body = append(body, strings.Split(n.Label, "\n")...)
	for _, sg := range n.Children {
		for _, member := range sg.Nodes {
			body = append(body, "· "+firstLine(member.Label))
		}
	}
	if s := n.Status; s != nil {
		var parts []string
		if tag := statusTags[schema.StepStatus(s.Status)]; tag != "" {
			parts = append(parts, tag)
		}
		if s.Attempts > 1 {
			parts = append(parts, fmt.Sprintf("x%d", s.Attempts))
		}
		if s.DurationMs > 0 {
			parts = append(parts, fmt.Sprintf("%dms", s.DurationMs))
		}
		if len(parts) > 0 {
			body = append(body, strings.Join(parts, " "))
		}
	}

	inner := 0
	for _, line := range body {
		inner = max(inner, utf8.RuneCountInString(line))
	}
	f := frames[n.Kind]
	if f.h == "" {
		f = frames[NodeKindAction]
	}

	rows := make([]string, 0, len(body)+2)
	rows = append(rows, f.tl+strings.Repeat(f.h, inner+2)+f.tr)
	for _, line := range body {
		rows = append(rows, f.v+" "+pad(line, inner)+" "+f.v)
	}
	rows = append(rows, f.bl+strings.Repeat(f.h, inner+2)+f.br)
	return card{rows: rows, width: inner + 4}
}

func writeRow(b *strings.Builder, cards []card) {
	height := 0
	for _, c := range cards {
		height = max(height, len(c.rows))
	}
	for row := range height {
		var line strings.Builder
		for i, c := range cards {
			if i > 0 {
				line.WriteString(strings.Repeat(" ", cardGap))
			}
			if row < len(c.rows) {
				line.WriteString(c.rows[row])
			} else {
				line.WriteString(strings.Repeat(" ", c.width))
			}
		}
		b.WriteString(strings.TrimRight(line.String(), " "))
		b.WriteByte('\n')
	}
}

// writeConnectors hangs a "│" then "▼" under the center of every card.
func writeConnectors(b *strings.Builder, cards []card) {
	for _, glyph := range []string{"│", "▼"} {
		var line strings.Builder
		for i, c := range cards {
			if i > 0 {
				line.WriteString(strings.Repeat(" ", cardGap))
			}
			line.WriteString(strings.Repeat(" ", c.center()))
			line.WriteString(glyph)
			line.WriteString(strings.Repeat(" ", c.width-c.center()-1))
		}
		b.WriteString(strings.TrimRight(line.String(), " "))
		b.WriteByte('\n')
	}
}

func pad(s string, width int) string {
	return s + strings.Repeat(" ", width-utf8.RuneCountInString(s))
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
