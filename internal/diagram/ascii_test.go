package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.True(t, strings.HasPrefix(output, "=== etl ===\n"))
	for _, label := range []string{"Start", "fetch", "(http)", "transform", "(reshape)", "Store rows", "End"} {
		assert.Contains(t, output, label)
	}
	assert.Less(t, strings.Index(output, "fetch"), strings.Index(output, "transform"))
	assert.Contains(t, output, "╭")
	assert.NotContains(t, output, "branches:")
}

func TestRenderASCIIFramesByKind(t *testing.T) {
	model, err := Build(conditionWorkflow(), nil)
	require.NoError(t, err)
	output := RenderASCII(model)
	assert.Contains(t, output, "<if>")
	assert.Contains(t, output, "◆")
	assert.Contains(t, output, "<approval>")
	assert.Contains(t, output, "╔")

	model, err = Build(parallelWorkflow(), nil)
	require.NoError(t, err)
	output = RenderASCII(model)
	assert.Contains(t, output, "<parallel>")
	assert.Contains(t, output, "· left")
	assert.Contains(t, output, "· right")
	assert.Contains(t, output, "<sub-workflow>")
	assert.Contains(t, output, "(wf_child)")
	assert.Contains(t, output, "┏")
}

func TestRenderASCIIConnectorPerCard(t *testing.T) {
	model, err := Build(conditionWorkflow(), nil)
	require.NoError(t, err)

	arrows := 0
	for _, line := range strings.Split(RenderASCII(model), "\n") {
		arrows = max(arrows, strings.Count(line, "▼"))
	}
	assert.Equal(t, 2, arrows, "big and small each hang a connector")
}

func TestRenderASCIIStatusAndBranches(t *testing.T) {
	status := &schema.ExecutionStatus{Steps: map[string]*schema.StepState{
		"check": {Status: schema.StepCompleted},
		"big":   {Status: schema.StepRunning, Attempts: 3},
		"small": {Status: schema.StepSkipped},
		"done":  {Status: schema.StepAwaitingApproval},
	}}
	model, err := Build(conditionWorkflow(), status)
	require.NoError(t, err)

	output := RenderASCII(model)
	for _, tag := range []string{"[OK]", "[RUN] x3", "[SKIP]", "[WAIT]"} {
		assert.Contains(t, output, tag)
	}
	assert.Contains(t, output, "branches:")
	assert.Contains(t, output, "check ─then→ big")
	assert.Contains(t, output, "check ─else→ small")
}
