package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% etl")
	assert.Contains(t, output, `fetch["fetch"]`)
	assert.Contains(t, output, `__start__(("Start"))`)
	assert.Contains(t, output, "fetch --> transform")
	assert.Contains(t, output, "classDef completed")
	assert.NotContains(t, output, "class fetch")
}

func TestRenderMermaidShapes(t *testing.T) {
	model, err := Build(conditionWorkflow(), nil)
	require.NoError(t, err)
	output := RenderMermaid(model)

	assert.Contains(t, output, `check{"check"}`)
	assert.Contains(t, output, `done{{"done"}}`)
	assert.Contains(t, output, "check -->|then| big")
	assert.Contains(t, output, "check -->|else| small")

	model, err = Build(parallelWorkflow(), nil)
	require.NoError(t, err)
	output = RenderMermaid(model)

	assert.Contains(t, output, `fan[["fan"]]`)
	assert.Contains(t, output, `subgraph fan_parallel["fan: parallel"]`)
	assert.Contains(t, output, `fan_0["left"]`)
	assert.Contains(t, output, `child[/"child"/]`)
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	status := &schema.ExecutionStatus{Steps: map[string]*schema.StepState{
		"fetch":     {Status: schema.StepCompleted},
		"transform": {Status: schema.StepDependencyFailed},
		"store":     {Status: schema.StepAwaitingApproval},
	}}
	model, err := Build(linearWorkflow(), status)
	require.NoError(t, err)
	output := RenderMermaid(model)

	assert.Contains(t, output, "class fetch completed")
	assert.Contains(t, output, "class transform failed")
	assert.Contains(t, output, "class store waiting")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
}
