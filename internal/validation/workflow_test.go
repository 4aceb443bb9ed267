package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

type mockLookup map[string]bool

func (m mockLookup) Has(name string) bool { return m[name] }

func newMockLookup(names ...string) mockLookup {
	m := mockLookup{}
	for _, n := range names {
		m[n] = true
	}
	return m
}

func newTestValidator(t *testing.T, names ...string) *WorkflowValidator {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	wv, err := NewWorkflowValidator(newMockLookup(names...), engines)
	require.NoError(t, err)
	return wv
}

func errorPaths(r *schema.ValidationResult) []string {
	var out []string
	for _, e := range r.Errors {
		out = append(out, e.Path)
	}
	return out
}

func TestWorkflowValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*WorkflowValidator)(nil)
}

func TestWorkflowValidator_Valid(t *testing.T) {
	wv := newTestValidator(t, "build", "deploy", "http", "wait")

	def := &schema.WorkflowDefinition{
		Name: "release",
		Steps: []schema.StepDefinition{
			{ID: "build", Action: action("custom", "build")},
			{ID: "check", Type: schema.StepTypeConditional, DependsOn: []string{"build"},
				Condition: &schema.ConditionConfig{Expression: `steps.build.ok == true`, Then: []string{"deploy"}, Else: []string{"notify"}}},
			{ID: "deploy", DependsOn: []string{"check"}, Action: &schema.ActionPayload{
				Kind: "custom", Name: "deploy", Params: map[string]any{"image": "${{ steps.build.image }}", "env": "${{ input.env }}"},
			}},
			{ID: "notify", DependsOn: []string{"check"}, Action: &schema.ActionPayload{
				Kind: "http", Params: map[string]any{"url": "https://hooks.example.com"},
			}},
			{ID: "pause", DependsOn: []string{"deploy"}, Action: &schema.ActionPayload{Kind: "wait", Params: map[string]any{"duration": "5s"}}},
		},
	}
	result := wv.Validate(def)
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.NoError(t, wv.ValidateDefinition(def))
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv := newTestValidator(t)

	// "missing" is unregistered, but the bad timeout stops validation first.
	result := wv.Validate(&schema.WorkflowDefinition{
		Name:    "wf",
		Timeout: "soon",
		Steps:   []schema.StepDefinition{{ID: "a", Action: action("custom", "missing")}},
	})
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.Equal(t, "/", e.Path)
		assert.Equal(t, schema.ErrCodeInvalidDefinition, e.Code)
	}
}

func TestWorkflowValidator_Nil(t *testing.T) {
	wv := newTestValidator(t)
	err := wv.ValidateDefinition(nil)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, schema.CodeOf(err))
}

func TestWorkflowValidator_Semantic(t *testing.T) {
	wv := newTestValidator(t, "build")

	tests := []struct {
		name string
		step schema.StepDefinition
		path string
		code string
	}{
		{"action block missing", schema.StepDefinition{ID: "s"}, "steps[1].action", schema.ErrCodeInvalidDefinition},
		{"custom without name", schema.StepDefinition{ID: "s", Action: action("custom", "")}, "steps[1].action.name", schema.ErrCodeInvalidDefinition},
		{"unregistered action", schema.StepDefinition{ID: "s", Action: action("custom", "nope")}, "steps[1].action", schema.ErrCodeActionUnavailable},
		{"wait without duration", schema.StepDefinition{ID: "s", Action: action("wait", "")}, "steps[1].action.params.duration", schema.ErrCodeInvalidDefinition},
		{"http without url", schema.StepDefinition{ID: "s", Action: action("http", "")}, "steps[1].action.params.url", schema.ErrCodeInvalidDefinition},
		{"parallel without block", schema.StepDefinition{ID: "s", Type: schema.StepTypeParallel}, "steps[1].parallel", schema.ErrCodeInvalidDefinition},
		{"conditional without block", schema.StepDefinition{ID: "s", Type: schema.StepTypeConditional}, "steps[1].condition", schema.ErrCodeInvalidDefinition},
		{"bad expression", schema.StepDefinition{ID: "s", Type: schema.StepTypeConditional,
			Condition: &schema.ConditionConfig{Expression: "input.x =="}}, "steps[1].condition.expression", schema.ErrCodeInvalidDefinition},
		{"branch not a dependent", schema.StepDefinition{ID: "s", Type: schema.StepTypeConditional,
			Condition: &schema.ConditionConfig{Expression: "true", Then: []string{"build"}}}, "steps[1].condition.then[0]", schema.ErrCodeInvalidDefinition},
		{"branch unknown", schema.StepDefinition{ID: "s", Type: schema.StepTypeConditional,
			Condition: &schema.ConditionConfig{Expression: "true", Else: []string{"ghost"}}}, "steps[1].condition.else[0]", schema.ErrCodeInvalidDefinition},
		{"sub_workflow without block", schema.StepDefinition{ID: "s", Type: schema.StepTypeSubWorkflow}, "steps[1].sub_workflow", schema.ErrCodeInvalidDefinition},
		{"self invocation", schema.StepDefinition{ID: "s", Type: schema.StepTypeSubWorkflow,
			SubWorkflow: &schema.SubWorkflowConfig{WorkflowID: "wf_self"}}, "steps[1].sub_workflow.workflow_id", schema.ErrCodeInvalidDefinition},
		{"bad reference root", schema.StepDefinition{ID: "s", Action: &schema.ActionPayload{
			Kind: "custom", Name: "build", Params: map[string]any{"x": "${{ secrets.token }}"}}}, "steps[1].action.params", schema.ErrCodeInvalidDefinition},
		{"reference to unknown step", schema.StepDefinition{ID: "s", Action: &schema.ActionPayload{
			Kind: "custom", Name: "build", Params: map[string]any{"x": "${{ steps.ghost.out }}"}}}, "steps[1].action.params", schema.ErrCodeInvalidDefinition},
		{"max_delay unparsable", schema.StepDefinition{ID: "s", Action: action("custom", "build"),
			Retry: &schema.RetryPolicy{MaxAttempts: 2, MaxDelay: "1x"}}, "steps[1].retry.max_delay", schema.ErrCodeInvalidDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &schema.WorkflowDefinition{
				ID:    "wf_self",
				Name:  "wf",
				Steps: []schema.StepDefinition{{ID: "build", Action: action("custom", "build")}, tt.step},
			}
			result := validateSemantic(def, wv.actions, wv.exprs)
			require.False(t, result.Valid())
			assert.Contains(t, errorPaths(result), tt.path)
			assert.Equal(t, tt.code, result.Errors[0].Code)
		})
	}
}

func TestWorkflowValidator_Warnings(t *testing.T) {
	wv := newTestValidator(t, "build")

	result := wv.Validate(&schema.WorkflowDefinition{
		Name: "wf",
		Steps: []schema.StepDefinition{{
			ID:       "a",
			Action:   action("custom", "build"),
			Approval: &schema.ApprovalConfig{Title: "ignored"},
			Retry:    &schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "2s", MaxDelay: "1s"},
		}},
	})
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 2)
}

func TestWorkflowValidator_ErrorCarriesAllIssues(t *testing.T) {
	wv := newTestValidator(t)

	err := wv.ValidateDefinition(&schema.WorkflowDefinition{
		Name: "wf",
		Steps: []schema.StepDefinition{
			{ID: "a", Action: action("custom", "missing1")},
			{ID: "b", Action: action("custom", "missing2")},
		},
	})
	require.Error(t, err)
	oe := err.(*schema.OpflowError)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, oe.Code)
	assert.Equal(t, 2, oe.Details["error_count"])
}

func TestWorkflowValidator_NilLookupSkipsRegistry(t *testing.T) {
	wv, err := NewWorkflowValidator(nil, nil)
	require.NoError(t, err)

	assert.NoError(t, wv.ValidateDefinition(&schema.WorkflowDefinition{
		Name:  "wf",
		Steps: []schema.StepDefinition{{ID: "a", Action: action("custom", "anything")}},
	}))
}
