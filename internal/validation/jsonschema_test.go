package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func action(kind, name string) *schema.ActionPayload {
	return &schema.ActionPayload{Kind: kind, Name: name}
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NotNil(t, v.workflowSchema)
}

func TestValidateDefinition_Nil(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateDefinition(nil)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, schema.CodeOf(err))
}

func TestValidateDefinition_Valid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Name:    "release",
		Timeout: "1h30m",
		Steps: []schema.StepDefinition{
			{
				ID:     "build",
				Action: &schema.ActionPayload{Kind: "custom", Name: "build", Params: map[string]any{"target": "linux"}},
				Retry:  &schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "100ms", Multiplier: 2, Jitter: "50ms", MaxDelay: "2s"},
			},
			{ID: "gate", Type: schema.StepTypeApproval, DependsOn: []string{"build"}, Approval: &schema.ApprovalConfig{Timeout: "24h"}},
			{ID: "fan", Type: schema.StepTypeParallel, DependsOn: []string{"gate"},
				Parallel: &schema.ParallelConfig{Actions: []schema.ActionPayload{{Kind: "wait", Params: map[string]any{"duration": "1s"}}}}},
			{ID: "check", Type: schema.StepTypeConditional, DependsOn: []string{"fan"},
				Condition: &schema.ConditionConfig{Expression: "true", Engine: "expr"}},
			{ID: "child", Type: schema.StepTypeSubWorkflow, DependsOn: []string{"check"},
				SubWorkflow: &schema.SubWorkflowConfig{WorkflowID: "wf_child", NoWait: true}},
		},
	}
	assert.NoError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_Violations(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	tests := []struct {
		name string
		def  *schema.WorkflowDefinition
	}{
		{"missing name", &schema.WorkflowDefinition{Steps: []schema.StepDefinition{{ID: "a", Action: action("custom", "x")}}}},
		{"no steps", &schema.WorkflowDefinition{Name: "wf"}},
		{"empty step id", &schema.WorkflowDefinition{Name: "wf", Steps: []schema.StepDefinition{{Action: action("custom", "x")}}}},
		{"unknown type", &schema.WorkflowDefinition{Name: "wf", Steps: []schema.StepDefinition{{ID: "a", Type: "loop"}}}},
		{"unknown action kind", &schema.WorkflowDefinition{Name: "wf", Steps: []schema.StepDefinition{{ID: "a", Action: action("shell", "")}}}},
		{"bad timeout", &schema.WorkflowDefinition{Name: "wf", Timeout: "soon", Steps: []schema.StepDefinition{{ID: "a", Action: action("custom", "x")}}}},
		{"zero attempts", &schema.WorkflowDefinition{Name: "wf", Steps: []schema.StepDefinition{
			{ID: "a", Action: action("custom", "x"), Retry: &schema.RetryPolicy{MaxAttempts: 0}},
		}}},
		{"bad engine", &schema.WorkflowDefinition{Name: "wf", Steps: []schema.StepDefinition{
			{ID: "a", Type: schema.StepTypeConditional, Condition: &schema.ConditionConfig{Expression: "x", Engine: "lua"}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateDefinition(tt.def)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeInvalidDefinition, schema.CodeOf(err))
		})
	}
}

func TestValidateDefinition_CollectsEveryViolation(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateDefinition(&schema.WorkflowDefinition{
		Timeout: "soon",
		Steps:   []schema.StepDefinition{{ID: "a", Type: "loop"}},
	})
	require.Error(t, err)
	oe := err.(*schema.OpflowError)
	violations, ok := oe.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 3)
}

func TestValidateInput(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	inputSchema := []byte(`{"type":"object","required":["region"],"properties":{"region":{"type":"string"},"count":{"type":"integer","minimum":1}}}`)

	assert.NoError(t, v.ValidateInput(map[string]any{"region": "eu", "count": 2}, inputSchema))
	assert.NoError(t, v.ValidateInput(map[string]any{}, nil), "no schema means no validation")

	err = v.ValidateInput(map[string]any{"count": 0}, inputSchema)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = v.ValidateInput(nil, inputSchema)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = v.ValidateInput(map[string]any{}, []byte(`{not json`))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateValue_CachesConcurrently(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	raw := []byte(`{"type":"string","minLength":2}`)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateValue("ok", raw))
			assert.Error(t, v.ValidateValue("x", raw))
		}()
	}
	wg.Wait()

	v.mu.RLock()
	assert.Len(t, v.cache, 1)
	v.mu.RUnlock()
}
