package templates

import (
	"fmt"

	"github.com/rendis/opflow/pkg/schema"
)

func intPtr(n int) *int { return &n }

func workflowParams() []schema.TemplateParameter {
	return []schema.TemplateParameter{
		{
			Name:        "workflow_name",
			Label:       "Workflow Name",
			Description: "Name for the workflow",
			Type:        schema.ParamString,
			Required:    true,
			Validation:  &schema.ParameterValidation{MinLength: intPtr(3), MaxLength: intPtr(100)},
		},
		{
			Name:        "workflow_id",
			Label:       "Workflow ID",
			Description: "Unique identifier; generated when empty",
			Type:        schema.ParamString,
		},
	}
}

// Sequential builds a template that runs one custom action per handler, each
// step depending on the previous one. Step names are parameters defaulting to
// the handler name.
func Sequential(name, description string, handlers ...string) *schema.WorkflowTemplate {
	steps := make([]schema.StepDefinition, len(handlers))
	params := make([]schema.TemplateParameter, 0, len(handlers)+2)
	for i, h := range handlers {
		n := i + 1
		steps[i] = schema.StepDefinition{
			ID:     fmt.Sprintf("step-%d", n),
			Name:   fmt.Sprintf("{{ step_%d_name }}", n),
			Action: &schema.ActionPayload{Kind: schema.ActionKindCustom, Name: h},
		}
		if i > 0 {
			steps[i].DependsOn = []string{fmt.Sprintf("step-%d", i)}
		}
		params = append(params, schema.TemplateParameter{
			Name:        fmt.Sprintf("step_%d_name", n),
			Label:       fmt.Sprintf("Step %d Name", n),
			Description: fmt.Sprintf("Name for step %d", n),
			Type:        schema.ParamString,
			Default:     h,
		})
	}

	return &schema.WorkflowTemplate{
		Name:        name,
		Description: description,
		Category:    "Sequential",
		Tags:        []string{"sequential", "simple"},
		Parameters:  append(params, workflowParams()...),
		Definition: schema.WorkflowDefinition{
			ID:          "{{ workflow_id }}",
			Name:        "{{ workflow_name }}",
			Description: description,
			Steps:       steps,
		},
	}
}

// ApprovalChain builds a submit, review, approve, execute template with two
// approval gates sharing one timeout.
func ApprovalChain(name, description string) *schema.WorkflowTemplate {
	params := []schema.TemplateParameter{
		{
			Name:        "approval_timeout",
			Label:       "Approval Timeout",
			Description: "How long each approval waits",
			Type:        schema.ParamString,
			Default:     "24h",
			Validation:  &schema.ParameterValidation{Pattern: `^[0-9]+(ms|s|m|h)$`},
		},
		{Name: "submit_action", Label: "Submit Action", Type: schema.ParamString, Default: "submit"},
		{Name: "execute_action", Label: "Execute Action", Type: schema.ParamString, Default: "execute"},
	}

	return &schema.WorkflowTemplate{
		Name:        name,
		Description: description,
		Category:    "Approval",
		Tags:        []string{"approval", "review"},
		Parameters:  append(params, workflowParams()...),
		Definition: schema.WorkflowDefinition{
			ID:          "{{ workflow_id }}",
			Name:        "{{ workflow_name }}",
			Description: description,
			Steps: []schema.StepDefinition{
				{
					ID:     "submit",
					Name:   "Submit Request",
					Action: &schema.ActionPayload{Kind: schema.ActionKindCustom, Name: "{{ submit_action }}"},
				},
				{
					ID:        "review",
					Name:      "Review",
					Type:      schema.StepTypeApproval,
					DependsOn: []string{"submit"},
					Approval:  &schema.ApprovalConfig{Title: "Review {{ workflow_name }}", Timeout: "{{ approval_timeout }}"},
				},
				{
					ID:        "approve",
					Name:      "Approve",
					Type:      schema.StepTypeApproval,
					DependsOn: []string{"review"},
					Approval:  &schema.ApprovalConfig{Title: "Approve {{ workflow_name }}", Timeout: "{{ approval_timeout }}"},
				},
				{
					ID:        "execute",
					Name:      "Execute",
					DependsOn: []string{"approve"},
					Action:    &schema.ActionPayload{Kind: schema.ActionKindCustom, Name: "{{ execute_action }}"},
				},
			},
		},
	}
}
