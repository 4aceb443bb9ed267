package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// referenceRoots are the scope keys a ${{ }} reference may start with.
var referenceRoots = map[string]bool{"input": true, "vars": true, "steps": true}

// validateSemantic checks what JSON Schema cannot express: per-type config
// blocks, registered actions, expressions, branch targets and references.
// Dependency ids and cycles are left to the DAG builder.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup, exprs ExpressionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.Timeout != "" {
		if _, err := schema.ParseDuration(def.Timeout, 0); err != nil {
			result.AddError("timeout", schema.ErrCodeInvalidDefinition, err.Error())
		}
	}

	steps := make(map[string]*schema.StepDefinition, len(def.Steps))
	for i := range def.Steps {
		steps[def.Steps[i].ID] = &def.Steps[i]
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		validateStepConfig(def, step, path, steps, lookup, exprs, result)
	}
	return result
}

func validateStepConfig(def *schema.WorkflowDefinition, step *schema.StepDefinition, path string,
	steps map[string]*schema.StepDefinition, lookup ActionLookup, exprs ExpressionChecker, result *schema.ValidationResult) {

	stepType := step.EffectiveType()
	present := map[schema.StepType]bool{
		schema.StepTypeAction:      step.Action != nil,
		schema.StepTypeApproval:    step.Approval != nil,
		schema.StepTypeParallel:    step.Parallel != nil,
		schema.StepTypeConditional: step.Condition != nil,
		schema.StepTypeSubWorkflow: step.SubWorkflow != nil,
	}
	for _, t := range schema.StepTypes {
		if t != stepType && present[t] {
			result.AddWarning(path, schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("%s config is ignored on a %s step", t, stepType))
		}
	}

	if step.Timeout != "" {
		if _, err := schema.ParseDuration(step.Timeout, 0); err != nil {
			result.AddError(path+".timeout", schema.ErrCodeInvalidDefinition, err.Error())
		}
	}
	if step.Retry != nil {
		validateRetry(step.Retry, path+".retry", result)
	}

	switch stepType {
	case schema.StepTypeAction:
		if step.Action == nil {
			result.AddError(path+".action", schema.ErrCodeInvalidDefinition, "action step requires an action block")
			return
		}
		validateAction(step.Action, path+".action", steps, lookup, result)

	case schema.StepTypeApproval:
		if step.Approval != nil && step.Approval.Timeout != "" {
			if _, err := schema.ParseDuration(step.Approval.Timeout, 0); err != nil {
				result.AddError(path+".approval.timeout", schema.ErrCodeInvalidDefinition, err.Error())
			}
		}

	case schema.StepTypeParallel:
		if step.Parallel == nil || len(step.Parallel.Actions) == 0 {
			result.AddError(path+".parallel", schema.ErrCodeInvalidDefinition, "parallel step requires at least one action")
			return
		}
		for j := range step.Parallel.Actions {
			validateAction(&step.Parallel.Actions[j], fmt.Sprintf("%s.parallel.actions[%d]", path, j), steps, lookup, result)
		}

	case schema.StepTypeConditional:
		if step.Condition == nil {
			result.AddError(path+".condition", schema.ErrCodeInvalidDefinition, "conditional step requires a condition block")
			return
		}
		validateCondition(step, path+".condition", steps, exprs, result)

	case schema.StepTypeSubWorkflow:
		if step.SubWorkflow == nil || step.SubWorkflow.WorkflowID == "" {
			result.AddError(path+".sub_workflow", schema.ErrCodeInvalidDefinition, "sub_workflow step requires workflow_id")
			return
		}
		if def.ID != "" && step.SubWorkflow.WorkflowID == def.ID {
			result.AddError(path+".sub_workflow.workflow_id", schema.ErrCodeInvalidDefinition, "workflow cannot invoke itself")
		}
		validateReferences(step.SubWorkflow.Input, path+".sub_workflow.input", steps, result)

	default:
		result.AddError(path+".type", schema.ErrCodeInvalidDefinition, fmt.Sprintf("unknown step type %q", step.Type))
	}
}

func validateRetry(r *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if r.MaxAttempts < 1 {
		result.AddError(path+".max_attempts", schema.ErrCodeInvalidDefinition, "max_attempts must be at least 1")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		result.AddError(path+".multiplier", schema.ErrCodeInvalidDefinition, "multiplier must be at least 1")
	}
	base, errBase := schema.ParseDuration(r.BaseDelay, 0)
	if errBase != nil {
		result.AddError(path+".base_delay", schema.ErrCodeInvalidDefinition, errBase.Error())
	}
	maxDelay, errMax := schema.ParseDuration(r.MaxDelay, 0)
	if errMax != nil {
		result.AddError(path+".max_delay", schema.ErrCodeInvalidDefinition, errMax.Error())
	}
	if _, err := schema.ParseDuration(r.Jitter, 0); err != nil {
		result.AddError(path+".jitter", schema.ErrCodeInvalidDefinition, err.Error())
	}
	if errBase == nil && errMax == nil && maxDelay > 0 && maxDelay < base {
		result.AddWarning(path+".max_delay", schema.ErrCodeInvalidDefinition, "max_delay is below base_delay; every retry waits max_delay")
	}
}

func validateAction(a *schema.ActionPayload, path string, steps map[string]*schema.StepDefinition, lookup ActionLookup, result *schema.ValidationResult) {
	switch a.Kind {
	case schema.ActionKindCustom:
		if a.Name == "" {
			result.AddError(path+".name", schema.ErrCodeInvalidDefinition, "custom action requires a name")
			return
		}
	case schema.ActionKindWait:
		d, _ := a.Params["duration"].(string)
		if _, err := schema.ParseDuration(d, 0); err != nil || d == "" {
			result.AddError(path+".params.duration", schema.ErrCodeInvalidDefinition, "wait action requires a valid duration")
		}
	case schema.ActionKindHTTP:
		if u, _ := a.Params["url"].(string); u == "" {
			result.AddError(path+".params.url", schema.ErrCodeInvalidDefinition, "http action requires a url")
		}
	}
	if lookup != nil && !lookup.Has(a.ActionName()) {
		result.AddError(path, schema.ErrCodeActionUnavailable, fmt.Sprintf("action %q not registered", a.ActionName()))
	}
	validateReferences(a.Params, path+".params", steps, result)
}

func validateCondition(step *schema.StepDefinition, path string, steps map[string]*schema.StepDefinition,
	exprs ExpressionChecker, result *schema.ValidationResult) {

	c := step.Condition
	if exprs != nil {
		if err := exprs.Check(c.Engine, c.Expression); err != nil {
			result.AddError(path+".expression", schema.ErrCodeInvalidDefinition, err.Error())
		}
	}

	then := make(map[string]bool, len(c.Then))
	for _, id := range c.Then {
		then[id] = true
	}
	check := func(branch string, ids []string) {
		for j, id := range ids {
			p := fmt.Sprintf("%s.%s[%d]", path, branch, j)
			target, ok := steps[id]
			if !ok {
				result.AddError(p, schema.ErrCodeInvalidDefinition, fmt.Sprintf("references non-existent step %q", id))
				continue
			}
			if !dependsOn(target, step.ID) {
				result.AddError(p, schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("branch step %q must depend on %q", id, step.ID))
			}
			if branch == "else" && then[id] {
				result.AddError(p, schema.ErrCodeInvalidDefinition, fmt.Sprintf("step %q is in both branches", id))
			}
		}
	}
	check("then", c.Then)
	check("else", c.Else)
}

func dependsOn(step *schema.StepDefinition, id string) bool {
	for _, dep := range step.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// validateReferences checks that every ${{ }} reference starts at a known root
// and that steps.<id> names a step of this workflow.
func validateReferences(params map[string]any, path string, steps map[string]*schema.StepDefinition, result *schema.ValidationResult) {
	for _, ref := range expressions.References(params) {
		parts := strings.SplitN(strings.TrimPrefix(ref, "."), ".", 3)
		root := strings.SplitN(parts[0], "[", 2)[0]
		if !referenceRoots[root] {
			result.AddError(path, schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("reference %q must start with input, vars or steps", ref))
			continue
		}
		if root == "steps" && len(parts) > 1 {
			if _, ok := steps[parts[1]]; !ok {
				result.AddError(path, schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("reference %q names non-existent step %q", ref, parts[1]))
			}
		}
	}
}
