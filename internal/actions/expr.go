package actions

import (
	"context"

	"github.com/rendis/opflow/internal/expressions"
)

// EvalAction implements the "eval" custom action: it evaluates an expression
// against params.data with the chosen engine and returns {"result": value}.
type EvalAction struct {
	engines *expressions.Engines
}

// NewEvalAction creates the eval action.
func NewEvalAction(engines *expressions.Engines) *EvalAction {
	return &EvalAction{engines: engines}
}

func (a *EvalAction) Name() string { return "eval" }

func (a *EvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate a CEL, Expr or jq expression against explicit data.",
	}
}

func (a *EvalAction) Validate(input map[string]any) error {
	expression := stringParam(input, "expression", "")
	if expression == "" {
		return invalidParams("eval", "requires non-empty 'expression' string parameter")
	}
	return a.engines.Check(stringParam(input, "engine", ""), expression)
}

func (a *EvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	eng, err := a.engines.Get(stringParam(input.Params, "engine", ""))
	if err != nil {
		return nil, err
	}

	scope := make(map[string]any)
	if data := mapParam(input.Params, "data"); data != nil {
		for k, v := range data {
			scope[k] = v
		}
	}

	result, err := eng.Evaluate(ctx, stringParam(input.Params, "expression", ""), scope)
	if err != nil {
		return nil, err
	}
	return jsonOutput("eval", map[string]any{"result": result})
}
