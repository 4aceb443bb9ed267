package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/opflow/pkg/schema"
)

// Engine evaluates expressions for conditional steps, trigger predicates and
// parameter references. Three implementations: CEL (default), Expr and GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope variables every engine understands. Missing keys evaluate as empty maps.
var scopeKeys = []string{"input", "vars", "steps", "event", "payload", "metadata"}

// Engines bundles the available engines by name.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines builds all three engines.
func NewEngines() (*Engines, error) {
	c, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{CEL: c, Expr: NewExprEngine(), JQ: NewGoJQEngine()}, nil
}

// Get returns the engine for name; "" selects CEL.
func (e *Engines) Get(name string) (Engine, error) {
	switch name {
	case "", "cel":
		return e.CEL, nil
	case "expr":
		return e.Expr, nil
	case "jq":
		return e.JQ, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "unknown expression engine %q", name)
	}
}

// EvaluateBool evaluates expression with the named engine and requires a boolean result.
func (e *Engines) EvaluateBool(ctx context.Context, engine, expression string, data map[string]any) (bool, error) {
	eng, err := e.Get(engine)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q returned %s, want bool", eng.Name(), expression, typeName(out))
	}
	return b, nil
}

// Check compiles expression with the named engine without evaluating it.
func (e *Engines) Check(engine, expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "empty expression")
	}
	switch engine {
	case "", "cel":
		return e.CEL.Check(expression)
	case "expr":
		return e.Expr.Check(expression)
	case "jq":
		return e.JQ.Check(expression)
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidDefinition, "unknown expression engine %q", engine)
	}
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func evalError(engine, expression string, err error) *schema.OpflowError {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func compileError(engine, expression string, err error) *schema.OpflowError {
	return schema.NewErrorf(schema.ErrCodeInvalidDefinition,
		"%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
