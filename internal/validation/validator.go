package validation

import "github.com/rendis/opflow/pkg/schema"

// Validator checks workflow definitions before they are stored or executed.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ActionLookup reports whether an action is registered under name.
type ActionLookup interface {
	Has(name string) bool
}

// ExpressionChecker compiles an expression for the named engine without running it.
type ExpressionChecker interface {
	Check(engine, expression string) error
}
