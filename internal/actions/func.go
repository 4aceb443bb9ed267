package actions

import (
	"context"

	"github.com/rendis/opflow/pkg/schema"
)

// HandlerFunc is the body of a custom action. It receives resolved params and
// returns any JSON-encodable output.
type HandlerFunc func(ctx context.Context, params map[string]any) (any, error)

// Func is a custom action backed by a function. Register it under the name
// steps reference with {kind: custom, name: ...}.
type Func struct {
	name        string
	description string
	fn          HandlerFunc
	validate    func(map[string]any) error
}

// NewFunc creates a custom action.
func NewFunc(name string, fn HandlerFunc) *Func {
	return &Func{name: name, fn: fn}
}

// WithDescription sets the description shown in listings.
func (f *Func) WithDescription(d string) *Func {
	f.description = d
	return f
}

// WithValidator sets a params check run before every call.
func (f *Func) WithValidator(v func(map[string]any) error) *Func {
	f.validate = v
	return f
}

func (f *Func) Name() string { return f.name }

func (f *Func) Schema() ActionSchema { return ActionSchema{Description: f.description} }

func (f *Func) Validate(input map[string]any) error {
	if f.validate == nil {
		return nil
	}
	return f.validate(input)
}

func (f *Func) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if f.fn == nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q has no handler", f.name)
	}
	if err := f.Validate(input.Params); err != nil {
		return nil, err
	}
	out, err := f.fn(ctx, input.Params)
	if err != nil {
		return nil, err
	}
	return jsonOutput(f.name, out)
}
