package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

const (
	refOpen  = "${{"
	refClose = "}}"
)

// Resolver substitutes ${{ path }} references in action params.
// Paths are jq queries against the scope document ({input, vars, steps});
// a leading dot is optional, so "steps.build.url" and ".steps.build.url" are equivalent.
type Resolver struct {
	jq *GoJQEngine
}

// NewResolver creates a Resolver backed by jq.
func NewResolver(jq *GoJQEngine) *Resolver {
	return &Resolver{jq: jq}
}

// Resolve returns a copy of params with every reference substituted.
// A string that is exactly one reference takes the referenced value with its
// type intact; references embedded in longer strings are rendered as text.
func (r *Resolver) Resolve(ctx context.Context, params map[string]any, scope map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out, err := r.resolveValue(ctx, params, scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (r *Resolver) resolveValue(ctx context.Context, v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.resolveString(ctx, val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Resolver) resolveString(ctx context.Context, s string, scope map[string]any) (any, error) {
	if !strings.Contains(s, refOpen) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, refOpen) && strings.HasSuffix(trimmed, refClose) &&
		strings.Count(trimmed, refOpen) == 1 {
		return r.lookup(ctx, trimmed[len(refOpen):len(trimmed)-len(refClose)], scope)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, refOpen)
		if start == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		end := strings.Index(rest[start:], refClose)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "unclosed reference in %q", s)
		}
		val, err := r.lookup(ctx, rest[start+len(refOpen):start+end], scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(render(val))
		rest = rest[start+end+len(refClose):]
	}
	return b.String(), nil
}

func (r *Resolver) lookup(ctx context.Context, path string, scope map[string]any) (any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "empty reference ${{ }}")
	}
	if strings.Contains(path, refOpen) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "nested reference in %q", path)
	}
	if !strings.HasPrefix(path, ".") {
		path = "." + path
	}
	return r.jq.Evaluate(ctx, path, scope)
}

func render(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, int, bool:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// References lists the paths referenced anywhere in params, without resolving them.
func References(params map[string]any) []string {
	var refs []string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			rest := val
			for {
				start := strings.Index(rest, refOpen)
				if start == -1 {
					return
				}
				end := strings.Index(rest[start:], refClose)
				if end == -1 {
					return
				}
				refs = append(refs, strings.TrimSpace(rest[start+len(refOpen):start+end]))
				rest = rest[start+end+len(refClose):]
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(params)
	return refs
}
