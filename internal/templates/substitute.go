package templates

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

// placeholderRe matches "{{ name }}". A match preceded by '$' is a runtime
// reference (${{ path }}) and is left alone.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// substitute replaces parameter placeholders in every string of def.
// Names without a value are left untouched.
func substitute(def schema.WorkflowDefinition, values map[string]any) (*schema.WorkflowDefinition, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeSerialization, "encode template definition").WithCause(err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, schema.NewError(schema.ErrCodeSerialization, "decode template definition").WithCause(err)
	}

	tree = walk(tree, values)

	raw, err = json.Marshal(tree)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeSerialization, "encode instantiated definition").WithCause(err)
	}
	out := &schema.WorkflowDefinition{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parameter value does not fit the definition: %s", err).WithCause(err)
	}
	return out, nil
}

func walk(v any, values map[string]any) any {
	switch val := v.(type) {
	case string:
		return replace(val, values)
	case map[string]any:
		for k, item := range val {
			val[k] = walk(item, values)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = walk(item, values)
		}
		return val
	default:
		return v
	}
}

// replace substitutes placeholders in s. A string that is exactly one
// placeholder takes the value with its type intact.
func replace(s string, values map[string]any) any {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		if v, ok := values[s[matches[0][2]:matches[0][3]]]; ok {
			return v
		}
		return s
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		name := s[m[2]:m[3]]
		v, ok := values[name]
		if !ok || (start > 0 && s[start-1] == '$') {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(text(v))
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

func text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, int, int64, bool:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// Placeholders lists the distinct parameter names referenced by def, sorted.
func Placeholders(def schema.WorkflowDefinition) []string {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil
	}
	seen := map[string]bool{}
	var names []string
	var visit func(v any)
	visit = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range placeholderRe.FindAllStringSubmatchIndex(val, -1) {
				if m[0] > 0 && val[m[0]-1] == '$' {
					continue
				}
				name := val[m[2]:m[3]]
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		case map[string]any:
			for _, item := range val {
				visit(item)
			}
		case []any:
			for _, item := range val {
				visit(item)
			}
		}
	}
	visit(tree)
	sort.Strings(names)
	return names
}
