package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// eventDocument is the jq/CEL view of an event.
func eventDocument(ev *schema.TriggerEvent) map[string]any {
	return map[string]any{
		"id":             ev.ID,
		"type":           ev.Type,
		"source":         ev.Source,
		"payload":        payloadOf(ev),
		"metadata":       metadataOf(ev),
		"correlation_id": ev.CorrelationID,
		"timestamp":      ev.Timestamp.Format(time.RFC3339Nano),
	}
}

func payloadOf(ev *schema.TriggerEvent) map[string]any {
	if ev.Payload == nil {
		return map[string]any{}
	}
	return ev.Payload
}

func metadataOf(ev *schema.TriggerEvent) map[string]any {
	out := make(map[string]any, len(ev.Metadata))
	for k, v := range ev.Metadata {
		out[k] = v
	}
	return out
}

// Evaluator checks trigger conditions against events.
type Evaluator struct {
	engines *expressions.Engines
}

// NewEvaluator creates an Evaluator over the expression engines.
func NewEvaluator(engines *expressions.Engines) *Evaluator {
	return &Evaluator{engines: engines}
}

// Check validates a condition tree without evaluating it.
func (e *Evaluator) Check(c *schema.TriggerCondition) error {
	if c == nil {
		return nil
	}
	switch c.Kind {
	case schema.ConditionPayloadField, schema.ConditionPayloadExists:
		if c.Path == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s condition requires a path", c.Kind)
		}
		return e.engines.JQ.Check(jqPath(c.Path))
	case schema.ConditionSource:
		if c.Equals == nil {
			return schema.NewError(schema.ErrCodeValidation, "source condition requires equals")
		}
	case schema.ConditionMetadata:
		if c.Key == "" {
			return schema.NewError(schema.ErrCodeValidation, "metadata condition requires a key")
		}
	case schema.ConditionExpression:
		return e.engines.Check(c.Engine, c.Expression)
	case schema.ConditionAll, schema.ConditionAny:
		for i := range c.Conditions {
			if err := e.Check(&c.Conditions[i]); err != nil {
				return err
			}
		}
	case schema.ConditionNot:
		if len(c.Conditions) != 1 {
			return schema.NewError(schema.ErrCodeValidation, "not condition takes exactly one condition")
		}
		return e.Check(&c.Conditions[0])
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown condition kind %q", c.Kind)
	}
	return nil
}

// Match reports whether ev satisfies c. A nil condition always matches.
func (e *Evaluator) Match(ctx context.Context, c *schema.TriggerCondition, ev *schema.TriggerEvent) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch c.Kind {
	case schema.ConditionPayloadField:
		v, found, err := e.lookup(ctx, c.Path, ev)
		if err != nil || !found {
			return false, err
		}
		return equal(v, c.Equals), nil

	case schema.ConditionPayloadExists:
		_, found, err := e.lookup(ctx, c.Path, ev)
		return found, err

	case schema.ConditionSource:
		return ev.Source == fmt.Sprint(c.Equals), nil

	case schema.ConditionMetadata:
		v, ok := ev.Metadata[c.Key]
		if !ok {
			return false, nil
		}
		return c.Equals == nil || v == fmt.Sprint(c.Equals), nil

	case schema.ConditionExpression:
		doc := eventDocument(ev)
		return e.engines.EvaluateBool(ctx, c.Engine, c.Expression, map[string]any{
			"event":    doc,
			"payload":  doc["payload"],
			"metadata": doc["metadata"],
		})

	case schema.ConditionAll:
		for i := range c.Conditions {
			ok, err := e.Match(ctx, &c.Conditions[i], ev)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case schema.ConditionAny:
		for i := range c.Conditions {
			ok, err := e.Match(ctx, &c.Conditions[i], ev)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case schema.ConditionNot:
		if len(c.Conditions) != 1 {
			return false, schema.NewError(schema.ErrCodeValidation, "not condition takes exactly one condition")
		}
		ok, err := e.Match(ctx, &c.Conditions[0], ev)
		return !ok && err == nil, err
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition kind %q", c.Kind)
}

// lookup resolves a payload path such as "order.items[0].sku". A path that
// runs through a non-container or ends at null counts as missing.
func (e *Evaluator) lookup(ctx context.Context, path string, ev *schema.TriggerEvent) (any, bool, error) {
	v, err := e.engines.JQ.Evaluate(ctx, jqPath(path), payloadOf(ev))
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeInvalidDefinition) {
			return nil, false, err
		}
		return nil, false, nil
	}
	return v, v != nil, nil
}

// jqPath turns a dotted payload path into a jq query.
func jqPath(path string) string {
	if strings.HasPrefix(path, ".") {
		return path
	}
	return "." + path
}

// equal compares two values after JSON normalization, so 3 and 3.0 are equal.
func equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
