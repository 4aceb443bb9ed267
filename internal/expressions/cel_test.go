package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_Literals(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	tests := []struct {
		expr string
		want any
	}{
		{"true", true},
		{"1 + 2", int64(3)},
		{`"hello" + " " + "world"`, "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestCEL_ScopeAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"input": map[string]any{"env": "prod"},
		"vars":  map[string]any{"replicas": 3},
		"steps": map[string]any{"build": map[string]any{"status": "ok"}},
	}

	out, err := e.Evaluate(context.Background(), `input.env == "prod" && vars.replicas > 2 && steps.build.status == "ok"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_TriggerPayload(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"payload":  map[string]any{"amount": 250.0, "items": []any{"a", "b"}},
		"metadata": map[string]string{"tenant": "acme"},
		"event":    map[string]any{"type": "order.created", "source": "shop"},
	}

	out, err := e.Evaluate(context.Background(),
		`payload.amount > 100.0 && size(payload.items) == 2 && metadata.tenant == "acme" && event.source == "shop"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_MissingScopeDefaultsToEmptyMap(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `has(vars.flag)`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Evaluate(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, schema.CodeOf(err))

	_, err = e.Evaluate(ctx, "input.x ==", nil)
	assert.Equal(t, schema.ErrCodeInvalidDefinition, schema.CodeOf(err))
	assert.Error(t, e.Check("unknown_var > 1"))

	_, err = e.Evaluate(ctx, "vars.missing > 1", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCEL_ConcurrentEvaluationSharesCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "vars.n * 2", map[string]any{"vars": map[string]any{"n": n}})
			assert.NoError(t, err)
			assert.Equal(t, int64(n*2), out)
		}(i)
	}
	wg.Wait()

	e.mu.RLock()
	assert.Len(t, e.cache, 1)
	e.mu.RUnlock()
}
