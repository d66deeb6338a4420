package expressions

import (
	"context"
	"testing"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_FieldExtraction(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".value.text", map[string]any{
		"value": map[string]any{"text": "summary goes here", "score": 0.8},
	})
	require.NoError(t, err)
	assert.Equal(t, "summary goes here", out)
}

func TestGoJQ_ArrayReshape(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `[.items[] | select(.done)] | length`, map[string]any{
		"items": []any{
			map[string]any{"done": true},
			map[string]any{"done": false},
			map[string]any{"done": true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestGoJQ_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".items[]", map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQ_NoOutputIsNil(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".missing[]?", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_EvaluateValue(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.EvaluateValue(context.Background(), "map(. * 2)", []any{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(2), float64(4), float64(6)}, out)

	out, err = e.EvaluateValue(context.Background(), ". + 1", 41)
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".[unclosed", map[string]any{})
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestGoJQ_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".value | keys", map[string]any{"value": "not an object"})
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeFatal, engErr.Code)
}

func TestGoJQ_EnvAccessSandboxed(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `env.PATH`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out, "environment access must be blocked")
}

func TestGoJQ_EmptyExpression(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}
