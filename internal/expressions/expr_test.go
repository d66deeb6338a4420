package expressions

import (
	"context"
	"testing"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_ArrayOps(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `filter(items, # > 2) | len()`, map[string]any{
		"items": []any{1, 2, 3, 4},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestExpr_StringOps(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `upper(value)`, map[string]any{
		"value": "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "HI", out)
}

func TestExpr_NilCoalescing(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing ?? "fallback"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `1 +`, nil)
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}
