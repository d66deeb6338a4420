package transforms

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/loomworks/loom/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransform is a minimal Transform for registry tests.
type stubTransform struct {
	name string
	desc string
}

func (s *stubTransform) Name() string     { return s.name }
func (s *stubTransform) Describe() string { return s.desc }
func (s *stubTransform) Apply(_ context.Context, in Input) (any, error) {
	return in.Value, nil
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubTransform{name: "noop", desc: "does nothing"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("noop"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTransform{name: "dup"}))

	err := reg.Register(&stubTransform{name: "dup"})
	require.Error(t, err)

	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)
}

func TestRegistry_Register_Nil(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(nil)
	require.Error(t, err)

	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestRegistry_Register_EmptyName(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubTransform{name: ""})
	require.Error(t, err)

	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestRegistry_Get_Success(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTransform{name: "noop"}))

	got, err := reg.Get("noop")
	require.NoError(t, err)
	assert.Equal(t, "noop", got.Name())
}

func TestRegistry_Get_NotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("missing")
	require.Error(t, err)

	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeFatal, engErr.Code)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTransform{name: "z", desc: "last"}))
	require.NoError(t, reg.Register(&stubTransform{name: "a", desc: "first"}))
	require.NoError(t, reg.Register(&stubTransform{name: "m", desc: "middle"}))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, "first", infos[0].Description)
	assert.Equal(t, "m", infos[1].Name)
	assert.Equal(t, "z", infos[2].Name)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = reg.Get("identity")
		}()
		go func() {
			defer wg.Done()
			_ = reg.List()
		}()
	}
	wg.Wait()
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	for _, name := range []string{
		"identity", "uppercase", "lowercase", "concat",
		"pick", "merge", "template", "jq", "expr",
	} {
		assert.True(t, reg.Has(name), "missing builtin %q", name)
	}
}
