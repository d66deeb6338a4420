package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/loomworks/loom/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr for
// deterministic logic. It backs the "expr" transform: let bindings, array
// operations (filter, map, count, any, all, sum, min, max), string
// operations, nil coalescing (??), optional chaining (?.), and pipe
// chaining (|). Thread-safe: compiled *vm.Program objects are cached and
// reused across goroutines.
type ExprEngine struct {
	compiled sync.Map // expression string -> *vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr expression and
// evaluates it against the provided data. The data map is injected as the
// expression environment, making all keys available as top-level variables.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.lookup(expression, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeFatal,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// lookup returns the compiled form of expression, compiling and caching it on
// first use. The env map is used to infer the environment type at compile time.
// Concurrent first calls may both compile; the cache keeps one.
func (e *ExprEngine) lookup(expression string, env map[string]any) (*vm.Program, error) {
	if cached, ok := e.compiled.Load(expression); ok {
		return cached.(*vm.Program), nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	actual, _ := e.compiled.LoadOrStore(expression, prg)
	return actual.(*vm.Program), nil
}

var _ Engine = (*ExprEngine)(nil)
