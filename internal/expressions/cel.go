package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/loomworks/loom/pkg/schema"
)

// CELEngine implements the Engine interface using Google's Common Expression
// Language. It evaluates conditional node predicates and loop termination
// conditions. Thread-safe: compiled programs are cached and reused across
// goroutines.
type CELEngine struct {
	env      *cel.Env
	compiled sync.Map // expression string -> cel.Program
}

// scopeKeys are the top-level variables visible to every expression.
var scopeKeys = []string{"nodes", "inputs", "context", "run", "iter"}

// NewCELEngine creates a new CEL expression engine with a sandboxed
// environment. The environment exposes five top-level variables matching
// the evaluation Scope:
//   - nodes:   map(string, dyn) — node outputs keyed by node ID
//   - inputs:  map(string, dyn) — run input parameters
//   - context: map(string, dyn) — shared context bag
//   - run:     map(string, dyn) — run metadata (run_id, workflow_id, etc.)
//   - iter:    map(string, dyn) — loop iteration variables (item, index)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("nodes", mapType),
		cel.Variable("inputs", mapType),
		cel.Variable("context", mapType),
		cel.Variable("run", mapType),
		cel.Variable("iter", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{env: env}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the provided data. The data map should contain keys matching the
// environment variables: nodes, inputs, context, run, iter.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.lookup(expression)
	if err != nil {
		return nil, err
	}

	// Missing scope keys are filled with empty maps to avoid CEL runtime errors.
	out, _, err := prg.Eval(buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeFatal,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// EvaluateBool evaluates the expression and requires a boolean result.
// Conditional nodes and loop termination conditions route through here.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeFatal,
			"expression %q must evaluate to a boolean, got %T", expression, out).
			WithDetails(map[string]any{"expression": expression, "value": out})
	}
	return b, nil
}

// lookup returns the compiled form of expression, compiling and caching it on
// first use. Concurrent first calls may both compile; the cache keeps one.
func (e *CELEngine) lookup(expression string) (cel.Program, error) {
	if cached, ok := e.compiled.Load(expression); ok {
		return cached.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	actual, _ := e.compiled.LoadOrStore(expression, prg)
	return actual.(cel.Program), nil
}

// buildActivation creates the evaluation activation map from the data.
// Missing keys default to empty maps to prevent CEL runtime nil-ref errors.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(scopeKeys))

	for _, key := range scopeKeys {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}

	return activation
}

var _ Engine = (*CELEngine)(nil)
